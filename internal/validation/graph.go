package validation

import (
	"encoding/json"
	"fmt"

	"github.com/formflow/formflow/pkg/schema"
)

// validateGraph performs the checks JSON Schema cannot express: unique IDs,
// edge endpoints, start node presence, per-type config shapes, reachability,
// and condition branch labels.
func validateGraph(def *schema.WorkflowDefinition, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]*schema.NodeDefinition, len(def.Nodes))
	startCount := 0
	endCount := 0
	for i := range def.Nodes {
		node := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		if _, exists := nodes[node.ID]; exists {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", node.ID))
			continue
		}
		nodes[node.ID] = node
		switch node.Type {
		case schema.NodeTypeStart:
			startCount++
		case schema.NodeTypeEnd:
			endCount++
		}
		validateNodeConfig(node, path, lookup, result)
	}

	if startCount == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "workflow has no start node")
	}
	if endCount == 0 {
		result.AddWarning("nodes", schema.ErrCodeValidation,
			"workflow has no end node; every path terminates by dangling")
	}

	connIDs := make(map[string]struct{}, len(def.Connections))
	for i := range def.Connections {
		conn := &def.Connections[i]
		path := fmt.Sprintf("connections[%d]", i)
		if _, exists := connIDs[conn.ID]; exists {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate connection id %q", conn.ID))
		}
		connIDs[conn.ID] = struct{}{}
		if _, ok := nodes[conn.Source]; !ok {
			result.AddError(path+".source", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", conn.Source))
		}
		if _, ok := nodes[conn.Target]; !ok {
			result.AddError(path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", conn.Target))
		}
	}

	if result.Valid() {
		validateBranchLabels(def, nodes, result)
		checkReachability(def, nodes, result)
	}

	return result
}

// validateNodeConfig unmarshals and checks the per-type config block.
func validateNodeConfig(node *schema.NodeDefinition, path string, lookup ActionLookup, result *schema.ValidationResult) {
	cfgPath := path + ".config"

	switch node.Type {
	case schema.NodeTypeStart:
		var cfg schema.StartConfig
		if !unmarshalConfig(node.Config, &cfg, cfgPath, result) {
			return
		}
		switch cfg.TriggerType {
		case "", schema.TriggerTypeFormSubmission:
		case schema.TriggerTypeSchedule:
			if cfg.CronExpression == "" {
				result.AddError(cfgPath+".cronExpression", schema.ErrCodeValidation,
					"schedule trigger requires a cron expression")
			}
		default:
			result.AddError(cfgPath+".triggerType", schema.ErrCodeValidation,
				fmt.Sprintf("unknown trigger type %q", cfg.TriggerType))
		}

	case schema.NodeTypeAction:
		var cfg schema.ActionConfig
		if !unmarshalConfig(node.Config, &cfg, cfgPath, result) {
			return
		}
		if cfg.ActionType == "" {
			result.AddError(cfgPath+".actionType", schema.ErrCodeValidation,
				"action node requires an actionType")
		} else if lookup != nil && !lookup.Has(cfg.ActionType) {
			result.AddError(cfgPath+".actionType", schema.ErrCodeNotFound,
				fmt.Sprintf("action %q not registered", cfg.ActionType))
		}

	case schema.NodeTypeApproval:
		var cfg schema.ApprovalConfig
		if !unmarshalConfig(node.Config, &cfg, cfgPath, result) {
			return
		}
		if cfg.ApprovalAction == "" {
			result.AddError(cfgPath+".approvalAction", schema.ErrCodeValidation,
				"approval node requires an approvalAction")
		} else if lookup != nil && !lookup.Has(cfg.ApprovalAction) {
			result.AddError(cfgPath+".approvalAction", schema.ErrCodeNotFound,
				fmt.Sprintf("action %q not registered", cfg.ApprovalAction))
		}

	case schema.NodeTypeFormAssignment:
		var cfg schema.FormAssignmentConfig
		if !unmarshalConfig(node.Config, &cfg, cfgPath, result) {
			return
		}
		if cfg.FormID == "" {
			result.AddError(cfgPath+".formId", schema.ErrCodeValidation,
				"form assignment node requires a formId")
		}

	case schema.NodeTypeNotification:
		var cfg schema.NotificationConfig
		unmarshalConfig(node.Config, &cfg, cfgPath, result)

	case schema.NodeTypeWait:
		var cfg schema.WaitConfig
		if !unmarshalConfig(node.Config, &cfg, cfgPath, result) {
			return
		}
		validateWaitConfig(&cfg, cfgPath, result)

	case schema.NodeTypeCondition:
		var cfg schema.ConditionConfig
		if !unmarshalConfig(node.Config, &cfg, cfgPath, result) {
			return
		}
		validateConditionConfig(&cfg, cfgPath, result)
	}
}

func unmarshalConfig(raw json.RawMessage, dst any, path string, result *schema.ValidationResult) bool {
	if len(raw) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("malformed config: %v", err))
		return false
	}
	return true
}

func validateWaitConfig(cfg *schema.WaitConfig, path string, result *schema.ValidationResult) {
	switch cfg.WaitType {
	case schema.WaitTypeDuration:
		if cfg.DurationValue <= 0 {
			result.AddError(path+".durationValue", schema.ErrCodeValidation,
				"duration wait requires a positive durationValue")
		}
		switch cfg.DurationUnit {
		case schema.DurationUnitMinutes, schema.DurationUnitHours,
			schema.DurationUnitDays, schema.DurationUnitWeeks:
		default:
			result.AddError(path+".durationUnit", schema.ErrCodeValidation,
				fmt.Sprintf("unknown duration unit %q", cfg.DurationUnit))
		}
	case schema.WaitTypeUntilDate:
		if cfg.UntilDate == "" {
			result.AddError(path+".untilDate", schema.ErrCodeValidation,
				"until_date wait requires an untilDate")
		}
	case schema.WaitTypeUntilEvent:
	default:
		result.AddError(path+".waitType", schema.ErrCodeValidation,
			fmt.Sprintf("unknown wait type %q", cfg.WaitType))
	}
}

func validateConditionConfig(cfg *schema.ConditionConfig, path string, result *schema.ValidationResult) {
	kind := conditionKind(cfg)
	switch kind {
	case schema.ConditionKindIf:
		if cfg.If == nil || cfg.If.Expression == nil {
			result.AddError(path+".if", schema.ErrCodeValidation,
				"if condition requires an expression")
			return
		}
		validateBoolExpr(cfg.If.Expression, path+".if.expression", result)
	case schema.ConditionKindSwitch:
		if cfg.Switch == nil {
			result.AddError(path+".switch", schema.ErrCodeValidation,
				"switch condition requires a switch block")
			return
		}
		if cfg.Switch.Field.Key == "" {
			result.AddError(path+".switch.field", schema.ErrCodeValidation,
				"switch condition requires a field key")
		}
		validateFieldSource(cfg.Switch.Field.Source, path+".switch.field.source", result)
		if len(cfg.Switch.Cases) == 0 {
			result.AddError(path+".switch.cases", schema.ErrCodeValidation,
				"switch condition requires at least one case")
		}
		for i, c := range cfg.Switch.Cases {
			if c.Branch == "" {
				result.AddError(fmt.Sprintf("%s.switch.cases[%d].branch", path, i),
					schema.ErrCodeValidation, "switch case requires a branch label")
			}
		}
	case schema.ConditionKindExpression:
		if cfg.Expression == "" {
			result.AddError(path+".expression", schema.ErrCodeValidation,
				"expression condition requires an expression")
		}
	default:
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("unknown condition kind %q", cfg.Kind))
	}
}

// conditionKind mirrors the evaluator's kind inference for unset Kind.
func conditionKind(cfg *schema.ConditionConfig) string {
	if cfg.Kind != "" {
		return cfg.Kind
	}
	switch {
	case cfg.If != nil:
		return schema.ConditionKindIf
	case cfg.Switch != nil:
		return schema.ConditionKindSwitch
	case cfg.Expression != "":
		return schema.ConditionKindExpression
	}
	return ""
}

func validateBoolExpr(expr *schema.BoolExpr, path string, result *schema.ValidationResult) {
	exprType := expr.Type
	if exprType == "" {
		switch {
		case expr.Condition != nil:
			exprType = schema.ExprTypeCondition
		case expr.Group != nil:
			exprType = schema.ExprTypeGroup
		case expr.Enhanced != nil:
			exprType = schema.ExprTypeEnhanced
		}
	}

	switch exprType {
	case schema.ExprTypeCondition:
		if expr.Condition == nil {
			result.AddError(path, schema.ErrCodeValidation, "condition expression has no condition")
			return
		}
		validateSimpleCondition(expr.Condition, path, result)
	case schema.ExprTypeGroup:
		if expr.Group == nil || len(expr.Group.Children) == 0 {
			result.AddError(path, schema.ErrCodeValidation, "group expression requires children")
			return
		}
		if expr.Group.Operator != schema.LogicalAnd && expr.Group.Operator != schema.LogicalOr {
			result.AddError(path+".operator", schema.ErrCodeValidation,
				fmt.Sprintf("unknown group operator %q", expr.Group.Operator))
		}
		for i := range expr.Group.Children {
			validateBoolExpr(&expr.Group.Children[i], fmt.Sprintf("%s.children[%d]", path, i), result)
		}
	case schema.ExprTypeEnhanced:
		if expr.Enhanced == nil || len(expr.Enhanced.Conditions) == 0 {
			result.AddError(path, schema.ErrCodeValidation, "enhanced expression requires sub-conditions")
			return
		}
		for i := range expr.Enhanced.Conditions {
			sub := &expr.Enhanced.Conditions[i]
			subPath := fmt.Sprintf("%s.conditions[%d]", path, i)
			if sub.Level != "" && sub.Level != schema.ConditionLevelForm && sub.Level != schema.ConditionLevelField {
				result.AddError(subPath+".level", schema.ErrCodeValidation,
					fmt.Sprintf("unknown condition level %q", sub.Level))
			}
			validateSimpleCondition(&sub.Condition, subPath+".condition", result)
		}
	default:
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("unknown expression type %q", expr.Type))
	}
}

func validateSimpleCondition(sc *schema.SimpleCondition, path string, result *schema.ValidationResult) {
	if sc.Operator == "" {
		result.AddError(path+".operator", schema.ErrCodeValidation, "condition requires an operator")
	}
	validateOperand(&sc.Left, path+".left", result)
	if sc.Right != nil {
		validateOperand(sc.Right, path+".right", result)
	}
}

func validateOperand(op *schema.Operand, path string, result *schema.ValidationResult) {
	if op.Type == schema.OperandTypeField || (op.Type == "" && op.Field != nil) {
		if op.Field == nil {
			result.AddError(path+".field", schema.ErrCodeValidation, "field operand has no field path")
			return
		}
		if op.Field.Key == "" {
			result.AddError(path+".field.key", schema.ErrCodeValidation, "field path requires a key")
		}
		validateFieldSource(op.Field.Source, path+".field.source", result)
	}
}

func validateFieldSource(source, path string, result *schema.ValidationResult) {
	switch source {
	case "", schema.FieldSourceForm, schema.FieldSourceUser, schema.FieldSourceSystem:
	default:
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("unknown field source %q", source))
	}
}

// validateBranchLabels checks that labeled edges leaving a condition node
// carry a label the condition can actually produce.
func validateBranchLabels(def *schema.WorkflowDefinition, nodes map[string]*schema.NodeDefinition, result *schema.ValidationResult) {
	labels := make(map[string]map[string]bool)
	for id, node := range nodes {
		if node.Type != schema.NodeTypeCondition {
			continue
		}
		var cfg schema.ConditionConfig
		if len(node.Config) > 0 {
			if err := json.Unmarshal(node.Config, &cfg); err != nil {
				continue // config stage already reported this
			}
		}
		labels[id] = producibleBranches(&cfg)
	}

	for i := range def.Connections {
		conn := &def.Connections[i]
		producible, ok := labels[conn.Source]
		if !ok {
			continue
		}
		branch := conn.SourceHandle
		if branch == "" {
			branch = conn.ConditionType
		}
		path := fmt.Sprintf("connections[%d]", i)
		if branch == "" {
			if !producible["default"] {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("unlabeled edge from condition %q only matches the default branch, which it never produces", conn.Source))
			}
			continue
		}
		if !producible[branch] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("condition %q never produces branch %q", conn.Source, branch))
		}
	}
}

// producibleBranches returns the branch labels a condition config can emit.
func producibleBranches(cfg *schema.ConditionConfig) map[string]bool {
	out := make(map[string]bool)
	switch conditionKind(cfg) {
	case schema.ConditionKindIf:
		trueBranch, falseBranch := "true", "false"
		if cfg.If != nil {
			if cfg.If.TrueBranch != "" {
				trueBranch = cfg.If.TrueBranch
			}
			if cfg.If.FalseBranch != "" {
				falseBranch = cfg.If.FalseBranch
			}
		}
		out[trueBranch] = true
		out[falseBranch] = true
	case schema.ConditionKindSwitch:
		if cfg.Switch != nil {
			for _, c := range cfg.Switch.Cases {
				out[c.Branch] = true
			}
			defaultBranch := cfg.Switch.DefaultBranch
			if defaultBranch == "" {
				defaultBranch = "default"
			}
			out[defaultBranch] = true
		}
	case schema.ConditionKindExpression:
		out["true"] = true
		out["false"] = true
	}
	return out
}

// checkReachability warns about nodes no start node can reach.
func checkReachability(def *schema.WorkflowDefinition, nodes map[string]*schema.NodeDefinition, result *schema.ValidationResult) {
	adjacent := make(map[string][]string)
	for _, conn := range def.Connections {
		adjacent[conn.Source] = append(adjacent[conn.Source], conn.Target)
	}

	visited := make(map[string]bool)
	var queue []string
	for id, node := range nodes {
		if node.Type == schema.NodeTypeStart {
			visited[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range adjacent[current] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if !visited[node.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from any start node", node.ID))
		}
	}
}
