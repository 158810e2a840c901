package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/formflow/formflow/internal/actions"
	"github.com/formflow/formflow/internal/conditions"
	"github.com/formflow/formflow/internal/graph"
	"github.com/formflow/formflow/internal/store"
	"github.com/formflow/formflow/pkg/schema"
)

// nodeResult is the uniform outcome of one node executor.
type nodeResult struct {
	Success     bool
	Output      json.RawMessage
	Err         *schema.FlowError
	NextNodeIDs []string
	Suspend     *suspension
}

// suspension asks the orchestrator to park the execution. ResumeAt is nil
// for suspensions with no scheduled wake-up (condition waits resumed by the
// next form submission event).
type suspension struct {
	ResumeAt   *time.Time
	WaitConfig json.RawMessage
}

func failedResult(err *schema.FlowError) *nodeResult {
	return &nodeResult{Success: false, Err: err}
}

// execNode dispatches on the node type. Panics from delegates or config
// parsing are caught into a failed result so one bad node cannot take down
// the engine.
func (e *Engine) execNode(ctx context.Context, exec *store.Execution, node *store.Node, payload map[string]any) (res *nodeResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "node executor panic", slog.Any("panic", r))
			res = failedResult(schema.NewErrorf(schema.ErrCodeNodeFailed, "panic: %v", r).WithNode(node.ID))
		}
	}()

	switch node.NodeType {
	case schema.NodeTypeStart:
		return e.execStart(ctx, node)
	case schema.NodeTypeAction:
		return e.execAction(ctx, exec, node)
	case schema.NodeTypeApproval:
		return e.execApproval(ctx, exec, node)
	case schema.NodeTypeFormAssignment:
		return e.execFormAssignment(ctx, exec, node)
	case schema.NodeTypeNotification:
		return e.execNotification(ctx, exec, node)
	case schema.NodeTypeCondition:
		return e.execCondition(ctx, exec, node, payload)
	case schema.NodeTypeWait:
		return e.execWait(ctx, node)
	case schema.NodeTypeEnd:
		return &nodeResult{Success: true}
	default:
		return failedResult(schema.NewErrorf(schema.ErrCodeNodeFailed, "unknown node type %q", node.NodeType).WithNode(node.ID))
	}
}

func (e *Engine) execStart(ctx context.Context, node *store.Node) *nodeResult {
	next, ferr := e.unconditionalSuccessors(ctx, node)
	if ferr != nil {
		return failedResult(ferr)
	}
	return &nodeResult{Success: true, NextNodeIDs: next}
}

func (e *Engine) execAction(ctx context.Context, exec *store.Execution, node *store.Node) *nodeResult {
	var cfg schema.ActionConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return failedResult(schema.NewError(schema.ErrCodeValidation, "invalid action config").WithNode(node.ID).WithCause(err))
	}
	if cfg.ActionType == "" {
		return failedResult(schema.NewError(schema.ErrCodeValidation, "action node has no actionType").WithNode(node.ID))
	}
	return e.runDelegate(ctx, exec, node, cfg.ActionType, "", paramsMap(cfg.Params, nil))
}

func (e *Engine) execApproval(ctx context.Context, exec *store.Execution, node *store.Node) *nodeResult {
	var cfg schema.ApprovalConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return failedResult(schema.NewError(schema.ErrCodeValidation, "invalid approval config").WithNode(node.ID).WithCause(err))
	}
	if cfg.ApprovalAction == "" {
		return failedResult(schema.NewError(schema.ErrCodeValidation, "approval node has no approvalAction").WithNode(node.ID))
	}
	params := paramsMap(cfg.Params, map[string]any{"approverId": cfg.ApproverID})
	return e.runDelegate(ctx, exec, node, cfg.ApprovalAction, "", params)
}

func (e *Engine) execFormAssignment(ctx context.Context, exec *store.Execution, node *store.Node) *nodeResult {
	var cfg schema.FormAssignmentConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return failedResult(schema.NewError(schema.ErrCodeValidation, "invalid form assignment config").WithNode(node.ID).WithCause(err))
	}
	params := paramsMap(cfg.Params, map[string]any{
		"formId":     cfg.FormID,
		"assigneeId": cfg.AssigneeID,
	})
	return e.runDelegate(ctx, exec, node, "assign_form", "", params)
}

func (e *Engine) execNotification(ctx context.Context, exec *store.Execution, node *store.Node) *nodeResult {
	var cfg schema.NotificationConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return failedResult(schema.NewError(schema.ErrCodeValidation, "invalid notification config").WithNode(node.ID).WithCause(err))
	}
	params := paramsMap(cfg.Params, map[string]any{
		"recipient": cfg.Recipient,
		"message":   cfg.Message,
	})
	// A registered channel delegate (e.g. "email") wins; the builtin notify
	// stub is the fallback.
	return e.runDelegate(ctx, exec, node, cfg.NotificationType, "notify", params)
}

// runDelegate executes a registry delegate. NextNodeIDs are computed even
// when the delegate fails so the audit trail shows where the flow would have
// gone; the orchestrator refuses descent on failure.
func (e *Engine) runDelegate(ctx context.Context, exec *store.Execution, node *store.Node, name, fallback string, params map[string]any) *nodeResult {
	next, ferr := e.unconditionalSuccessors(ctx, node)
	if ferr != nil {
		return failedResult(ferr)
	}

	action, err := e.registry.Get(name)
	if err != nil && fallback != "" {
		action, err = e.registry.Get(fallback)
	}
	if err != nil {
		return &nodeResult{
			Success:     false,
			Err:         schema.NewErrorf(schema.ErrCodeNodeFailed, "delegate %q not registered", name).WithNode(node.ID).WithCause(err),
			NextNodeIDs: next,
		}
	}

	out, err := e.executeDelegateSafe(ctx, action, actions.ActionInput{
		ExecutionID:  exec.ID,
		WorkflowID:   exec.WorkflowID,
		NodeID:       node.ID,
		Params:       params,
		TriggerData:  exec.TriggerData,
		SubmissionID: exec.FormSubmissionID,
		SubmitterID:  exec.SubmitterID,
	})
	if err != nil {
		return &nodeResult{
			Success:     false,
			Err:         schema.NewErrorf(schema.ErrCodeNodeFailed, "delegate %q: %s", action.Name(), err.Error()).WithNode(node.ID).WithCause(err),
			NextNodeIDs: next,
		}
	}

	var output json.RawMessage
	if out != nil {
		output = out.Data
	}
	return &nodeResult{Success: true, Output: output, NextNodeIDs: next}
}

func (e *Engine) executeDelegateSafe(ctx context.Context, action actions.Action, input actions.ActionInput) (out *actions.ActionOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return action.Execute(ctx, input)
}

func (e *Engine) execCondition(ctx context.Context, exec *store.Execution, node *store.Node, payload map[string]any) *nodeResult {
	var cfg schema.ConditionConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return failedResult(schema.NewError(schema.ErrCodeValidation, "invalid condition config").WithNode(node.ID).WithCause(err))
	}

	evalCtx := e.buildEvalContext(ctx, exec, payload)
	result, err := e.evaluator.Evaluate(&cfg, evalCtx)
	if err != nil {
		ferr, ok := err.(*schema.FlowError)
		if !ok {
			ferr = schema.NewError(schema.ErrCodeNodeFailed, err.Error()).WithCause(err)
		}
		return failedResult(ferr.WithNode(node.ID))
	}

	if result.Waiting() {
		output, _ := json.Marshal(map[string]any{
			"outcome":        result.Outcome.String(),
			"waiting_fields": result.WaitingFields,
		})
		return &nodeResult{
			Success: true,
			Output:  output,
			Suspend: &suspension{WaitConfig: node.Config},
		}
	}

	conns, err := e.store.ListConnections(ctx, exec.WorkflowID, node.ID)
	if err != nil {
		return failedResult(schema.NewError(schema.ErrCodeStore, "list condition branches").WithNode(node.ID).WithCause(err))
	}
	taken := graph.NextNodeIDs(conns, result.Branch)

	e.markIgnoredBranches(ctx, exec, node, conns, result.Branch, taken)

	output, _ := json.Marshal(map[string]any{
		"outcome": result.Outcome.String(),
		"branch":  result.Branch,
	})
	return &nodeResult{Success: true, Output: output, NextNodeIDs: taken}
}

// markIgnoredBranches writes "ignored" audit rows for every node reachable
// only through the untaken branches. Failures here never affect the walk.
func (e *Engine) markIgnoredBranches(ctx context.Context, exec *store.Execution, node *store.Node, conns []*store.Connection, branch string, taken []string) {
	var untaken []string
	for _, conn := range conns {
		if !graph.MatchesBranch(conn, branch) {
			untaken = append(untaken, conn.TargetNodeID)
		}
	}
	if len(untaken) == 0 {
		return
	}

	all, err := e.store.ListAllConnections(ctx, exec.WorkflowID)
	if err != nil {
		e.logger.WarnContext(ctx, "ignored-branch discovery failed", slog.String("error", err.Error()))
		return
	}

	takenSet := make(map[string]bool)
	for _, id := range graph.Descendants(all, taken) {
		takenSet[id] = true
	}

	now := e.now().UTC()
	for _, id := range graph.Descendants(all, untaken) {
		if takenSet[id] {
			continue
		}
		ignored, err := e.store.GetNode(ctx, id)
		if err != nil || ignored == nil {
			continue
		}
		entry := &store.NodeExecutionLog{
			ID:          uuid.NewString(),
			ExecutionID: exec.ID,
			NodeID:      ignored.ID,
			NodeType:    ignored.NodeType,
			NodeLabel:   ignored.Label,
			Status:      schema.NodeRunStatusIgnored,
			StartedAt:   now,
			CompletedAt: &now,
		}
		if err := e.store.AppendNodeLog(ctx, entry); err != nil {
			e.logger.WarnContext(ctx, "ignored-branch log append failed",
				slog.String("ignored_node_id", id), slog.String("error", err.Error()))
		}
	}
}

// buildEvalContext assembles the three evaluation namespaces: the trigger
// payload, the submitter's profile, and execution status fields.
func (e *Engine) buildEvalContext(ctx context.Context, exec *store.Execution, payload map[string]any) *conditions.Context {
	submissionStatus := ""
	if exec.FormSubmissionID != "" {
		submissionStatus = "submitted"
	}
	evalCtx := &conditions.Context{
		Form: payload,
		System: map[string]any{
			"workflow_id":        exec.WorkflowID,
			"execution_id":       exec.ID,
			"execution_status":   string(exec.Status),
			"started_at":         exec.StartedAt.UTC().Format(time.RFC3339),
			"form_submission_id": exec.FormSubmissionID,
			"submission_status":  submissionStatus,
			"submitter_id":       exec.SubmitterID,
			"form_owner_id":      exec.FormOwnerID,
		},
	}
	if exec.SubmitterID != "" {
		if profile, err := e.store.GetUserProfile(ctx, exec.SubmitterID); err == nil && profile != nil {
			evalCtx.User = map[string]any{
				"id":        profile.ID,
				"email":     profile.Email,
				"full_name": profile.FullName,
				"role":      profile.Role,
			}
		}
	}
	return evalCtx
}

func (e *Engine) execWait(ctx context.Context, node *store.Node) *nodeResult {
	var cfg schema.WaitConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return failedResult(schema.NewError(schema.ErrCodeValidation, "invalid wait config").WithNode(node.ID).WithCause(err))
	}

	now := e.now().UTC()
	switch cfg.WaitType {
	case schema.WaitTypeDuration:
		dur, ferr := waitDuration(cfg)
		if ferr != nil {
			return failedResult(ferr.WithNode(node.ID))
		}
		resumeAt := now.Add(dur)
		return suspendResult(resumeAt, node.Config, cfg.WaitType)

	case schema.WaitTypeUntilDate:
		until, ok := parseUntilDate(cfg.UntilDate)
		if !ok {
			return failedResult(schema.NewErrorf(schema.ErrCodeValidation, "unparseable untilDate %q", cfg.UntilDate).WithNode(node.ID))
		}
		if !until.After(now) {
			// The instant already passed; continue without waiting.
			next, ferr := e.unconditionalSuccessors(ctx, node)
			if ferr != nil {
				return failedResult(ferr)
			}
			output, _ := json.Marshal(map[string]any{"waited": false})
			return &nodeResult{Success: true, Output: output, NextNodeIDs: next}
		}
		return suspendResult(until, node.Config, cfg.WaitType)

	case schema.WaitTypeUntilEvent:
		// Event waits are resumed out-of-band; the ceiling only prevents an
		// execution from waiting forever on an event that never fires.
		resumeAt := now.Add(365 * 24 * time.Hour)
		return suspendResult(resumeAt, node.Config, cfg.WaitType)

	default:
		return failedResult(schema.NewErrorf(schema.ErrCodeValidation, "unknown wait type %q", cfg.WaitType).WithNode(node.ID))
	}
}

func suspendResult(resumeAt time.Time, waitConfig json.RawMessage, waitType string) *nodeResult {
	output, _ := json.Marshal(map[string]any{
		"waited":    true,
		"wait_type": waitType,
		"resume_at": resumeAt.UTC().Format(time.RFC3339),
	})
	return &nodeResult{
		Success: true,
		Output:  output,
		Suspend: &suspension{ResumeAt: &resumeAt, WaitConfig: waitConfig},
	}
}

func waitDuration(cfg schema.WaitConfig) (time.Duration, *schema.FlowError) {
	if cfg.DurationValue <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid wait duration value %v", cfg.DurationValue)
	}
	var unit time.Duration
	switch cfg.DurationUnit {
	case schema.DurationUnitMinutes:
		unit = time.Minute
	case schema.DurationUnitHours:
		unit = time.Hour
	case schema.DurationUnitDays:
		unit = 24 * time.Hour
	case schema.DurationUnitWeeks:
		unit = 7 * 24 * time.Hour
	default:
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "unknown duration unit %q", cfg.DurationUnit)
	}
	return time.Duration(cfg.DurationValue * float64(unit)), nil
}

// parseUntilDate accepts RFC 3339 timestamps, date-only strings, and epoch
// milliseconds.
func parseUntilDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if millis, err := strconv.ParseInt(s, 10, 64); err == nil {
		if millis > 1e11 {
			return time.UnixMilli(millis), true
		}
		return time.Unix(millis, 0), true
	}
	return time.Time{}, false
}

func (e *Engine) unconditionalSuccessors(ctx context.Context, node *store.Node) ([]string, *schema.FlowError) {
	conns, err := e.store.ListConnections(ctx, node.WorkflowID, node.ID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list node successors").WithNode(node.ID).WithCause(err)
	}
	return nextUnconditional(conns), nil
}

func nextUnconditional(conns []*store.Connection) []string {
	return graph.NextNodeIDs(conns, "")
}

// paramsMap merges a raw params block with type-specific config keys. The
// explicit keys win over duplicates in the raw block.
func paramsMap(raw json.RawMessage, extra map[string]any) map[string]any {
	params := make(map[string]any)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}
	for k, v := range extra {
		if v == "" {
			continue
		}
		params[k] = v
	}
	return params
}
