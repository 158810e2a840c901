package conditions

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/cel-go/cel"

	"github.com/formflow/formflow/pkg/schema"
)

// Evaluator evaluates condition node configs against an evaluation context.
// Compiled CEL and combine-expression programs are cached per source string,
// so one Evaluator should be shared across executions.
type Evaluator struct {
	celEnv *cel.Env

	celMu    sync.RWMutex
	celProgs map[string]cel.Program

	exprMu    sync.RWMutex
	exprProgs map[string]*vm.Program

	// now is the clock anchor for relative date operators.
	now func() time.Time
}

// NewEvaluator builds an Evaluator with a CEL environment exposing the three
// evaluation namespaces as dynamic maps.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("form", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("system", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "building expression environment").WithCause(err)
	}
	return &Evaluator{
		celEnv:    env,
		celProgs:  make(map[string]cel.Program),
		exprProgs: make(map[string]*vm.Program),
		now:       time.Now,
	}, nil
}

// Evaluate dispatches on the condition kind. Kind may be omitted, in which
// case the populated config block selects the behavior.
func (e *Evaluator) Evaluate(cfg *schema.ConditionConfig, ctx *Context) (Result, error) {
	if cfg == nil {
		return Result{}, schema.NewError(schema.ErrCodeValidation, "condition node has no config")
	}
	kind := cfg.Kind
	if kind == "" {
		switch {
		case cfg.If != nil:
			kind = schema.ConditionKindIf
		case cfg.Switch != nil:
			kind = schema.ConditionKindSwitch
		case cfg.Expression != "":
			kind = schema.ConditionKindExpression
		}
	}

	switch kind {
	case schema.ConditionKindIf:
		return e.evaluateIf(cfg.If, ctx)
	case schema.ConditionKindSwitch:
		return e.evaluateSwitch(cfg.Switch, ctx)
	case schema.ConditionKindExpression:
		return e.evaluateCEL(cfg.Expression, ctx)
	default:
		return Result{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition kind %q", cfg.Kind)
	}
}

func (e *Evaluator) evaluateIf(cfg *schema.IfConfig, ctx *Context) (Result, error) {
	if cfg == nil || cfg.Expression == nil {
		return Result{}, schema.NewError(schema.ErrCodeValidation, "if condition has no expression")
	}
	outcome, waiting, err := e.evalExpr(cfg.Expression, ctx)
	if err != nil {
		return Result{}, err
	}
	if outcome == OutcomeWaiting {
		return Result{Outcome: OutcomeWaiting, WaitingFields: waiting}, nil
	}
	trueBranch, falseBranch := cfg.TrueBranch, cfg.FalseBranch
	if trueBranch == "" {
		trueBranch = "true"
	}
	if falseBranch == "" {
		falseBranch = "false"
	}
	if outcome == OutcomeTrue {
		return Result{Outcome: OutcomeTrue, Branch: trueBranch}, nil
	}
	return Result{Outcome: OutcomeFalse, Branch: falseBranch}, nil
}

func (e *Evaluator) evaluateSwitch(cfg *schema.SwitchConfig, ctx *Context) (Result, error) {
	if cfg == nil {
		return Result{}, schema.NewError(schema.ErrCodeValidation, "switch condition has no config")
	}
	value, _ := ctx.Resolve(cfg.Field)
	if formSourced(cfg.Field.Source) && IsEmpty(value) {
		return Result{Outcome: OutcomeWaiting, WaitingFields: []string{cfg.Field.Key}}, nil
	}
	for _, c := range cfg.Cases {
		if valuesEqual(value, c.Value) {
			return Result{Outcome: OutcomeTrue, Branch: c.Branch}, nil
		}
	}
	branch := cfg.DefaultBranch
	if branch == "" {
		branch = "default"
	}
	return Result{Outcome: OutcomeTrue, Branch: branch}, nil
}

// evaluateCEL runs a CEL expression over the three namespaces. CEL conditions
// cannot produce a waiting outcome; absent fields are the author's problem
// to guard with `in` checks.
func (e *Evaluator) evaluateCEL(src string, ctx *Context) (Result, error) {
	prog, err := e.celProgram(src)
	if err != nil {
		return Result{}, err
	}
	out, _, err := prog.Eval(ctx.NamespaceMaps())
	if err != nil {
		return Result{}, schema.NewErrorf(schema.ErrCodeExecution, "evaluating expression %q", src).WithCause(err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return Result{}, schema.NewErrorf(schema.ErrCodeValidation, "expression %q is not boolean", src)
	}
	if b {
		return Result{Outcome: OutcomeTrue, Branch: "true"}, nil
	}
	return Result{Outcome: OutcomeFalse, Branch: "false"}, nil
}

func (e *Evaluator) celProgram(src string) (cel.Program, error) {
	e.celMu.RLock()
	prog, ok := e.celProgs[src]
	e.celMu.RUnlock()
	if ok {
		return prog, nil
	}

	e.celMu.Lock()
	defer e.celMu.Unlock()
	if prog, ok := e.celProgs[src]; ok {
		return prog, nil
	}

	ast, iss := e.celEnv.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compiling expression %q", src).WithCause(iss.Err())
	}
	prog, err := e.celEnv.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "building expression program %q", src).WithCause(err)
	}
	e.celProgs[src] = prog
	return prog, nil
}

// evalExpr walks a boolean expression tree. A waiting sub-result anywhere in
// the tree makes the whole expression waiting: short-circuiting on a decided
// sibling would turn "not answered yet" into a premature decision.
func (e *Evaluator) evalExpr(node *schema.BoolExpr, ctx *Context) (Outcome, []string, error) {
	if node == nil {
		return OutcomeFalse, nil, schema.NewError(schema.ErrCodeValidation, "empty boolean expression")
	}
	switch node.Type {
	case schema.ExprTypeCondition, "":
		if node.Condition == nil {
			return OutcomeFalse, nil, schema.NewError(schema.ErrCodeValidation, "condition expression node has no condition")
		}
		return e.evalSimple(node.Condition, "", ctx)

	case schema.ExprTypeGroup:
		if node.Group == nil || len(node.Group.Children) == 0 {
			return OutcomeFalse, nil, schema.NewError(schema.ErrCodeValidation, "group expression node has no children")
		}
		return e.evalGroup(node.Group, ctx)

	case schema.ExprTypeEnhanced:
		if node.Enhanced == nil {
			return OutcomeFalse, nil, schema.NewError(schema.ErrCodeValidation, "enhanced expression node has no conditions")
		}
		return e.evalEnhanced(node.Enhanced, ctx)

	default:
		return OutcomeFalse, nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression node type %q", node.Type)
	}
}

func (e *Evaluator) evalGroup(group *schema.LogicalGroup, ctx *Context) (Outcome, []string, error) {
	var waitingFields []string
	anyWaiting := false
	result := group.Operator != schema.LogicalOr

	// Every child is evaluated even after the result is decided, so a
	// waiting child is never masked by a short-circuit.
	for i := range group.Children {
		outcome, fields, err := e.evalExpr(&group.Children[i], ctx)
		if err != nil {
			return OutcomeFalse, nil, err
		}
		if outcome == OutcomeWaiting {
			anyWaiting = true
			waitingFields = append(waitingFields, fields...)
			continue
		}
		truth := outcome == OutcomeTrue
		if group.Operator == schema.LogicalOr {
			result = result || truth
		} else {
			result = result && truth
		}
	}
	if anyWaiting {
		return OutcomeWaiting, waitingFields, nil
	}
	if result {
		return OutcomeTrue, nil, nil
	}
	return OutcomeFalse, nil, nil
}

// evalSimple evaluates one comparison. A form-sourced field operand with no
// usable value yields waiting unless the operator explicitly tests existence.
// level is the enclosing sub-condition level; form-level comparisons never
// wait on field values.
func (e *Evaluator) evalSimple(sc *schema.SimpleCondition, level string, ctx *Context) (Outcome, []string, error) {
	left, leftWaitKey := e.resolveOperand(&sc.Left, ctx)
	var right any
	var rightWaitKey string
	if sc.Right != nil {
		right, rightWaitKey = e.resolveOperand(sc.Right, ctx)
	}

	if level != schema.ConditionLevelForm && !schema.ExistenceOperator(sc.Operator) {
		var waiting []string
		if leftWaitKey != "" && IsEmpty(left) {
			waiting = append(waiting, leftWaitKey)
		}
		if rightWaitKey != "" && IsEmpty(right) {
			waiting = append(waiting, rightWaitKey)
		}
		if len(waiting) > 0 {
			return OutcomeWaiting, waiting, nil
		}
	}

	ok, err := Compare(left, right, sc.Operator, e.now())
	if err != nil {
		return OutcomeFalse, nil, err
	}
	if ok {
		return OutcomeTrue, nil, nil
	}
	return OutcomeFalse, nil, nil
}

// resolveOperand produces the operand's runtime value. The second return is
// the field key to report when a form-sourced field blocks the evaluation,
// "" for literals and non-form fields.
func (e *Evaluator) resolveOperand(op *schema.Operand, ctx *Context) (any, string) {
	if op.Type == schema.OperandTypeField || op.Field != nil {
		if op.Field == nil {
			return nil, ""
		}
		v, _ := ctx.Resolve(*op.Field)
		if formSourced(op.Field.Source) {
			return v, op.Field.Key
		}
		return v, ""
	}
	return op.Value, ""
}

func formSourced(source string) bool {
	return source == "" || source == schema.FieldSourceForm
}

func (e *Evaluator) evalEnhanced(ec *schema.EnhancedCondition, ctx *Context) (Outcome, []string, error) {
	if len(ec.Conditions) == 0 {
		return OutcomeFalse, nil, schema.NewError(schema.ErrCodeValidation, "enhanced condition has no sub-conditions")
	}

	results := make([]bool, len(ec.Conditions))
	var waitingFields []string
	anyWaiting := false
	for i := range ec.Conditions {
		sub := &ec.Conditions[i]
		outcome, fields, err := e.evalSimple(&sub.Condition, sub.Level, ctx)
		if err != nil {
			return OutcomeFalse, nil, err
		}
		if outcome == OutcomeWaiting {
			anyWaiting = true
			waitingFields = append(waitingFields, fields...)
			continue
		}
		results[i] = outcome == OutcomeTrue
	}
	if anyWaiting {
		return OutcomeWaiting, waitingFields, nil
	}

	mode := ec.CombineMode
	if mode == "" {
		if ec.Expression != "" {
			mode = schema.CombineModeExpression
		} else {
			mode = schema.CombineModeSequential
		}
	}

	switch mode {
	case schema.CombineModeSequential:
		acc := results[0]
		for i := 1; i < len(results); i++ {
			if ec.Conditions[i-1].NextRelation == schema.LogicalOr {
				acc = acc || results[i]
			} else {
				acc = acc && results[i]
			}
		}
		return boolOutcome(acc), nil, nil

	case schema.CombineModeExpression:
		ok, err := e.evalCombineExpression(ec.Expression, results)
		if err != nil {
			return OutcomeFalse, nil, err
		}
		return boolOutcome(ok), nil, nil

	default:
		return OutcomeFalse, nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown combine mode %q", ec.CombineMode)
	}
}

func boolOutcome(b bool) Outcome {
	if b {
		return OutcomeTrue
	}
	return OutcomeFalse
}

var (
	combineIndexRe = regexp.MustCompile(`\b\d+\b`)
	combineWordRe  = regexp.MustCompile(`(?i)\b(AND|OR|NOT)\b`)
)

// evalCombineExpression evaluates a manual combine expression such as
// "1 AND (2 OR 3)" against the per-sub-condition results. Indices are
// 1-based; the expression is rewritten to a boolean program over variables
// c1..cN and compiled once per distinct source string.
func (e *Evaluator) evalCombineExpression(src string, results []bool) (bool, error) {
	if strings.TrimSpace(src) == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "combine expression is empty")
	}
	prog, err := e.combineProgram(src)
	if err != nil {
		return false, err
	}
	env := make(map[string]any, len(results))
	for i, r := range results {
		env["c"+stringify(i+1)] = r
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "evaluating combine expression %q", src).WithCause(err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "combine expression %q is not boolean", src)
	}
	return b, nil
}

func (e *Evaluator) combineProgram(src string) (*vm.Program, error) {
	e.exprMu.RLock()
	prog, ok := e.exprProgs[src]
	e.exprMu.RUnlock()
	if ok {
		return prog, nil
	}

	e.exprMu.Lock()
	defer e.exprMu.Unlock()
	if prog, ok := e.exprProgs[src]; ok {
		return prog, nil
	}

	rewritten := combineIndexRe.ReplaceAllString(src, "c$0")
	rewritten = combineWordRe.ReplaceAllStringFunc(rewritten, func(word string) string {
		switch strings.ToUpper(word) {
		case "AND":
			return "&&"
		case "OR":
			return "||"
		default:
			return "!"
		}
	})
	prog, err := expr.Compile(rewritten, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compiling combine expression %q", src).WithCause(err)
	}
	e.exprProgs[src] = prog
	return prog, nil
}
