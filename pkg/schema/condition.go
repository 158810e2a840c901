package schema

// Condition kinds.
const (
	ConditionKindIf         = "if"
	ConditionKindSwitch     = "switch"
	ConditionKindExpression = "expression"
)

// ConditionConfig is the config block for condition nodes. Exactly one of
// If, Switch, or Expression is populated, selected by Kind. Kind defaults
// to "if" when absent and If is set.
type ConditionConfig struct {
	Kind       string        `json:"kind,omitempty"`
	If         *IfConfig     `json:"if,omitempty"`
	Switch     *SwitchConfig `json:"switch,omitempty"`
	Expression string        `json:"expression,omitempty"` // CEL over form/user/system
}

// IfConfig routes on a boolean expression. Branch labels default to
// "true"/"false" when empty.
type IfConfig struct {
	Expression  *BoolExpr `json:"expression"`
	TrueBranch  string    `json:"trueBranch,omitempty"`
	FalseBranch string    `json:"falseBranch,omitempty"`
}

// SwitchConfig routes on the value of a field path. Cases are scanned in
// order for an equality match; DefaultBranch (default "default") applies
// when none matches.
type SwitchConfig struct {
	Field         FieldPath    `json:"field"`
	Cases         []SwitchCase `json:"cases"`
	DefaultBranch string       `json:"defaultBranch,omitempty"`
}

// SwitchCase pairs a literal value with the branch label taken on match.
type SwitchCase struct {
	Value  any    `json:"value"`
	Branch string `json:"branch"`
}

// Boolean expression node kinds.
const (
	ExprTypeCondition = "condition"
	ExprTypeGroup     = "group"
	ExprTypeEnhanced  = "enhanced"
)

// BoolExpr is a node in the boolean expression tree. Exactly one of
// Condition, Group, or Enhanced is populated, selected by Type.
type BoolExpr struct {
	Type      string             `json:"type"`
	Condition *SimpleCondition   `json:"condition,omitempty"`
	Group     *LogicalGroup      `json:"group,omitempty"`
	Enhanced  *EnhancedCondition `json:"enhanced,omitempty"`
}

// SimpleCondition compares two operands. Right may be nil for unary
// operators (exists, not_exists, date buckets).
type SimpleCondition struct {
	Left     Operand  `json:"left"`
	Operator Operator `json:"operator"`
	Right    *Operand `json:"right,omitempty"`
}

// LogicalOp combines boolean sub-results.
type LogicalOp string

const (
	LogicalAnd LogicalOp = "and"
	LogicalOr  LogicalOp = "or"
)

// LogicalGroup applies a logical operator over nested expressions.
type LogicalGroup struct {
	Operator LogicalOp  `json:"operator"`
	Children []BoolExpr `json:"children"`
}

// Enhanced combine modes.
const (
	CombineModeSequential = "sequential"
	CombineModeExpression = "expression"
)

// EnhancedCondition is an ordered list of sub-conditions combined either by
// a user-supplied boolean expression referencing 1-based sub-condition
// indices ("1 AND (2 OR 3)"), or by left-to-right sequential application of
// each sub-condition's own NextRelation. CombineMode defaults to sequential.
type EnhancedCondition struct {
	Conditions  []SubCondition `json:"conditions"`
	CombineMode string         `json:"combineMode,omitempty"`
	Expression  string         `json:"combineExpression,omitempty"`
}

// Sub-condition levels.
const (
	ConditionLevelForm  = "form"
	ConditionLevelField = "field"
)

// SubCondition is one entry of an EnhancedCondition. NextRelation states how
// this sub-result joins the next one in sequential mode; it is ignored on
// the last entry and in expression mode.
type SubCondition struct {
	Level        string          `json:"level,omitempty"`
	Condition    SimpleCondition `json:"condition"`
	NextRelation LogicalOp       `json:"nextRelation,omitempty"`
}

// Operand sources.
const (
	OperandTypeValue = "value"
	OperandTypeField = "field"
)

// Operand is either a static value or a field path into the evaluation
// context.
type Operand struct {
	Type  string     `json:"type"`
	Value any        `json:"value,omitempty"`
	Field *FieldPath `json:"field,omitempty"`
}

// Field path namespaces.
const (
	FieldSourceForm   = "form"
	FieldSourceUser   = "user"
	FieldSourceSystem = "system"
)

// FieldPath addresses a value in one of the three evaluation namespaces.
// Dotted keys on the form namespace resolve into nested payload structures.
type FieldPath struct {
	Source string `json:"source"`
	Key    string `json:"key"`
}

// Operator is a comparison operator of the condition sublanguage.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpStartsWith     Operator = "starts_with"
	OpEndsWith       Operator = "ends_with"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
	OpExists         Operator = "exists"
	OpNotExists      Operator = "not_exists"

	OpAfter       Operator = "after"
	OpBefore      Operator = "before"
	OpOnOrAfter   Operator = "on_or_after"
	OpOnOrBefore  Operator = "on_or_before"
	OpBetween     Operator = "between"
	OpIsToday     Operator = "is_today"
	OpIsYesterday Operator = "is_yesterday"
	OpIsTomorrow  Operator = "is_tomorrow"
	OpThisWeek    Operator = "this_week"
	OpLastWeek    Operator = "last_week"
	OpNextWeek    Operator = "next_week"
	OpThisMonth   Operator = "this_month"
	OpLastMonth   Operator = "last_month"
	OpNextMonth   Operator = "next_month"
	OpThisYear    Operator = "this_year"
	OpLastYear    Operator = "last_year"
	OpLastNDays   Operator = "last_n_days"
	OpNextNDays   Operator = "next_n_days"
)

// ExistenceOperator reports whether op specifically tests for emptiness.
// These operators never produce a waiting outcome.
func ExistenceOperator(op Operator) bool {
	return op == OpExists || op == OpNotExists
}
