package validation

import "github.com/formflow/formflow/pkg/schema"

// Validator checks workflow definitions for correctness before they are
// persisted or executed.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// ActionLookup answers whether a delegate name is registered. Satisfied by
// *actions.Registry; may be nil to skip delegate existence checks.
type ActionLookup interface {
	Has(name string) bool
}
