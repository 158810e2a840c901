package actions

import (
	"context"
	"encoding/json"
)

// Action is an executable delegate invoked by action, approval,
// form_assignment and notification nodes. Implementations carry the actual
// business side effect; the engine only records the outcome.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(params map[string]any) error
}

// ActionRegistry manages the lifecycle and lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes the input/output contract of an action.
type ActionSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInput is the data handed to a delegate at execution time: the node's
// config params plus the identifiers and trigger payload of the run.
type ActionInput struct {
	ExecutionID  string          `json:"execution_id"`
	WorkflowID   string          `json:"workflow_id"`
	NodeID       string          `json:"node_id"`
	Params       map[string]any  `json:"params,omitempty"`
	TriggerData  json.RawMessage `json:"trigger_data,omitempty"`
	SubmissionID string          `json:"submission_id,omitempty"`
	SubmitterID  string          `json:"submitter_id,omitempty"`
}

// ActionOutput is the result of an action execution.
type ActionOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
