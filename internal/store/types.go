package store

import (
	"encoding/json"
	"time"

	"github.com/formflow/formflow/pkg/schema"
)

// Workflow is a persisted workflow definition header. The graph itself
// lives in the nodes and connections tables.
type Workflow struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	State     schema.WorkflowState `json:"state"`
	CreatedBy string               `json:"created_by,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Node is one typed step of a workflow graph. Immutable during execution.
type Node struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	NodeType   schema.NodeType `json:"node_type"`
	Label      string          `json:"label,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
}

// Connection is a directed edge between two nodes. ConditionType is the
// legacy branch tag; SourceHandle is the current one. Edges with neither
// set are unconditional. Position preserves authoring order so fan-out is
// deterministic.
type Connection struct {
	ID            string `json:"id"`
	WorkflowID    string `json:"workflow_id"`
	SourceNodeID  string `json:"source_node_id"`
	TargetNodeID  string `json:"target_node_id"`
	ConditionType string `json:"condition_type,omitempty"`
	SourceHandle  string `json:"source_handle,omitempty"`
	Position      int    `json:"position"`
}

// Execution is one run of a workflow graph from a trigger to a terminal or
// waiting state. Created once per trigger match; never deleted by the
// engine.
type Execution struct {
	ID                string                 `json:"id"`
	WorkflowID        string                 `json:"workflow_id"`
	Status            schema.ExecutionStatus `json:"status"`
	CurrentNodeID     string                 `json:"current_node_id,omitempty"`
	ScheduledResumeAt *time.Time             `json:"scheduled_resume_at,omitempty"`
	WaitNodeID        string                 `json:"wait_node_id,omitempty"`
	WaitConfig        json.RawMessage        `json:"wait_config,omitempty"`
	TriggerData       json.RawMessage        `json:"trigger_data,omitempty"`
	FormSubmissionID  string                 `json:"form_submission_id,omitempty"`
	SubmitterID       string                 `json:"submitter_id,omitempty"`
	FormOwnerID       string                 `json:"form_owner_id,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	StartedAt         time.Time              `json:"started_at"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
}

// NodeExecutionLog is one row of the append-only audit trail: a node visit,
// a re-visit during a loop, or an "ignored" marker for a skipped branch.
// Past entries never mutate except the just-created running row, which is
// updated once to its terminal status.
type NodeExecutionLog struct {
	ID           string               `json:"id"`
	ExecutionID  string               `json:"execution_id"`
	NodeID       string               `json:"node_id"`
	NodeType     schema.NodeType      `json:"node_type"`
	NodeLabel    string               `json:"node_label,omitempty"`
	Status       schema.NodeRunStatus `json:"status"`
	InputData    json.RawMessage      `json:"input_data,omitempty"`
	OutputData   json.RawMessage      `json:"output_data,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
	DurationMs   int64                `json:"duration_ms"`
}

// Form is the minimal form record the trigger needs: identity and creator.
type Form struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UserProfile backs the user namespace of the evaluation context and the
// form-owner email lookup.
type UserProfile struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
	Role     string `json:"role,omitempty"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	State *schema.WorkflowState `json:"state,omitempty"`
	Limit int                   `json:"limit,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status            *schema.ExecutionStatus `json:"status,omitempty"`
	CurrentNodeID     *string                 `json:"current_node_id,omitempty"`
	ScheduledResumeAt *time.Time              `json:"scheduled_resume_at,omitempty"`
	WaitNodeID        *string                 `json:"wait_node_id,omitempty"`
	WaitConfig        json.RawMessage         `json:"wait_config,omitempty"`
	TriggerData       json.RawMessage         `json:"trigger_data,omitempty"`
	FormSubmissionID  *string                 `json:"form_submission_id,omitempty"`
	SubmitterID       *string                 `json:"submitter_id,omitempty"`
	ErrorMessage      *string                 `json:"error_message,omitempty"`
	CompletedAt       *time.Time              `json:"completed_at,omitempty"`
}

// NodeLogUpdate specifies the terminal update of a running log row.
type NodeLogUpdate struct {
	Status       *schema.NodeRunStatus `json:"status,omitempty"`
	OutputData   json.RawMessage       `json:"output_data,omitempty"`
	ErrorMessage *string               `json:"error_message,omitempty"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	DurationMs   *int64                `json:"duration_ms,omitempty"`
}
