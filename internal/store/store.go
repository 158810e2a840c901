package store

import (
	"context"
	"time"

	"github.com/formflow/formflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// Graph
	CreateNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context, workflowID string) ([]*Node, error)
	ListNodesByType(ctx context.Context, workflowID string, nodeType schema.NodeType) ([]*Node, error)
	CreateConnection(ctx context.Context, conn *Connection) error
	ListConnections(ctx context.Context, workflowID, sourceNodeID string) ([]*Connection, error)
	ListAllConnections(ctx context.Context, workflowID string) ([]*Connection, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	// FinishExecution conditionally moves a running execution to a terminal
	// status in a single statement. Returns false without error when the
	// execution was no longer running (e.g. it went to waiting mid-walk).
	FinishExecution(ctx context.Context, id string, status schema.ExecutionStatus, errMsg string) (bool, error)
	// MarkExecutionWaiting suspends a running execution, recording the
	// resume time (nil for event waits awaiting out-of-band resume) and a
	// snapshot of the wait config.
	MarkExecutionWaiting(ctx context.Context, id string, resumeAt *time.Time, waitNodeID string, waitConfig []byte) (bool, error)
	// ResumeExecution conditionally moves a waiting execution back to
	// running, clearing the wait fields. Returns false when the execution
	// was not waiting.
	ResumeExecution(ctx context.Context, id string) (bool, error)
	// ListDueExecutions returns waiting executions whose scheduled_resume_at
	// is at or before now.
	ListDueExecutions(ctx context.Context, now time.Time) ([]*Execution, error)

	// Node execution log (append-only)
	AppendNodeLog(ctx context.Context, entry *NodeExecutionLog) error
	UpdateNodeLog(ctx context.Context, id string, update NodeLogUpdate) error
	ListNodeLogs(ctx context.Context, executionID string) ([]*NodeExecutionLog, error)

	// Forms and users
	CreateForm(ctx context.Context, form *Form) error
	GetForm(ctx context.Context, id string) (*Form, error)
	CreateUserProfile(ctx context.Context, profile *UserProfile) error
	GetUserProfile(ctx context.Context, id string) (*UserProfile, error)
	GetUserProfileByEmail(ctx context.Context, email string) (*UserProfile, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
