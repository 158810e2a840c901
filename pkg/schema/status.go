package schema

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// ValidExecutionTransitions maps each execution status to the statuses it
// may move to. A waiting execution is only re-entered through the explicit
// resume entry point, never by re-triggering.
var ValidExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusRunning: {ExecutionStatusWaiting, ExecutionStatusCompleted, ExecutionStatusFailed},
	ExecutionStatusWaiting: {ExecutionStatusRunning, ExecutionStatusFailed},
}

// CanTransitionExecution reports whether from → to is a legal execution
// status transition.
func CanTransitionExecution(from, to ExecutionStatus) bool {
	for _, allowed := range ValidExecutionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminalExecution reports whether the status admits no further work.
func IsTerminalExecution(s ExecutionStatus) bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// NodeRunStatus is the state of a single node visit in the audit log.
type NodeRunStatus string

const (
	NodeRunStatusRunning   NodeRunStatus = "running"
	NodeRunStatusCompleted NodeRunStatus = "completed"
	NodeRunStatusFailed    NodeRunStatus = "failed"
	NodeRunStatusWaiting   NodeRunStatus = "waiting"
	NodeRunStatusIgnored   NodeRunStatus = "ignored"
)

// WorkflowState is the activation state of a workflow definition.
// Only active workflows are considered by the trigger.
type WorkflowState string

const (
	WorkflowStateActive   WorkflowState = "active"
	WorkflowStateInactive WorkflowState = "inactive"
)
