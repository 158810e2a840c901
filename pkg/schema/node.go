package schema

import "encoding/json"

// NodeType enumerates the kinds of nodes in a workflow graph.
type NodeType string

const (
	NodeTypeStart          NodeType = "start"
	NodeTypeAction         NodeType = "action"
	NodeTypeApproval       NodeType = "approval"
	NodeTypeFormAssignment NodeType = "form_assignment"
	NodeTypeNotification   NodeType = "notification"
	NodeTypeCondition      NodeType = "condition"
	NodeTypeWait           NodeType = "wait"
	NodeTypeEnd            NodeType = "end"
)

// ValidNodeTypes is the closed set of recognized node types.
var ValidNodeTypes = map[NodeType]bool{
	NodeTypeStart:          true,
	NodeTypeAction:         true,
	NodeTypeApproval:       true,
	NodeTypeFormAssignment: true,
	NodeTypeNotification:   true,
	NodeTypeCondition:      true,
	NodeTypeWait:           true,
	NodeTypeEnd:            true,
}

// Trigger types accepted on start nodes.
const (
	TriggerTypeFormSubmission = "form_submission"
	TriggerTypeSchedule       = "schedule"
)

// StartConfig is the config block for start nodes. TriggerType defaults to
// form_submission when absent.
type StartConfig struct {
	TriggerFormID  string `json:"triggerFormId,omitempty"`
	TriggerType    string `json:"triggerType,omitempty"`
	CronExpression string `json:"cronExpression,omitempty"` // schedule triggers only
}

// ActionConfig is the config block for action nodes. Params are passed
// through to the delegate untouched.
type ActionConfig struct {
	ActionType string          `json:"actionType"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// ApprovalConfig is the config block for approval nodes.
type ApprovalConfig struct {
	ApprovalAction string          `json:"approvalAction"`
	ApproverID     string          `json:"approverId,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
}

// FormAssignmentConfig is the config block for form-assignment nodes.
type FormAssignmentConfig struct {
	FormID     string          `json:"formId"`
	AssigneeID string          `json:"assigneeId,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// NotificationConfig is the config block for notification nodes.
type NotificationConfig struct {
	NotificationType string          `json:"notificationType"`
	Recipient        string          `json:"recipient,omitempty"`
	Message          string          `json:"message,omitempty"`
	Params           json.RawMessage `json:"params,omitempty"`
}

// Wait modes.
const (
	WaitTypeDuration   = "duration"
	WaitTypeUntilDate  = "until_date"
	WaitTypeUntilEvent = "until_event"
)

// Duration units accepted by duration waits.
const (
	DurationUnitMinutes = "minutes"
	DurationUnitHours   = "hours"
	DurationUnitDays    = "days"
	DurationUnitWeeks   = "weeks"
)

// WaitConfig is the config block for wait nodes.
//
// Exactly one mode applies: a fixed duration, an absolute instant, or an
// awaited external event. Event waits have no natural resume time and get a
// 365-day safety ceiling; they are expected to be resumed out-of-band first.
type WaitConfig struct {
	WaitType      string  `json:"waitType"`
	DurationValue float64 `json:"durationValue,omitempty"`
	DurationUnit  string  `json:"durationUnit,omitempty"`
	UntilDate     string  `json:"untilDate,omitempty"` // RFC 3339 or epoch millis
	EventName     string  `json:"eventName,omitempty"`
}
