package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/formflow/formflow/pkg/schema"
)

var errMissingFormID = schema.NewError(schema.ErrCodeValidation, "form assignment requires a formId param")

// RegisterBuiltins registers the built-in delegates. Real deployments
// register their own business actions alongside or instead of these.
func RegisterBuiltins(reg *Registry, logger *slog.Logger) error {
	all := []Action{
		NewLogAction(logger),
		NewNoopAction(),
		NewNotifyAction(logger),
		NewAssignFormAction(logger),
	}
	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// LogAction writes its params to the structured log and succeeds.
type LogAction struct {
	logger *slog.Logger
}

func NewLogAction(logger *slog.Logger) *LogAction {
	return &LogAction{logger: logger}
}

func (a *LogAction) Name() string { return "log" }

func (a *LogAction) Schema() ActionSchema {
	return ActionSchema{Description: "Log the node params and succeed"}
}

func (a *LogAction) Validate(_ map[string]any) error { return nil }

func (a *LogAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	a.logger.InfoContext(ctx, "log action",
		slog.String("node_id", input.NodeID),
		slog.Any("params", input.Params),
	)
	data, _ := json.Marshal(map[string]any{"logged": true})
	return &ActionOutput{Data: data}, nil
}

// NoopAction succeeds without side effects. Useful as a placeholder while
// authoring a workflow.
type NoopAction struct{}

func NewNoopAction() *NoopAction { return &NoopAction{} }

func (a *NoopAction) Name() string { return "noop" }

func (a *NoopAction) Schema() ActionSchema {
	return ActionSchema{Description: "Succeed without side effects"}
}

func (a *NoopAction) Validate(_ map[string]any) error { return nil }

func (a *NoopAction) Execute(_ context.Context, _ ActionInput) (*ActionOutput, error) {
	return &ActionOutput{}, nil
}

// NotifyAction is the delivery stub behind notification nodes. It records
// the would-be delivery in the log; wiring an actual channel (email, chat
// webhook) means replacing this registration.
type NotifyAction struct {
	logger *slog.Logger
}

func NewNotifyAction(logger *slog.Logger) *NotifyAction {
	return &NotifyAction{logger: logger}
}

func (a *NotifyAction) Name() string { return "notify" }

func (a *NotifyAction) Schema() ActionSchema {
	return ActionSchema{Description: "Record a notification delivery"}
}

func (a *NotifyAction) Validate(_ map[string]any) error { return nil }

func (a *NotifyAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	recipient, _ := input.Params["recipient"].(string)
	message, _ := input.Params["message"].(string)
	a.logger.InfoContext(ctx, "notification dispatched",
		slog.String("recipient", recipient),
		slog.String("message", message),
	)
	data, _ := json.Marshal(map[string]any{
		"delivered_to": recipient,
		"delivered_at": time.Now().UTC().Format(time.RFC3339),
	})
	return &ActionOutput{Data: data}, nil
}

// AssignFormAction backs form_assignment nodes: it records which form was
// assigned to whom. Actual inbox delivery belongs to the surrounding product.
type AssignFormAction struct {
	logger *slog.Logger
}

func NewAssignFormAction(logger *slog.Logger) *AssignFormAction {
	return &AssignFormAction{logger: logger}
}

func (a *AssignFormAction) Name() string { return "assign_form" }

func (a *AssignFormAction) Schema() ActionSchema {
	return ActionSchema{Description: "Record a form assignment"}
}

func (a *AssignFormAction) Validate(params map[string]any) error {
	if id, _ := params["formId"].(string); id == "" {
		return errMissingFormID
	}
	return nil
}

func (a *AssignFormAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	formID, _ := input.Params["formId"].(string)
	assigneeID, _ := input.Params["assigneeId"].(string)
	if formID == "" {
		return nil, errMissingFormID
	}
	a.logger.InfoContext(ctx, "form assigned",
		slog.String("form_id", formID),
		slog.String("assignee_id", assigneeID),
	)
	data, _ := json.Marshal(map[string]any{
		"form_id":     formID,
		"assignee_id": assigneeID,
		"assigned_at": time.Now().UTC().Format(time.RFC3339),
	})
	return &ActionOutput{Data: data}, nil
}
