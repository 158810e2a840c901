package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/formflow/formflow/internal/engine"
	"github.com/formflow/formflow/internal/store"
	"github.com/formflow/formflow/pkg/schema"
)

// Store is the slice of the persistence layer the trigger needs.
// Satisfied by store.Store.
type Store interface {
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
	ListNodesByType(ctx context.Context, workflowID string, nodeType schema.NodeType) ([]*store.Node, error)
	GetForm(ctx context.Context, id string) (*store.Form, error)
	GetUserProfileByEmail(ctx context.Context, email string) (*store.UserProfile, error)
}

// Runner starts workflow executions. Satisfied by *engine.Engine.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, workflowID, startNodeID string, in engine.RunInput) (*store.Execution, error)
}

// Match pairs a workflow with the start node whose trigger fired.
type Match struct {
	WorkflowID  string
	StartNodeID string
}

// Result summarizes one triggered execution. Success false carries the
// failure in Error without affecting sibling workflows.
type Result struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// Service matches form submissions to workflows and fans out executions.
type Service struct {
	store  Store
	runner Runner
	logger *slog.Logger
}

func NewService(s Store, runner Runner, logger *slog.Logger) *Service {
	return &Service{store: s, runner: runner, logger: logger}
}

// FindMatchingWorkflows returns active workflows with a start node bound to
// the submitted form. The first matching start node wins per workflow; a
// workflow never triggers twice for one submission.
func (s *Service) FindMatchingWorkflows(ctx context.Context, formID string) ([]Match, error) {
	active := schema.WorkflowStateActive
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{State: &active})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list workflows").WithCause(err)
	}

	var matches []Match
	for _, wf := range workflows {
		starts, err := s.store.ListNodesByType(ctx, wf.ID, schema.NodeTypeStart)
		if err != nil {
			s.logger.WarnContext(ctx, "start node lookup failed",
				slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
			continue
		}
		for _, node := range starts {
			var cfg schema.StartConfig
			if len(node.Config) > 0 {
				if err := json.Unmarshal(node.Config, &cfg); err != nil {
					continue
				}
			}
			triggerType := cfg.TriggerType
			if triggerType == "" {
				triggerType = schema.TriggerTypeFormSubmission
			}
			if triggerType != schema.TriggerTypeFormSubmission || cfg.TriggerFormID != formID {
				continue
			}
			matches = append(matches, Match{WorkflowID: wf.ID, StartNodeID: node.ID})
			break
		}
	}
	return matches, nil
}

// ResolveFormOwner maps a form to the user ID of its creator. A creator
// value containing '@' is treated as an email and resolved through the
// profile table; anything else is already an ID.
func (s *Service) ResolveFormOwner(ctx context.Context, formID string) (string, error) {
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		if schema.IsNotFound(err) {
			return "", nil
		}
		return "", schema.NewError(schema.ErrCodeStore, "load form").WithCause(err)
	}
	if form == nil || form.CreatedBy == "" {
		return "", nil
	}
	if !strings.Contains(form.CreatedBy, "@") {
		return form.CreatedBy, nil
	}
	profile, err := s.store.GetUserProfileByEmail(ctx, form.CreatedBy)
	if err != nil {
		if schema.IsNotFound(err) {
			return "", nil
		}
		return "", schema.NewError(schema.ErrCodeStore, "resolve owner email").WithCause(err)
	}
	if profile == nil {
		return "", nil
	}
	return profile.ID, nil
}

// TriggerWorkflowsForFormSubmission starts one execution per matching
// workflow. Individual failures are reported per workflow and never abort
// the remaining matches.
func (s *Service) TriggerWorkflowsForFormSubmission(ctx context.Context, formID string, payload map[string]any, submissionID, submitterID string) ([]Result, error) {
	matches, err := s.FindMatchingWorkflows(ctx, formID)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ownerID, err := s.ResolveFormOwner(ctx, formID)
	if err != nil {
		s.logger.WarnContext(ctx, "form owner resolution failed",
			slog.String("form_id", formID), slog.String("error", err.Error()))
	}

	results := make([]Result, 0, len(matches))
	for _, match := range matches {
		exec, err := s.runner.ExecuteWorkflow(ctx, match.WorkflowID, match.StartNodeID, engine.RunInput{
			Payload:      payload,
			SubmissionID: submissionID,
			SubmitterID:  submitterID,
			FormOwnerID:  ownerID,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "workflow trigger failed",
				slog.String("workflow_id", match.WorkflowID), slog.String("error", err.Error()))
			results = append(results, Result{WorkflowID: match.WorkflowID, Error: err.Error()})
			continue
		}
		results = append(results, Result{
			WorkflowID:  match.WorkflowID,
			ExecutionID: exec.ID,
			Success:     true,
		})
	}
	return results, nil
}
