package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/formflow/formflow/internal/actions"
	"github.com/formflow/formflow/internal/conditions"
	"github.com/formflow/formflow/internal/logging"
	"github.com/formflow/formflow/internal/store"
	"github.com/formflow/formflow/pkg/schema"
)

// DefaultMaxNodeVisits caps how many times a single node may run within one
// execution. The visit after the cap forces the execution to a terminal
// success instead of looping forever.
const DefaultMaxNodeVisits = 100

// Options configures orchestration behavior.
type Options struct {
	// MaxNodeVisits overrides the per-node visit ceiling (default 100).
	MaxNodeVisits int
	// ContinueSiblingsAfterEnd keeps processing queued sibling branches
	// after a path terminates, whether at an end node or a dangling success.
	// Default (false) discards them: the first terminal result ends the
	// execution.
	ContinueSiblingsAfterEnd bool
}

// RunInput carries the trigger payload and provenance of a new execution.
type RunInput struct {
	Payload      map[string]any
	SubmissionID string
	SubmitterID  string
	FormOwnerID  string
}

// ResumeInput carries the data that arrived while an execution was waiting:
// an answered approval, a late form submission. Payload keys are merged over
// the persisted trigger data before the walk re-enters, so a condition that
// suspended on a missing field sees the arrived value. All fields optional;
// a zero ResumeInput resumes on the stored data alone.
type ResumeInput struct {
	Payload      map[string]any
	SubmissionID string
	SubmitterID  string
}

// Engine walks workflow graphs: it creates execution rows, runs node
// executors off an explicit worklist, records the audit trail, and manages
// suspension and finalization.
type Engine struct {
	store     store.Store
	registry  actions.ActionRegistry
	evaluator *conditions.Evaluator
	logger    *slog.Logger
	opts      Options

	// now is the clock used for durations and resume times.
	now func() time.Time
}

// NewEngine creates an Engine. The condition evaluator is built internally
// so compiled expression programs are shared across executions.
func NewEngine(s store.Store, registry actions.ActionRegistry, logger *slog.Logger, opts Options) (*Engine, error) {
	if opts.MaxNodeVisits <= 0 {
		opts.MaxNodeVisits = DefaultMaxNodeVisits
	}
	evaluator, err := conditions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:     s,
		registry:  registry,
		evaluator: evaluator,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}, nil
}

// frame is one worklist entry: a node to execute.
type frame struct {
	nodeID string
}

// ExecuteWorkflow creates a new execution and walks the graph from the given
// start node. The returned execution reflects the final persisted state:
// completed, failed, or waiting.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID, startNodeID string, in RunInput) (*store.Execution, error) {
	triggerData, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "marshal trigger payload").WithCause(err)
	}

	exec := &store.Execution{
		ID:               uuid.NewString(),
		WorkflowID:       workflowID,
		Status:           schema.ExecutionStatusRunning,
		CurrentNodeID:    startNodeID,
		TriggerData:      triggerData,
		FormSubmissionID: in.SubmissionID,
		SubmitterID:      in.SubmitterID,
		FormOwnerID:      in.FormOwnerID,
		StartedAt:        e.now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}

	ctx = logging.WithIDs(ctx, workflowID, exec.ID, "")
	e.logger.InfoContext(ctx, "execution started", slog.String("start_node_id", startNodeID))

	if err := e.runWorklist(ctx, exec, in.Payload, []frame{{nodeID: startNodeID}}); err != nil {
		return nil, err
	}
	return e.store.GetExecution(ctx, exec.ID)
}

// ContinueFromNode re-enters a waiting execution's worklist at the given
// node, merging any arrived resume data first. The waiting → running flip is
// conditional; a concurrent resume loses and gets a conflict error.
func (e *Engine) ContinueFromNode(ctx context.Context, executionID, nodeID string, in ResumeInput) (*store.Execution, error) {
	exec, frames, err := e.reopenExecution(ctx, executionID, []frame{{nodeID: nodeID}}, in)
	if err != nil {
		return nil, err
	}
	return e.continueWorklist(ctx, exec, frames)
}

// Resume wakes a waiting execution at its recorded wait node. Wait nodes
// continue to their successors; any other suspension point (a condition
// blocked on an unanswered field) re-executes so the decision is retried
// against the merged data.
func (e *Engine) Resume(ctx context.Context, executionID string, in ResumeInput) (*store.Execution, error) {
	exec, err := e.loadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.WaitNodeID == "" {
		return nil, schema.NewError(schema.ErrCodeConflict, "execution has no wait node")
	}

	node, err := e.store.GetNode(ctx, exec.WaitNodeID)
	if schema.IsNotFound(err) {
		node, err = nil, nil
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load wait node").WithCause(err)
	}
	if node == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "wait node not found: "+exec.WaitNodeID)
	}

	var frames []frame
	if node.NodeType == schema.NodeTypeWait {
		conns, err := e.store.ListConnections(ctx, exec.WorkflowID, node.ID)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "list wait node successors").WithCause(err)
		}
		for _, target := range nextUnconditional(conns) {
			frames = append(frames, frame{nodeID: target})
		}
	} else {
		frames = []frame{{nodeID: node.ID}}
	}

	exec, frames, err = e.reopenExecution(ctx, executionID, frames, in)
	if err != nil {
		return nil, err
	}
	return e.continueWorklist(ctx, exec, frames)
}

// CancelExecution force-fails a running or waiting execution with a reason.
func (e *Engine) CancelExecution(ctx context.Context, executionID, reason string) error {
	exec, err := e.loadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if schema.IsTerminalExecution(exec.Status) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot cancel execution in status %s", exec.Status)
	}

	failed := schema.ExecutionStatusFailed
	errMsg := "cancelled: " + reason
	completedAt := e.now().UTC()
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:       &failed,
		ErrorMessage: &errMsg,
		CompletedAt:  &completedAt,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "cancel execution").WithCause(err)
	}

	e.logger.InfoContext(logging.WithExecutionID(ctx, executionID), "execution cancelled",
		slog.String("reason", reason))
	return nil
}

// loadExecution fetches an execution, normalizing the store's not-found
// error and a nil row into one NOT_FOUND result.
func (e *Engine) loadExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if schema.IsNotFound(err) {
		exec, err = nil, nil
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load execution").WithCause(err)
	}
	if exec == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "execution not found: "+executionID)
	}
	return exec, nil
}

// reopenExecution validates and performs the waiting → running flip, then
// folds the resume data into the persisted execution.
func (e *Engine) reopenExecution(ctx context.Context, executionID string, frames []frame, in ResumeInput) (*store.Execution, []frame, error) {
	exec, err := e.loadExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	if !schema.CanTransitionExecution(exec.Status, schema.ExecutionStatusRunning) {
		return nil, nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot resume execution in status %s", exec.Status)
	}

	ok, err := e.store.ResumeExecution(ctx, executionID)
	if err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeStore, "resume execution").WithCause(err)
	}
	if !ok {
		return nil, nil, schema.NewError(schema.ErrCodeConflict, "execution is no longer waiting")
	}
	exec.Status = schema.ExecutionStatusRunning

	if err := e.mergeResumeData(ctx, exec, in); err != nil {
		return nil, nil, err
	}
	return exec, frames, nil
}

// mergeResumeData overlays the arrived payload onto the stored trigger data
// and persists the merged result, so both the re-entered walk and any later
// resume see the updated fields. A zero input is a no-op.
func (e *Engine) mergeResumeData(ctx context.Context, exec *store.Execution, in ResumeInput) error {
	if len(in.Payload) == 0 && in.SubmissionID == "" && in.SubmitterID == "" {
		return nil
	}

	update := store.ExecutionUpdate{}
	if len(in.Payload) > 0 {
		var data map[string]any
		if len(exec.TriggerData) > 0 {
			_ = json.Unmarshal(exec.TriggerData, &data)
		}
		if data == nil {
			data = make(map[string]any, len(in.Payload))
		}
		for k, v := range in.Payload {
			data[k] = v
		}
		merged, err := json.Marshal(data)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "marshal resume payload").WithCause(err)
		}
		exec.TriggerData = merged
		update.TriggerData = merged
	}
	if in.SubmissionID != "" {
		exec.FormSubmissionID = in.SubmissionID
		update.FormSubmissionID = &in.SubmissionID
	}
	if in.SubmitterID != "" {
		exec.SubmitterID = in.SubmitterID
		update.SubmitterID = &in.SubmitterID
	}

	if err := e.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist resume data").WithCause(err)
	}
	return nil
}

func (e *Engine) continueWorklist(ctx context.Context, exec *store.Execution, frames []frame) (*store.Execution, error) {
	ctx = logging.WithIDs(ctx, exec.WorkflowID, exec.ID, "")
	e.logger.InfoContext(ctx, "execution resumed")

	var payload map[string]any
	if len(exec.TriggerData) > 0 {
		_ = json.Unmarshal(exec.TriggerData, &payload)
	}

	if err := e.runWorklist(ctx, exec, payload, frames); err != nil {
		return nil, err
	}
	return e.store.GetExecution(ctx, exec.ID)
}

// runWorklist is the orchestration loop: an explicit LIFO worklist of node
// frames, processed sequentially. Successors are pushed in reverse so they
// execute in authoring order.
func (e *Engine) runWorklist(ctx context.Context, exec *store.Execution, payload map[string]any, frames []frame) error {
	visits := make(map[string]int)
	worklist := append([]frame(nil), frames...)

	for len(worklist) > 0 {
		fr := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		if err := ctx.Err(); err != nil {
			return e.failExecution(ctx, exec, schema.NewError(schema.ErrCodeCancelled, "execution context cancelled").WithCause(err))
		}

		visits[fr.nodeID]++
		if visits[fr.nodeID] > e.opts.MaxNodeVisits {
			e.logger.WarnContext(logging.WithNodeID(ctx, fr.nodeID), "node visit ceiling reached, completing execution",
				slog.Int("visits", visits[fr.nodeID]-1))
			return e.finishExecution(ctx, exec, schema.ExecutionStatusCompleted, "")
		}

		currentID := fr.nodeID
		_ = e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{CurrentNodeID: &currentID})

		node, err := e.store.GetNode(ctx, fr.nodeID)
		if schema.IsNotFound(err) {
			node, err = nil, nil
		}
		if err != nil {
			return e.failExecution(ctx, exec, schema.NewError(schema.ErrCodeStore, "load node").WithNode(fr.nodeID).WithCause(err))
		}
		if node == nil {
			return e.failExecution(ctx, exec, schema.NewError(schema.ErrCodeExecution, "node not found: "+fr.nodeID))
		}

		nodeCtx := logging.WithNodeID(ctx, node.ID)
		startedAt := e.now().UTC()
		logEntry := &store.NodeExecutionLog{
			ID:          uuid.NewString(),
			ExecutionID: exec.ID,
			NodeID:      node.ID,
			NodeType:    node.NodeType,
			NodeLabel:   node.Label,
			Status:      schema.NodeRunStatusRunning,
			InputData:   exec.TriggerData,
			StartedAt:   startedAt,
		}
		if err := e.store.AppendNodeLog(nodeCtx, logEntry); err != nil {
			return e.failExecution(nodeCtx, exec, schema.NewError(schema.ErrCodeStore, "append node log").WithNode(node.ID).WithCause(err))
		}

		res := e.execNode(nodeCtx, exec, node, payload)
		completedAt := e.now().UTC()
		durationMs := completedAt.Sub(startedAt).Milliseconds()

		if res.Suspend != nil {
			ok, err := e.store.MarkExecutionWaiting(nodeCtx, exec.ID, res.Suspend.ResumeAt, node.ID, res.Suspend.WaitConfig)
			if err != nil {
				return e.failExecution(nodeCtx, exec, schema.NewError(schema.ErrCodeStore, "suspend execution").WithNode(node.ID).WithCause(err))
			}
			if !ok {
				return e.failExecution(nodeCtx, exec, schema.NewError(schema.ErrCodeConflict, "execution not running at suspension").WithNode(node.ID))
			}
			e.updateNodeLog(nodeCtx, logEntry.ID, schema.NodeRunStatusWaiting, res.Output, "", completedAt, durationMs)
			var resumeAt any
			if res.Suspend.ResumeAt != nil {
				resumeAt = *res.Suspend.ResumeAt
			}
			e.logger.InfoContext(nodeCtx, "execution suspended",
				slog.Any("resume_at", resumeAt))
			return nil
		}

		if !res.Success {
			errMsg := "node execution failed"
			if res.Err != nil {
				errMsg = res.Err.Error()
			}
			e.updateNodeLog(nodeCtx, logEntry.ID, schema.NodeRunStatusFailed, res.Output, errMsg, completedAt, durationMs)
			flowErr := res.Err
			if flowErr == nil {
				flowErr = schema.NewError(schema.ErrCodeNodeFailed, errMsg).WithNode(node.ID)
			}
			return e.failExecution(nodeCtx, exec, flowErr)
		}

		e.updateNodeLog(nodeCtx, logEntry.ID, schema.NodeRunStatusCompleted, res.Output, "", completedAt, durationMs)

		// An end node and a dangling success (no successors) are both
		// terminal for their path; by default the first terminal result
		// discards queued siblings.
		if node.NodeType == schema.NodeTypeEnd || len(res.NextNodeIDs) == 0 {
			if !e.opts.ContinueSiblingsAfterEnd {
				return e.finishExecution(nodeCtx, exec, schema.ExecutionStatusCompleted, "")
			}
			continue
		}

		for i := len(res.NextNodeIDs) - 1; i >= 0; i-- {
			worklist = append(worklist, frame{nodeID: res.NextNodeIDs[i]})
		}
	}

	return e.finishExecution(ctx, exec, schema.ExecutionStatusCompleted, "")
}

func (e *Engine) failExecution(ctx context.Context, exec *store.Execution, ferr *schema.FlowError) error {
	e.logger.ErrorContext(ctx, "execution failed", slog.String("error", ferr.Error()))
	return e.finishExecution(ctx, exec, schema.ExecutionStatusFailed, ferr.Error())
}

// finishExecution finalizes via the store's atomic conditional update. A
// false result means the execution left the running state some other way
// (e.g. it suspended mid-walk); that is not an error here.
func (e *Engine) finishExecution(ctx context.Context, exec *store.Execution, status schema.ExecutionStatus, errMsg string) error {
	ok, err := e.store.FinishExecution(ctx, exec.ID, status, errMsg)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "finish execution").WithCause(err)
	}
	if !ok {
		e.logger.DebugContext(ctx, "execution already left running state", slog.String("target_status", string(status)))
		return nil
	}
	e.logger.InfoContext(ctx, "execution finished", slog.String("status", string(status)))
	return nil
}

func (e *Engine) updateNodeLog(ctx context.Context, logID string, status schema.NodeRunStatus, output json.RawMessage, errMsg string, completedAt time.Time, durationMs int64) {
	update := store.NodeLogUpdate{
		Status:      &status,
		OutputData:  output,
		CompletedAt: &completedAt,
		DurationMs:  &durationMs,
	}
	if errMsg != "" {
		update.ErrorMessage = &errMsg
	}
	// Audit updates are best-effort; the walk continues even if one fails.
	if err := e.store.UpdateNodeLog(ctx, logID, update); err != nil {
		e.logger.WarnContext(ctx, "node log update failed", slog.String("error", err.Error()))
	}
}
