package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formflow/formflow/internal/actions"
	"github.com/formflow/formflow/internal/store"
	"github.com/formflow/formflow/pkg/schema"
)

var testNow = time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)

// failingAction always errors, for failure-path tests.
type failingAction struct{}

func (f *failingAction) Name() string                  { return "always_fail" }
func (f *failingAction) Schema() actions.ActionSchema  { return actions.ActionSchema{} }
func (f *failingAction) Validate(_ map[string]any) error { return nil }
func (f *failingAction) Execute(_ context.Context, _ actions.ActionInput) (*actions.ActionOutput, error) {
	return nil, errors.New("delegate blew up")
}

func newTestEngine(t *testing.T, ms *mockStore, opts Options) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, logger))
	require.NoError(t, reg.Register(&failingAction{}))

	eng, err := NewEngine(ms, reg, logger, opts)
	require.NoError(t, err)
	eng.now = func() time.Time { return testNow }
	return eng
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func addNode(t *testing.T, ms *mockStore, workflowID, id string, nodeType schema.NodeType, config any) {
	t.Helper()
	node := &store.Node{ID: id, WorkflowID: workflowID, NodeType: nodeType, Label: id}
	if config != nil {
		node.Config = mustJSON(t, config)
	}
	require.NoError(t, ms.CreateNode(context.Background(), node))
}

func addConn(t *testing.T, ms *mockStore, workflowID, src, dst, handle string, pos int) {
	t.Helper()
	require.NoError(t, ms.CreateConnection(context.Background(), &store.Connection{
		ID:           src + "->" + dst,
		WorkflowID:   workflowID,
		SourceNodeID: src,
		TargetNodeID: dst,
		SourceHandle: handle,
		Position:     pos,
	}))
}

func logsByNode(t *testing.T, ms *mockStore, executionID, nodeID string) []*store.NodeExecutionLog {
	t.Helper()
	all, err := ms.ListNodeLogs(context.Background(), executionID)
	require.NoError(t, err)
	var result []*store.NodeExecutionLog
	for _, entry := range all {
		if entry.NodeID == nodeID {
			result = append(result, entry)
		}
	}
	return result
}

func TestExecuteWorkflow_LinearFlow(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	addNode(t, ms, "wf1", "start", schema.NodeTypeStart, schema.StartConfig{TriggerFormID: "form1"})
	addNode(t, ms, "wf1", "act", schema.NodeTypeAction, schema.ActionConfig{ActionType: "noop"})
	addNode(t, ms, "wf1", "end", schema.NodeTypeEnd, nil)
	addConn(t, ms, "wf1", "start", "act", "", 1)
	addConn(t, ms, "wf1", "act", "end", "", 1)

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "start", RunInput{
		Payload: map[string]any{"amount": 42},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.NotNil(t, exec.CompletedAt)

	logs, err := ms.ListNodeLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for _, entry := range logs {
		assert.Equal(t, schema.NodeRunStatusCompleted, entry.Status)
		assert.NotNil(t, entry.CompletedAt)
	}
}

func TestExecuteWorkflow_ConditionRouting(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	cond := schema.ConditionConfig{
		Kind: schema.ConditionKindIf,
		If: &schema.IfConfig{
			Expression: &schema.BoolExpr{
				Type: schema.ExprTypeCondition,
				Condition: &schema.SimpleCondition{
					Left: schema.Operand{
						Type:  schema.OperandTypeField,
						Field: &schema.FieldPath{Source: schema.FieldSourceForm, Key: "amount"},
					},
					Operator: schema.OpGreaterThan,
					Right:    &schema.Operand{Type: schema.OperandTypeValue, Value: 100},
				},
			},
		},
	}

	addNode(t, ms, "wf1", "start", schema.NodeTypeStart, nil)
	addNode(t, ms, "wf1", "cond", schema.NodeTypeCondition, cond)
	addNode(t, ms, "wf1", "approve", schema.NodeTypeAction, schema.ActionConfig{ActionType: "noop"})
	addNode(t, ms, "wf1", "reject", schema.NodeTypeNotification, schema.NotificationConfig{Recipient: "ops"})
	addNode(t, ms, "wf1", "end_ok", schema.NodeTypeEnd, nil)
	addNode(t, ms, "wf1", "end_no", schema.NodeTypeEnd, nil)
	addConn(t, ms, "wf1", "start", "cond", "", 1)
	addConn(t, ms, "wf1", "cond", "approve", "true", 1)
	addConn(t, ms, "wf1", "cond", "reject", "false", 2)
	addConn(t, ms, "wf1", "approve", "end_ok", "", 1)
	addConn(t, ms, "wf1", "reject", "end_no", "", 1)

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "start", RunInput{
		Payload: map[string]any{"amount": 500},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	// Taken path executed.
	require.Len(t, logsByNode(t, ms, exec.ID, "approve"), 1)
	assert.Equal(t, schema.NodeRunStatusCompleted, logsByNode(t, ms, exec.ID, "approve")[0].Status)

	// Untaken branch audited as ignored, never executed.
	rejectLogs := logsByNode(t, ms, exec.ID, "reject")
	require.Len(t, rejectLogs, 1)
	assert.Equal(t, schema.NodeRunStatusIgnored, rejectLogs[0].Status)
	endNoLogs := logsByNode(t, ms, exec.ID, "end_no")
	require.Len(t, endNoLogs, 1)
	assert.Equal(t, schema.NodeRunStatusIgnored, endNoLogs[0].Status)

	// Condition log carries routing diagnostics.
	condLogs := logsByNode(t, ms, exec.ID, "cond")
	require.Len(t, condLogs, 1)
	var diag map[string]any
	require.NoError(t, json.Unmarshal(condLogs[0].OutputData, &diag))
	assert.Equal(t, "true", diag["branch"])
}

func TestExecuteWorkflow_ConditionWaiting(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	cond := schema.ConditionConfig{
		Kind: schema.ConditionKindIf,
		If: &schema.IfConfig{
			Expression: &schema.BoolExpr{
				Type: schema.ExprTypeCondition,
				Condition: &schema.SimpleCondition{
					Left: schema.Operand{
						Type:  schema.OperandTypeField,
						Field: &schema.FieldPath{Source: schema.FieldSourceForm, Key: "decision"},
					},
					Operator: schema.OpEquals,
					Right:    &schema.Operand{Type: schema.OperandTypeValue, Value: "approved"},
				},
			},
		},
	}

	addNode(t, ms, "wf1", "start", schema.NodeTypeStart, nil)
	addNode(t, ms, "wf1", "cond", schema.NodeTypeCondition, cond)
	addNode(t, ms, "wf1", "end", schema.NodeTypeEnd, nil)
	addConn(t, ms, "wf1", "start", "cond", "", 1)
	addConn(t, ms, "wf1", "cond", "end", "true", 1)

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "start", RunInput{
		Payload: map[string]any{"decision": "n/a"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusWaiting, exec.Status)
	assert.Equal(t, "cond", exec.WaitNodeID)
	assert.Nil(t, exec.ScheduledResumeAt)

	condLogs := logsByNode(t, ms, exec.ID, "cond")
	require.Len(t, condLogs, 1)
	assert.Equal(t, schema.NodeRunStatusWaiting, condLogs[0].Status)
}

func TestExecuteWorkflow_SelfLoopHitsVisitCeiling(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{MaxNodeVisits: 5})

	addNode(t, ms, "wf1", "loop", schema.NodeTypeAction, schema.ActionConfig{ActionType: "noop"})
	addConn(t, ms, "wf1", "loop", "loop", "", 1)

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "loop", RunInput{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	// The node ran exactly up to the ceiling; the next visit short-circuited.
	assert.Len(t, logsByNode(t, ms, exec.ID, "loop"), 5)
}

func TestExecuteWorkflow_WaitDuration(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	addNode(t, ms, "wf1", "start", schema.NodeTypeStart, nil)
	addNode(t, ms, "wf1", "wait", schema.NodeTypeWait, schema.WaitConfig{
		WaitType: schema.WaitTypeDuration, DurationValue: 2, DurationUnit: schema.DurationUnitHours,
	})
	addNode(t, ms, "wf1", "end", schema.NodeTypeEnd, nil)
	addConn(t, ms, "wf1", "start", "wait", "", 1)
	addConn(t, ms, "wf1", "wait", "end", "", 1)

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "start", RunInput{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusWaiting, exec.Status)
	assert.Equal(t, "wait", exec.WaitNodeID)
	require.NotNil(t, exec.ScheduledResumeAt)
	assert.Equal(t, int64(2*60*60*1000), exec.ScheduledResumeAt.Sub(testNow).Milliseconds())
	assert.NotEmpty(t, exec.WaitConfig)

	// The end node must not have run.
	assert.Empty(t, logsByNode(t, ms, exec.ID, "end"))
}

func TestExecuteWorkflow_WaitUntilDatePast(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	addNode(t, ms, "wf1", "wait", schema.NodeTypeWait, schema.WaitConfig{
		WaitType: schema.WaitTypeUntilDate, UntilDate: "2020-01-01T00:00:00Z",
	})
	addNode(t, ms, "wf1", "end", schema.NodeTypeEnd, nil)
	addConn(t, ms, "wf1", "wait", "end", "", 1)

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "wait", RunInput{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	waitLogs := logsByNode(t, ms, exec.ID, "wait")
	require.Len(t, waitLogs, 1)
	var out map[string]any
	require.NoError(t, json.Unmarshal(waitLogs[0].OutputData, &out))
	assert.Equal(t, false, out["waited"])
}

func TestExecuteWorkflow_WaitUntilEventCeiling(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	addNode(t, ms, "wf1", "wait", schema.NodeTypeWait, schema.WaitConfig{
		WaitType: schema.WaitTypeUntilEvent, EventName: "contract_signed",
	})

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "wait", RunInput{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusWaiting, exec.Status)
	require.NotNil(t, exec.ScheduledResumeAt)
	assert.Equal(t, testNow.Add(365*24*time.Hour), exec.ScheduledResumeAt.UTC())
}

func TestExecuteWorkflow_DelegateFailureStopsDescent(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	addNode(t, ms, "wf1", "act", schema.NodeTypeAction, schema.ActionConfig{ActionType: "always_fail"})
	addNode(t, ms, "wf1", "end", schema.NodeTypeEnd, nil)
	addConn(t, ms, "wf1", "act", "end", "", 1)

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "act", RunInput{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "delegate blew up")

	actLogs := logsByNode(t, ms, exec.ID, "act")
	require.Len(t, actLogs, 1)
	assert.Equal(t, schema.NodeRunStatusFailed, actLogs[0].Status)

	// Successors were computed for the audit trail but never executed.
	assert.Empty(t, logsByNode(t, ms, exec.ID, "end"))
}

func TestExecuteWorkflow_MissingNodeFails(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	addNode(t, ms, "wf1", "start", schema.NodeTypeStart, nil)
	addConn(t, ms, "wf1", "start", "ghost", "", 1)

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "start", RunInput{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "node not found: ghost")
}

func TestResume_AfterWaitContinuesToSuccessors(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	addNode(t, ms, "wf1", "wait", schema.NodeTypeWait, schema.WaitConfig{
		WaitType: schema.WaitTypeDuration, DurationValue: 30, DurationUnit: schema.DurationUnitMinutes,
	})
	addNode(t, ms, "wf1", "end", schema.NodeTypeEnd, nil)
	addConn(t, ms, "wf1", "wait", "end", "", 1)

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "wait", RunInput{})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusWaiting, exec.Status)

	resumed, err := eng.Resume(context.Background(), exec.ID, ResumeInput{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, resumed.Status)
	assert.Empty(t, resumed.WaitNodeID)

	// The wait node itself did not re-execute on resume.
	assert.Len(t, logsByNode(t, ms, exec.ID, "wait"), 1)
	assert.Len(t, logsByNode(t, ms, exec.ID, "end"), 1)
}

func TestResume_ConditionReevaluates(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	cond := schema.ConditionConfig{
		Kind: schema.ConditionKindIf,
		If: &schema.IfConfig{
			Expression: &schema.BoolExpr{
				Type: schema.ExprTypeCondition,
				Condition: &schema.SimpleCondition{
					Left: schema.Operand{
						Type:  schema.OperandTypeField,
						Field: &schema.FieldPath{Source: schema.FieldSourceForm, Key: "decision"},
					},
					Operator: schema.OpEquals,
					Right:    &schema.Operand{Type: schema.OperandTypeValue, Value: "approved"},
				},
			},
		},
	}
	addNode(t, ms, "wf1", "cond", schema.NodeTypeCondition, cond)
	addNode(t, ms, "wf1", "end", schema.NodeTypeEnd, nil)
	addConn(t, ms, "wf1", "cond", "end", "true", 1)

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "cond", RunInput{
		Payload: map[string]any{"decision": "", "amount": 42},
	})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusWaiting, exec.Status)

	// The awaited field arrives with the resume call.
	resumed, err := eng.Resume(context.Background(), exec.ID, ResumeInput{
		Payload:      map[string]any{"decision": "approved"},
		SubmissionID: "sub-2",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, resumed.Status)
	// Condition executed twice: once waiting, once routed.
	assert.Len(t, logsByNode(t, ms, exec.ID, "cond"), 2)

	// The merged payload is persisted: the arrived field overlays the stale
	// one, untouched keys survive, and the submission id is recorded.
	var data map[string]any
	require.NoError(t, json.Unmarshal(resumed.TriggerData, &data))
	assert.Equal(t, "approved", data["decision"])
	assert.Equal(t, float64(42), data["amount"])
	assert.Equal(t, "sub-2", resumed.FormSubmissionID)
}

func TestContinueFromNode_RequiresWaiting(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	addNode(t, ms, "wf1", "end", schema.NodeTypeEnd, nil)
	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "end", RunInput{})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	_, err = eng.ContinueFromNode(context.Background(), exec.ID, "end", ResumeInput{})
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, flowErr.Code)
}

func TestCancelExecution(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	addNode(t, ms, "wf1", "wait", schema.NodeTypeWait, schema.WaitConfig{
		WaitType: schema.WaitTypeUntilEvent, EventName: "never",
	})

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "wait", RunInput{})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusWaiting, exec.Status)

	require.NoError(t, eng.CancelExecution(context.Background(), exec.ID, "superseded"))

	cancelled, err := ms.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, cancelled.Status)
	assert.Equal(t, "cancelled: superseded", cancelled.ErrorMessage)

	// A terminal execution cannot be cancelled again.
	err = eng.CancelExecution(context.Background(), exec.ID, "again")
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, flowErr.Code)
}

func TestExecuteWorkflow_DanglingSuccessStopsSiblings(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	// start fans out to a (no outgoing edges) and b.
	addNode(t, ms, "wf1", "start", schema.NodeTypeStart, nil)
	addNode(t, ms, "wf1", "a", schema.NodeTypeAction, schema.ActionConfig{ActionType: "noop"})
	addNode(t, ms, "wf1", "b", schema.NodeTypeAction, schema.ActionConfig{ActionType: "noop"})
	addConn(t, ms, "wf1", "start", "a", "", 1)
	addConn(t, ms, "wf1", "start", "b", "", 2)

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "start", RunInput{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	// a's dangling success is terminal; the queued sibling never runs.
	assert.Len(t, logsByNode(t, ms, exec.ID, "a"), 1)
	assert.Empty(t, logsByNode(t, ms, exec.ID, "b"))
}

func TestExecuteWorkflow_DanglingSuccessContinuesSiblingsWhenConfigured(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{ContinueSiblingsAfterEnd: true})

	addNode(t, ms, "wf1", "start", schema.NodeTypeStart, nil)
	addNode(t, ms, "wf1", "a", schema.NodeTypeAction, schema.ActionConfig{ActionType: "noop"})
	addNode(t, ms, "wf1", "b", schema.NodeTypeAction, schema.ActionConfig{ActionType: "noop"})
	addConn(t, ms, "wf1", "start", "a", "", 1)
	addConn(t, ms, "wf1", "start", "b", "", 2)

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "start", RunInput{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	assert.Len(t, logsByNode(t, ms, exec.ID, "a"), 1)
	assert.Len(t, logsByNode(t, ms, exec.ID, "b"), 1)
}

func TestBuildEvalContext_SystemNamespace(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	exec := &store.Execution{
		ID:               "e1",
		WorkflowID:       "wf1",
		Status:           schema.ExecutionStatusRunning,
		FormSubmissionID: "sub-1",
		SubmitterID:      "u1",
		FormOwnerID:      "owner-1",
		StartedAt:        testNow,
	}
	evalCtx := eng.buildEvalContext(context.Background(), exec, map[string]any{"amount": 7})

	assert.Equal(t, "wf1", evalCtx.System["workflow_id"])
	assert.Equal(t, "e1", evalCtx.System["execution_id"])
	assert.Equal(t, "sub-1", evalCtx.System["form_submission_id"])
	assert.Equal(t, "submitted", evalCtx.System["submission_status"])
	assert.Equal(t, "u1", evalCtx.System["submitter_id"])
	assert.Equal(t, "owner-1", evalCtx.System["form_owner_id"])

	// No triggering submission leaves the status empty.
	noSub := eng.buildEvalContext(context.Background(), &store.Execution{ID: "e2", StartedAt: testNow}, nil)
	assert.Equal(t, "", noSub.System["submission_status"])
}

func TestExecuteWorkflow_UnknownNodeType(t *testing.T) {
	ms := newMockStore()
	eng := newTestEngine(t, ms, Options{})

	require.NoError(t, ms.CreateNode(context.Background(), &store.Node{
		ID: "odd", WorkflowID: "wf1", NodeType: schema.NodeType("teleport"),
	}))

	exec, err := eng.ExecuteWorkflow(context.Background(), "wf1", "odd", RunInput{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "unknown node type")
}
