package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/formflow/formflow/internal/store"
	"github.com/formflow/formflow/pkg/schema"
)

// mockStore is an in-memory Store for engine tests.
type mockStore struct {
	mu          sync.Mutex
	workflows   map[string]*store.Workflow
	nodes       map[string]*store.Node
	connections []*store.Connection
	executions  map[string]*store.Execution
	logs        []*store.NodeExecutionLog
	forms       map[string]*store.Form
	profiles    map[string]*store.UserProfile
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows:  make(map[string]*store.Workflow),
		nodes:      make(map[string]*store.Node),
		executions: make(map[string]*store.Execution),
		forms:      make(map[string]*store.Form),
		profiles:   make(map[string]*store.UserProfile),
	}
}

func (m *mockStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
	return nil
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, nil
	}
	cp := *wf
	return &cp, nil
}

func (m *mockStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.Workflow
	for _, wf := range m.workflows {
		if filter.State != nil && wf.State != *filter.State {
			continue
		}
		cp := *wf
		result = append(result, &cp)
	}
	return result, nil
}

func (m *mockStore) CreateNode(_ context.Context, node *store.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.ID] = node
	return nil
}

func (m *mockStore) GetNode(_ context.Context, id string) (*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[id]
	if !ok {
		return nil, nil
	}
	cp := *node
	return &cp, nil
}

func (m *mockStore) ListNodes(_ context.Context, workflowID string) ([]*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.Node
	for _, node := range m.nodes {
		if node.WorkflowID == workflowID {
			cp := *node
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockStore) ListNodesByType(_ context.Context, workflowID string, nodeType schema.NodeType) ([]*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.Node
	for _, node := range m.nodes {
		if node.WorkflowID == workflowID && node.NodeType == nodeType {
			cp := *node
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockStore) CreateConnection(_ context.Context, conn *store.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections = append(m.connections, conn)
	return nil
}

func (m *mockStore) ListConnections(_ context.Context, workflowID, sourceNodeID string) ([]*store.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.Connection
	for _, conn := range m.connections {
		if conn.WorkflowID == workflowID && conn.SourceNodeID == sourceNodeID {
			cp := *conn
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockStore) ListAllConnections(_ context.Context, workflowID string) ([]*store.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.Connection
	for _, conn := range m.connections {
		if conn.WorkflowID == workflowID {
			cp := *conn
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockStore) CreateExecution(_ context.Context, exec *store.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *mockStore) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, nil
	}
	cp := *exec
	return &cp, nil
}

func (m *mockStore) UpdateExecution(_ context.Context, id string, update store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return fmt.Errorf("execution not found: %s", id)
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.CurrentNodeID != nil {
		exec.CurrentNodeID = *update.CurrentNodeID
	}
	if update.ScheduledResumeAt != nil {
		exec.ScheduledResumeAt = update.ScheduledResumeAt
	}
	if update.WaitNodeID != nil {
		exec.WaitNodeID = *update.WaitNodeID
	}
	if update.WaitConfig != nil {
		exec.WaitConfig = update.WaitConfig
	}
	if update.TriggerData != nil {
		exec.TriggerData = update.TriggerData
	}
	if update.FormSubmissionID != nil {
		exec.FormSubmissionID = *update.FormSubmissionID
	}
	if update.SubmitterID != nil {
		exec.SubmitterID = *update.SubmitterID
	}
	if update.ErrorMessage != nil {
		exec.ErrorMessage = *update.ErrorMessage
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}
	return nil
}

func (m *mockStore) FinishExecution(_ context.Context, id string, status schema.ExecutionStatus, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return false, fmt.Errorf("execution not found: %s", id)
	}
	if exec.Status != schema.ExecutionStatusRunning {
		return false, nil
	}
	now := time.Now().UTC()
	exec.Status = status
	exec.ErrorMessage = errMsg
	exec.CompletedAt = &now
	return true, nil
}

func (m *mockStore) MarkExecutionWaiting(_ context.Context, id string, resumeAt *time.Time, waitNodeID string, waitConfig []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return false, fmt.Errorf("execution not found: %s", id)
	}
	if exec.Status != schema.ExecutionStatusRunning {
		return false, nil
	}
	exec.Status = schema.ExecutionStatusWaiting
	exec.ScheduledResumeAt = resumeAt
	exec.WaitNodeID = waitNodeID
	exec.WaitConfig = waitConfig
	return true, nil
}

func (m *mockStore) ResumeExecution(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return false, fmt.Errorf("execution not found: %s", id)
	}
	if exec.Status != schema.ExecutionStatusWaiting {
		return false, nil
	}
	exec.Status = schema.ExecutionStatusRunning
	exec.ScheduledResumeAt = nil
	exec.WaitNodeID = ""
	exec.WaitConfig = nil
	return true, nil
}

func (m *mockStore) ListDueExecutions(_ context.Context, now time.Time) ([]*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.Execution
	for _, exec := range m.executions {
		if exec.Status == schema.ExecutionStatusWaiting &&
			exec.ScheduledResumeAt != nil && !exec.ScheduledResumeAt.After(now) {
			cp := *exec
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockStore) AppendNodeLog(_ context.Context, entry *store.NodeExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *mockStore) UpdateNodeLog(_ context.Context, id string, update store.NodeLogUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.logs {
		if entry.ID != id {
			continue
		}
		if update.Status != nil {
			entry.Status = *update.Status
		}
		if update.OutputData != nil {
			entry.OutputData = update.OutputData
		}
		if update.ErrorMessage != nil {
			entry.ErrorMessage = *update.ErrorMessage
		}
		if update.CompletedAt != nil {
			entry.CompletedAt = update.CompletedAt
		}
		if update.DurationMs != nil {
			entry.DurationMs = *update.DurationMs
		}
		return nil
	}
	return fmt.Errorf("node log not found: %s", id)
}

func (m *mockStore) ListNodeLogs(_ context.Context, executionID string) ([]*store.NodeExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.NodeExecutionLog
	for _, entry := range m.logs {
		if entry.ExecutionID == executionID {
			cp := *entry
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockStore) CreateForm(_ context.Context, form *store.Form) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forms[form.ID] = form
	return nil
}

func (m *mockStore) GetForm(_ context.Context, id string) (*store.Form, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	form, ok := m.forms[id]
	if !ok {
		return nil, nil
	}
	cp := *form
	return &cp, nil
}

func (m *mockStore) CreateUserProfile(_ context.Context, profile *store.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[profile.ID] = profile
	return nil
}

func (m *mockStore) GetUserProfile(_ context.Context, id string) (*store.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.profiles[id]
	if !ok {
		return nil, nil
	}
	cp := *profile
	return &cp, nil
}

func (m *mockStore) GetUserProfileByEmail(_ context.Context, email string) (*store.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, profile := range m.profiles {
		if profile.Email == email {
			cp := *profile
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) Migrate(_ context.Context) error { return nil }
func (m *mockStore) Vacuum(_ context.Context) error  { return nil }
func (m *mockStore) Close() error                    { return nil }

var _ store.Store = (*mockStore)(nil)
