package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/formflow/formflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, state, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, string(wf.State), nullStr(wf.CreatedBy),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var createdBy sql.NullString
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, state, created_by, created_at, updated_at FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &state, &createdBy, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.State = schema.WorkflowState(state)
	wf.CreatedBy = createdBy.String
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.State != nil {
		where = append(where, "state = ?")
		args = append(args, string(*filter.State))
	}

	query := "SELECT id, name, state, created_by, created_at, updated_at FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var createdBy sql.NullString
		var state string
		if err := rows.Scan(&wf.ID, &wf.Name, &state, &createdBy, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.State = schema.WorkflowState(state)
		wf.CreatedBy = createdBy.String
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// --- Graph ---

func (s *LibSQLStore) CreateNode(ctx context.Context, node *Node) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, workflow_id, node_type, label, config) VALUES (?, ?, ?, ?, ?)`,
		node.ID, node.WorkflowID, string(node.NodeType), nullStr(node.Label), nullRaw(node.Config),
	)
	return err
}

func (s *LibSQLStore) GetNode(ctx context.Context, id string) (*Node, error) {
	n := &Node{}
	var label, config sql.NullString
	var nodeType string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, node_type, label, config FROM nodes WHERE id = ?`, id,
	).Scan(&n.ID, &n.WorkflowID, &nodeType, &label, &config)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node", id)
	}
	if err != nil {
		return nil, err
	}
	n.NodeType = schema.NodeType(nodeType)
	n.Label = label.String
	n.Config = rawOrNil(config)
	return n, nil
}

func (s *LibSQLStore) ListNodes(ctx context.Context, workflowID string) ([]*Node, error) {
	return s.queryNodes(ctx,
		`SELECT id, workflow_id, node_type, label, config FROM nodes WHERE workflow_id = ? ORDER BY id`,
		workflowID)
}

func (s *LibSQLStore) ListNodesByType(ctx context.Context, workflowID string, nodeType schema.NodeType) ([]*Node, error) {
	return s.queryNodes(ctx,
		`SELECT id, workflow_id, node_type, label, config FROM nodes WHERE workflow_id = ? AND node_type = ? ORDER BY id`,
		workflowID, string(nodeType))
}

func (s *LibSQLStore) queryNodes(ctx context.Context, query string, args ...any) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n := &Node{}
		var label, config sql.NullString
		var nodeType string
		if err := rows.Scan(&n.ID, &n.WorkflowID, &nodeType, &label, &config); err != nil {
			return nil, err
		}
		n.NodeType = schema.NodeType(nodeType)
		n.Label = label.String
		n.Config = rawOrNil(config)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *LibSQLStore) CreateConnection(ctx context.Context, conn *Connection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (id, workflow_id, source_node_id, target_node_id, condition_type, source_handle, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.WorkflowID, conn.SourceNodeID, conn.TargetNodeID,
		nullStr(conn.ConditionType), nullStr(conn.SourceHandle), conn.Position,
	)
	return err
}

func (s *LibSQLStore) ListConnections(ctx context.Context, workflowID, sourceNodeID string) ([]*Connection, error) {
	return s.queryConnections(ctx,
		`SELECT id, workflow_id, source_node_id, target_node_id, condition_type, source_handle, position
		 FROM connections WHERE workflow_id = ? AND source_node_id = ? ORDER BY position, id`,
		workflowID, sourceNodeID)
}

func (s *LibSQLStore) ListAllConnections(ctx context.Context, workflowID string) ([]*Connection, error) {
	return s.queryConnections(ctx,
		`SELECT id, workflow_id, source_node_id, target_node_id, condition_type, source_handle, position
		 FROM connections WHERE workflow_id = ? ORDER BY position, id`,
		workflowID)
}

func (s *LibSQLStore) queryConnections(ctx context.Context, query string, args ...any) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		c := &Connection{}
		var condType, handle sql.NullString
		if err := rows.Scan(&c.ID, &c.WorkflowID, &c.SourceNodeID, &c.TargetNodeID, &condType, &handle, &c.Position); err != nil {
			return nil, err
		}
		c.ConditionType = condType.String
		c.SourceHandle = handle.String
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, current_node_id, scheduled_resume_at, wait_node_id, wait_config,
		 trigger_data, form_submission_id, submitter_id, form_owner_id, error_message, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), nullStr(exec.CurrentNodeID),
		nullTime(exec.ScheduledResumeAt), nullStr(exec.WaitNodeID), nullRaw(exec.WaitConfig),
		nullRaw(exec.TriggerData), nullStr(exec.FormSubmissionID), nullStr(exec.SubmitterID),
		nullStr(exec.FormOwnerID), nullStr(exec.ErrorMessage),
		timeOrNow(exec.StartedAt), nullTime(exec.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	e := &Execution{}
	var (
		currentNode, waitNode, waitConfig        sql.NullString
		triggerData, submissionID, submitterID   sql.NullString
		formOwnerID, errMsg                      sql.NullString
		resumeAt, completedAt                    sql.NullTime
		status                                   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, current_node_id, scheduled_resume_at, wait_node_id, wait_config,
		 trigger_data, form_submission_id, submitter_id, form_owner_id, error_message, started_at, completed_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&e.ID, &e.WorkflowID, &status, &currentNode, &resumeAt, &waitNode, &waitConfig,
		&triggerData, &submissionID, &submitterID, &formOwnerID, &errMsg, &e.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.CurrentNodeID = currentNode.String
	e.WaitNodeID = waitNode.String
	e.WaitConfig = rawOrNil(waitConfig)
	e.TriggerData = rawOrNil(triggerData)
	e.FormSubmissionID = submissionID.String
	e.SubmitterID = submitterID.String
	e.FormOwnerID = formOwnerID.String
	e.ErrorMessage = errMsg.String
	if resumeAt.Valid {
		e.ScheduledResumeAt = &resumeAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, nullStr(*update.CurrentNodeID))
	}
	if update.ScheduledResumeAt != nil {
		sets = append(sets, "scheduled_resume_at = ?")
		args = append(args, *update.ScheduledResumeAt)
	}
	if update.WaitNodeID != nil {
		sets = append(sets, "wait_node_id = ?")
		args = append(args, nullStr(*update.WaitNodeID))
	}
	if update.WaitConfig != nil {
		sets = append(sets, "wait_config = ?")
		args = append(args, string(update.WaitConfig))
	}
	if update.TriggerData != nil {
		sets = append(sets, "trigger_data = ?")
		args = append(args, string(update.TriggerData))
	}
	if update.FormSubmissionID != nil {
		sets = append(sets, "form_submission_id = ?")
		args = append(args, nullStr(*update.FormSubmissionID))
	}
	if update.SubmitterID != nil {
		sets = append(sets, "submitter_id = ?")
		args = append(args, nullStr(*update.SubmitterID))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

// FinishExecution is a single conditional statement so a waiting status set
// mid-walk is never clobbered by the finalizer.
func (s *LibSQLStore) FinishExecution(ctx context.Context, id string, status schema.ExecutionStatus, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'running'`,
		string(status), nullStr(errMsg), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) MarkExecutionWaiting(ctx context.Context, id string, resumeAt *time.Time, waitNodeID string, waitConfig []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = 'waiting', scheduled_resume_at = ?, wait_node_id = ?, wait_config = ?
		 WHERE id = ? AND status = 'running'`,
		nullTime(resumeAt), waitNodeID, nullRaw(waitConfig), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ResumeExecution(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = 'running', scheduled_resume_at = NULL, wait_node_id = NULL, wait_config = NULL
		 WHERE id = ? AND status = 'waiting'`, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ListDueExecutions(ctx context.Context, now time.Time) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM executions WHERE status = 'waiting' AND scheduled_resume_at IS NOT NULL AND scheduled_resume_at <= ?
		 ORDER BY scheduled_resume_at`, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	execs := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, nil
}

// --- Node execution log ---

func (s *LibSQLStore) AppendNodeLog(ctx context.Context, entry *NodeExecutionLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_execution_logs (id, execution_id, node_id, node_type, node_label, status,
		 input_data, output_data, error_message, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ExecutionID, entry.NodeID, string(entry.NodeType), nullStr(entry.NodeLabel),
		string(entry.Status), nullRaw(entry.InputData), nullRaw(entry.OutputData),
		nullStr(entry.ErrorMessage), timeOrNow(entry.StartedAt), nullTime(entry.CompletedAt), entry.DurationMs,
	)
	return err
}

func (s *LibSQLStore) UpdateNodeLog(ctx context.Context, id string, update NodeLogUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.OutputData != nil {
		sets = append(sets, "output_data = ?")
		args = append(args, string(update.OutputData))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE node_execution_logs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "node log", id)
}

func (s *LibSQLStore) ListNodeLogs(ctx context.Context, executionID string) ([]*NodeExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, node_type, node_label, status, input_data, output_data,
		 error_message, started_at, completed_at, duration_ms
		 FROM node_execution_logs WHERE execution_id = ? ORDER BY started_at, id`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*NodeExecutionLog
	for rows.Next() {
		l := &NodeExecutionLog{}
		var label, input, output, errMsg sql.NullString
		var completedAt sql.NullTime
		var nodeType, status string
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.NodeID, &nodeType, &label, &status,
			&input, &output, &errMsg, &l.StartedAt, &completedAt, &l.DurationMs); err != nil {
			return nil, err
		}
		l.NodeType = schema.NodeType(nodeType)
		l.NodeLabel = label.String
		l.Status = schema.NodeRunStatus(status)
		l.InputData = rawOrNil(input)
		l.OutputData = rawOrNil(output)
		l.ErrorMessage = errMsg.String
		if completedAt.Valid {
			l.CompletedAt = &completedAt.Time
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Forms and users ---

func (s *LibSQLStore) CreateForm(ctx context.Context, form *Form) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO forms (id, name, created_by, created_at) VALUES (?, ?, ?, ?)`,
		form.ID, nullStr(form.Name), nullStr(form.CreatedBy), timeOrNow(form.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetForm(ctx context.Context, id string) (*Form, error) {
	f := &Form{}
	var name, createdBy sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_by, created_at FROM forms WHERE id = ?`, id,
	).Scan(&f.ID, &name, &createdBy, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("form", id)
	}
	if err != nil {
		return nil, err
	}
	f.Name = name.String
	f.CreatedBy = createdBy.String
	return f, nil
}

func (s *LibSQLStore) CreateUserProfile(ctx context.Context, profile *UserProfile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (id, email, full_name, role) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email, full_name=excluded.full_name, role=excluded.role`,
		profile.ID, nullStr(profile.Email), nullStr(profile.FullName), nullStr(profile.Role),
	)
	return err
}

func (s *LibSQLStore) GetUserProfile(ctx context.Context, id string) (*UserProfile, error) {
	return s.queryUserProfile(ctx, `SELECT id, email, full_name, role FROM user_profiles WHERE id = ?`, id)
}

func (s *LibSQLStore) GetUserProfileByEmail(ctx context.Context, email string) (*UserProfile, error) {
	return s.queryUserProfile(ctx, `SELECT id, email, full_name, role FROM user_profiles WHERE email = ?`, email)
}

func (s *LibSQLStore) queryUserProfile(ctx context.Context, query, key string) (*UserProfile, error) {
	p := &UserProfile{}
	var email, fullName, role sql.NullString
	err := s.db.QueryRowContext(ctx, query, key).Scan(&p.ID, &email, &fullName, &role)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("user profile", key)
	}
	if err != nil {
		return nil, err
	}
	p.Email = email.String
	p.FullName = fullName.String
	p.Role = role.String
	return p, nil
}

var _ Store = (*LibSQLStore)(nil)

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
