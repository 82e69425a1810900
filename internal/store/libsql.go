package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/hookline/hookline/pkg/schema"
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

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, owner_id, is_active, last_executed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, wf.OwnerID, boolInt(wf.IsActive), nullTime(wf.LastExecutedAt),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var isActive int
	var lastExecuted sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, is_active, last_executed_at, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &wf.OwnerID, &isActive, &lastExecuted, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.IsActive = isActive != 0
	if lastExecuted.Valid {
		wf.LastExecutedAt = &lastExecuted.Time
	}
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolInt(*update.IsActive))
	}
	if update.LastExecutedAt != nil {
		sets = append(sets, "last_executed_at = ?")
		args = append(args, *update.LastExecutedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListActiveWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, owner_id, is_active, last_executed_at, created_at, updated_at
		 FROM workflows WHERE is_active = 1 ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	byID := make(map[string]*Workflow)
	for rows.Next() {
		wf := &Workflow{}
		var isActive int
		var lastExecuted sql.NullTime
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.OwnerID, &isActive, &lastExecuted, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.IsActive = isActive != 0
		if lastExecuted.Valid {
			wf.LastExecutedAt = &lastExecuted.Time
		}
		workflows = append(workflows, wf)
		byID[wf.ID] = wf
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(workflows) == 0 {
		return nil, nil
	}

	// Eager-join steps with their connections in one query and attach.
	stepRows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.workflow_id, s.idx, s.type, s.app, s.metadata, s.connection_id, s.created_at, s.updated_at,
		        c.id, c.app, c.owner_id, c.name, c.access_token, c.refresh_token, c.expires_at, c.created_at, c.updated_at
		 FROM steps s
		 LEFT JOIN connections c ON c.id = s.connection_id
		 JOIN workflows w ON w.id = s.workflow_id
		 WHERE w.is_active = 1
		 ORDER BY s.workflow_id, s.idx`,
	)
	if err != nil {
		return nil, err
	}
	defer stepRows.Close()

	for stepRows.Next() {
		step, err := scanStepWithConnection(stepRows)
		if err != nil {
			return nil, err
		}
		if wf, ok := byID[step.WorkflowID]; ok {
			step.Workflow = wf
			wf.Steps = append(wf.Steps, step)
		}
	}
	return workflows, stepRows.Err()
}

// --- Steps ---

func (s *LibSQLStore) CreateStep(ctx context.Context, step *Step) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (id, workflow_id, idx, type, app, metadata, connection_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.WorkflowID, step.Index, string(step.Type), step.App,
		nullStr(string(step.Metadata)), nullStr(step.ConnectionID),
		timeOrNow(step.CreatedAt), timeOrNow(step.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetStep(ctx context.Context, id string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.workflow_id, s.idx, s.type, s.app, s.metadata, s.connection_id, s.created_at, s.updated_at,
		        c.id, c.app, c.owner_id, c.name, c.access_token, c.refresh_token, c.expires_at, c.created_at, c.updated_at
		 FROM steps s
		 LEFT JOIN connections c ON c.id = s.connection_id
		 WHERE s.id = ?`, id,
	)
	step, err := scanStepWithConnection(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step", id)
	}
	if err != nil {
		return nil, err
	}

	wf, err := s.GetWorkflow(ctx, step.WorkflowID)
	if err != nil {
		return nil, err
	}
	step.Workflow = wf
	return step, nil
}

func (s *LibSQLStore) GetStepByIndex(ctx context.Context, workflowID string, index int) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.workflow_id, s.idx, s.type, s.app, s.metadata, s.connection_id, s.created_at, s.updated_at,
		        c.id, c.app, c.owner_id, c.name, c.access_token, c.refresh_token, c.expires_at, c.created_at, c.updated_at
		 FROM steps s
		 LEFT JOIN connections c ON c.id = s.connection_id
		 WHERE s.workflow_id = ? AND s.idx = ?`, workflowID, index,
	)
	step, err := scanStepWithConnection(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step", fmt.Sprintf("%s[%d]", workflowID, index))
	}
	if err != nil {
		return nil, err
	}
	return step, nil
}

// scanner abstracts *sql.Row and *sql.Rows for the shared step scan.
type scanner interface {
	Scan(dest ...any) error
}

func scanStepWithConnection(row scanner) (*Step, error) {
	step := &Step{}
	var stepType string
	var metadata, connectionID sql.NullString
	var cID, cApp, cOwner, cName, cAccess, cRefresh sql.NullString
	var cExpires, cCreated, cUpdated sql.NullTime

	err := row.Scan(&step.ID, &step.WorkflowID, &step.Index, &stepType, &step.App,
		&metadata, &connectionID, &step.CreatedAt, &step.UpdatedAt,
		&cID, &cApp, &cOwner, &cName, &cAccess, &cRefresh, &cExpires, &cCreated, &cUpdated)
	if err != nil {
		return nil, err
	}
	step.Type = schema.StepType(stepType)
	if metadata.Valid {
		step.Metadata = []byte(metadata.String)
	}
	step.ConnectionID = connectionID.String
	if cID.Valid {
		conn := &Connection{
			ID:           cID.String,
			App:          cApp.String,
			OwnerID:      cOwner.String,
			Name:         cName.String,
			AccessToken:  cAccess.String,
			RefreshToken: cRefresh.String,
		}
		if cExpires.Valid {
			conn.ExpiresAt = &cExpires.Time
		}
		if cCreated.Valid {
			conn.CreatedAt = cCreated.Time
		}
		if cUpdated.Valid {
			conn.UpdatedAt = cUpdated.Time
		}
		step.Connection = conn
	}
	return step, nil
}

// --- Connections ---

func (s *LibSQLStore) CreateConnection(ctx context.Context, conn *Connection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (id, app, owner_id, name, access_token, refresh_token, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.App, conn.OwnerID, nullStr(conn.Name), conn.AccessToken,
		nullStr(conn.RefreshToken), nullTime(conn.ExpiresAt),
		timeOrNow(conn.CreatedAt), timeOrNow(conn.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	conn := &Connection{}
	var name, refresh sql.NullString
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, app, owner_id, name, access_token, refresh_token, expires_at, created_at, updated_at
		 FROM connections WHERE id = ?`, id,
	).Scan(&conn.ID, &conn.App, &conn.OwnerID, &name, &conn.AccessToken, &refresh, &expires, &conn.CreatedAt, &conn.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("connection", id)
	}
	if err != nil {
		return nil, err
	}
	conn.Name = name.String
	conn.RefreshToken = refresh.String
	if expires.Valid {
		conn.ExpiresAt = &expires.Time
	}
	return conn, nil
}

func (s *LibSQLStore) UpdateConnection(ctx context.Context, id string, update ConnectionUpdate) error {
	var sets []string
	var args []any

	if update.AccessToken != nil {
		sets = append(sets, "access_token = ?")
		args = append(args, *update.AccessToken)
	}
	if update.RefreshToken != nil {
		sets = append(sets, "refresh_token = ?")
		args = append(args, *update.RefreshToken)
	}
	if update.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, *update.ExpiresAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE connections SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "connection", id)
}

// --- Execution logs ---

func (s *LibSQLStore) CreateExecutionLog(ctx context.Context, log *ExecutionLog) error {
	if log.Status == "" {
		log.Status = schema.ExecutionPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (id, workflow_id, step_id, job_id, status, message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.WorkflowID, log.StepID, log.JobID, string(log.Status), log.Message,
		timeOrNow(log.CreatedAt), timeOrNow(log.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateExecutionLog(ctx context.Context, id string, update ExecutionLogUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_logs SET status = ?, message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(update.Status), update.Message, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution_log", id)
}

func (s *LibSQLStore) ListExecutionLogs(ctx context.Context, filter ExecutionLogFilter) ([]*ExecutionLog, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, filter.JobID)
	}

	query := `SELECT id, workflow_id, step_id, job_id, status, message, created_at, updated_at FROM execution_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*ExecutionLog
	for rows.Next() {
		l := &ExecutionLog{}
		var status string
		if err := rows.Scan(&l.ID, &l.WorkflowID, &l.StepID, &l.JobID, &status, &l.Message, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.Status = schema.ExecutionStatus(status)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.HooklineError {
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
