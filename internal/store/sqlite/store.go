package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tendril-app/tendril/internal/store"
	"github.com/tendril-app/tendril/internal/workflow"
)

// executionColumns is the list of columns to select for execution queries.
const executionColumns = `id, project_id, status, config, started_at, updated_at, completed_at,
	initiator_id, handler_id, completer_id, error_log, result`

// taskColumns is the list of columns to select for task queries.
const taskColumns = `id, execution_id, agent, sequence_order, status, started_at, completed_at,
	execution_time_seconds, input, output, error_log, config, handler_id, completer_id`

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database (see NewDB).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open is a convenience that opens the database at path, runs migrations,
// and returns a ready Store.
func Open(path string) (*Store, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

var _ store.Store = (*Store)(nil)

// scanExecution scans a row into an executionModel.
func scanExecution(scanner interface{ Scan(...any) error }) (*executionModel, error) {
	var m executionModel
	err := scanner.Scan(
		&m.ID, &m.ProjectID, &m.Status, &m.Config, &m.StartedAt, &m.UpdatedAt, &m.CompletedAt,
		&m.InitiatorID, &m.HandlerID, &m.CompleterID, &m.ErrorLog, &m.Result,
	)
	return &m, err
}

// scanTask scans a row into a taskModel.
func scanTask(scanner interface{ Scan(...any) error }) (*taskModel, error) {
	var m taskModel
	err := scanner.Scan(
		&m.ID, &m.ExecutionID, &m.Agent, &m.SequenceOrder, &m.Status, &m.StartedAt, &m.CompletedAt,
		&m.ExecutionTimeSeconds, &m.Input, &m.Output, &m.ErrorLog, &m.Config, &m.HandlerID, &m.CompleterID,
	)
	return &m, err
}

// CreateWorkflow atomically inserts the execution and its initial tasks.
// If any insert fails the transaction rolls back and nothing is persisted.
func (s *Store) CreateWorkflow(ctx context.Context, exec *workflow.WorkflowExecution, tasks []*workflow.AgentTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertExecution(ctx, tx, exec); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing workflow creation: %w", err)
	}
	return nil
}

func insertExecution(ctx context.Context, tx *sql.Tx, exec *workflow.WorkflowExecution) error {
	m, err := toExecutionModel(exec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, m.Status, m.Config, m.StartedAt, m.UpdatedAt, m.CompletedAt,
		m.InitiatorID, m.HandlerID, m.CompleterID, m.ErrorLog, m.Result,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func insertTask(ctx context.Context, tx *sql.Tx, t *workflow.AgentTask) error {
	m, err := toTaskModel(t)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ExecutionID, m.Agent, m.SequenceOrder, m.Status, m.StartedAt, m.CompletedAt,
		m.ExecutionTimeSeconds, m.Input, m.Output, m.ErrorLog, m.Config, m.HandlerID, m.CompleterID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return workflow.NewValidationError("duplicate sequence order %d in execution %s", t.SequenceOrder, t.ExecutionID)
		}
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetWorkflow retrieves an execution by ID.
func (s *Store) GetWorkflow(ctx context.Context, id workflow.ExecutionID) (*workflow.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id.String())
	m, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding execution: %w", err)
	}
	return m.toDomain()
}

// ListWorkflows returns executions matching the query, newest first.
func (s *Store) ListWorkflows(ctx context.Context, q store.ListWorkflowsQuery) ([]*workflow.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	var clauses []string
	var args []any
	if q.ProjectID != "" {
		clauses = append(clauses, "project_id = ?")
		args = append(args, q.ProjectID)
	}
	if len(q.Statuses) > 0 {
		placeholders := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.WorkflowExecution
	for rows.Next() {
		m, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		exec, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// UpdateWorkflow applies fn to the stored execution inside a transaction.
// The callback receives the execution's tasks so cross-record validation
// sees a consistent snapshot. An error from fn aborts the update.
func (s *Store) UpdateWorkflow(ctx context.Context, id workflow.ExecutionID, fn func(*workflow.WorkflowExecution, []*workflow.AgentTask) error) (*workflow.WorkflowExecution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id.String())
	m, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding execution: %w", err)
	}
	exec, err := m.toDomain()
	if err != nil {
		return nil, err
	}

	tasks, err := listTasksTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(exec, tasks); err != nil {
		return nil, err
	}

	um, err := toExecutionModel(exec)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE workflow_executions SET
			status = ?, config = ?, updated_at = ?, completed_at = ?,
			handler_id = ?, completer_id = ?, error_log = ?, result = ?
		 WHERE id = ?`,
		um.Status, um.Config, um.UpdatedAt, um.CompletedAt,
		um.HandlerID, um.CompleterID, um.ErrorLog, um.Result, um.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing execution update: %w", err)
	}
	return exec, nil
}

// DeleteWorkflow removes the execution; tasks cascade via foreign key.
func (s *Store) DeleteWorkflow(ctx context.Context, id workflow.ExecutionID) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_executions WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting execution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected == 0 {
		return workflow.ErrWorkflowNotFound
	}
	return nil
}

// CreateTask inserts a task for an existing execution.
func (s *Store) CreateTask(ctx context.Context, task *workflow.AgentTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM workflow_executions WHERE id = ?`, task.ExecutionID.String()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking execution: %w", err)
	}
	if exists == 0 {
		return workflow.ErrWorkflowNotFound
	}

	if err := insertTask(ctx, tx, task); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing task creation: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id workflow.TaskID) (*workflow.AgentTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?`, id.String())
	m, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding task: %w", err)
	}
	return m.toDomain()
}

// ListTasks returns the execution's tasks ordered by sequence order.
func (s *Store) ListTasks(ctx context.Context, executionID workflow.ExecutionID) ([]*workflow.AgentTask, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM workflow_executions WHERE id = ?`, executionID.String()).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("checking execution: %w", err)
	}
	if exists == 0 {
		return nil, workflow.ErrWorkflowNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return listTasksTx(ctx, tx, executionID)
}

func listTasksTx(ctx context.Context, tx *sql.Tx, executionID workflow.ExecutionID) ([]*workflow.AgentTask, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE execution_id = ? ORDER BY sequence_order`,
		executionID.String())
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []*workflow.AgentTask
	for rows.Next() {
		m, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		task, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// UpdateTask applies fn to the stored task inside a transaction, so the
// callback reads the persisted record (the stored StartedAt in particular)
// and the write commits atomically with that read.
func (s *Store) UpdateTask(ctx context.Context, id workflow.TaskID, fn func(*workflow.AgentTask) error) (*workflow.AgentTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?`, id.String())
	m, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding task: %w", err)
	}
	task, err := m.toDomain()
	if err != nil {
		return nil, err
	}

	if err := fn(task); err != nil {
		return nil, err
	}

	um, err := toTaskModel(task)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE agent_tasks SET
			status = ?, started_at = ?, completed_at = ?, execution_time_seconds = ?,
			input = ?, output = ?, error_log = ?, config = ?, handler_id = ?, completer_id = ?
		 WHERE id = ?`,
		um.Status, um.StartedAt, um.CompletedAt, um.ExecutionTimeSeconds,
		um.Input, um.Output, um.ErrorLog, um.Config, um.HandlerID, um.CompleterID, um.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing task update: %w", err)
	}
	return task, nil
}

// CreateProject registers a project for referential validation.
func (s *Store) CreateProject(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name) VALUES (?, ?)`, id, name)
	if err != nil {
		if isUniqueViolation(err) {
			return &workflow.ConflictError{Entity: "project", ID: id}
		}
		return fmt.Errorf("inserting project: %w", err)
	}
	return nil
}

// ProjectExists reports whether the project is registered.
func (s *Store) ProjectExists(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM projects WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking project: %w", err)
	}
	return count > 0, nil
}

// WorkflowStats aggregates counts and the success rate over a project's
// workflow executions in a single scan.
func (s *Store) WorkflowStats(ctx context.Context, projectID string) (store.Stats, error) {
	exists, err := s.ProjectExists(ctx, projectID)
	if err != nil {
		return store.Stats{}, err
	}
	if !exists {
		return store.Stats{}, fmt.Errorf("stats for %s: %w", projectID, workflow.ErrProjectNotFound)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN status = 'OPEN' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'IN_PROGRESS' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0)
		FROM workflow_executions WHERE project_id = ?`, projectID)

	var stats store.Stats
	if err := row.Scan(&stats.Total, &stats.Open, &stats.InProgress, &stats.Completed, &stats.Failed); err != nil {
		return store.Stats{}, fmt.Errorf("scanning stats: %w", err)
	}
	if terminal := stats.Completed + stats.Failed; terminal > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(terminal)
	}
	return stats, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether the error is a UNIQUE or PRIMARY KEY
// constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
