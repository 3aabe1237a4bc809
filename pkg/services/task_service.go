package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewline/foreman/pkg/models"
)

// taskColumns is the shared scan order for task queries.
const taskColumns = `id, run_id, title, description, agent, depends_on, gates,
	target_files, priority, max_attempts, skippable, status, attempt, result,
	error, blocked_by, commit_ref, verification, created_at, started_at,
	completed_at`

// TaskService manages task rows plus their attempt history and per-task logs.
type TaskService struct {
	pool *pgxpool.Pool
}

// NewTaskService creates a new TaskService
func NewTaskService(pool *pgxpool.Pool) *TaskService {
	return &TaskService{pool: pool}
}

// CreateTasks persists a planned task set in one transaction so a run never
// ends up with a partial graph.
func (s *TaskService) CreateTasks(httpCtx context.Context, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, task := range tasks {
		if task.ID == "" {
			return NewValidationError("id", "required")
		}
		if task.RunID == "" {
			return NewValidationError("run_id", "required")
		}
		if task.CreatedAt.IsZero() {
			task.CreatedAt = time.Now().UTC()
		}

		dependsOn, err := json.Marshal(emptyIfNil(task.DependsOn))
		if err != nil {
			return fmt.Errorf("failed to marshal depends_on: %w", err)
		}
		gates, err := json.Marshal(emptyGatesIfNil(task.Gates))
		if err != nil {
			return fmt.Errorf("failed to marshal gates: %w", err)
		}
		targetFiles, err := marshalNullableSlice(task.TargetFiles)
		if err != nil {
			return fmt.Errorf("failed to marshal target_files: %w", err)
		}
		verification, err := marshalNullableVerification(task.Verification)
		if err != nil {
			return fmt.Errorf("failed to marshal verification: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO tasks (id, run_id, title, description, agent, depends_on,
				gates, target_files, priority, max_attempts, skippable, status,
				attempt, result, error, blocked_by, commit_ref, verification,
				created_at, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
				$15, $16, $17, $18, $19, $20, $21)`,
			task.ID, task.RunID, task.Title, task.Description, task.Agent,
			dependsOn, gates, targetFiles, task.Priority, task.MaxAttempts,
			task.Skippable, task.Status, task.Attempt, task.Result, task.Error,
			task.BlockedBy, task.CommitRef, verification, task.CreatedAt,
			task.StartedAt, task.CompletedAt); err != nil {
			return fmt.Errorf("failed to create task %s: %w", task.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tasks: %w", err)
	}
	return nil
}

// Get retrieves a task by ID.
func (s *TaskService) Get(ctx context.Context, id string) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListByRun returns a run's tasks in creation order.
func (s *TaskService) ListByRun(ctx context.Context, runID string) ([]*models.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE run_id = $1 ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// Update persists every mutable task field.
func (s *TaskService) Update(httpCtx context.Context, task *models.Task) error {
	dependsOn, err := json.Marshal(emptyIfNil(task.DependsOn))
	if err != nil {
		return fmt.Errorf("failed to marshal depends_on: %w", err)
	}
	gates, err := json.Marshal(emptyGatesIfNil(task.Gates))
	if err != nil {
		return fmt.Errorf("failed to marshal gates: %w", err)
	}
	targetFiles, err := marshalNullableSlice(task.TargetFiles)
	if err != nil {
		return fmt.Errorf("failed to marshal target_files: %w", err)
	}
	verification, err := marshalNullableVerification(task.Verification)
	if err != nil {
		return fmt.Errorf("failed to marshal verification: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET title = $2, description = $3, agent = $4,
			depends_on = $5, gates = $6, target_files = $7, priority = $8,
			max_attempts = $9, skippable = $10, status = $11, attempt = $12,
			result = $13, error = $14, blocked_by = $15, commit_ref = $16,
			verification = $17, started_at = $18, completed_at = $19
		WHERE id = $1`,
		task.ID, task.Title, task.Description, task.Agent, dependsOn, gates,
		targetFiles, task.Priority, task.MaxAttempts, task.Skippable,
		task.Status, task.Attempt, task.Result, task.Error, task.BlockedBy,
		task.CommitRef, verification, task.StartedAt, task.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAttempt inserts one finished attempt row.
func (s *TaskService) RecordAttempt(httpCtx context.Context, attempt *models.Attempt) error {
	if attempt.TaskID == "" {
		return NewValidationError("task_id", "required")
	}
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.StartedAt.IsZero() {
		attempt.StartedAt = time.Now().UTC()
	}

	gateResults, err := marshalNullableGateResults(attempt.GateResults)
	if err != nil {
		return fmt.Errorf("failed to marshal gate results: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO attempts (id, task_id, run_id, seq, response, gate_results,
			feedback, commit_ref, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		attempt.ID, attempt.TaskID, attempt.RunID, attempt.Seq, attempt.Response,
		gateResults, attempt.Feedback, attempt.CommitRef, attempt.StartedAt,
		attempt.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// ListAttempts returns a task's attempts in sequence order.
func (s *TaskService) ListAttempts(ctx context.Context, taskID string) ([]*models.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, run_id, seq, response, gate_results, feedback,
			commit_ref, started_at, ended_at
		FROM attempts WHERE task_id = $1 ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.Attempt
	for rows.Next() {
		var a models.Attempt
		var gateResults []byte
		if err := rows.Scan(&a.ID, &a.TaskID, &a.RunID, &a.Seq, &a.Response,
			&gateResults, &a.Feedback, &a.CommitRef, &a.StartedAt, &a.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if len(gateResults) > 0 {
			if err := json.Unmarshal(gateResults, &a.GateResults); err != nil {
				return nil, fmt.Errorf("failed to unmarshal gate results: %w", err)
			}
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return attempts, nil
}

// AppendTaskLog inserts one per-task log line.
func (s *TaskService) AppendTaskLog(httpCtx context.Context, entry *models.TaskLogEntry) error {
	if entry.TaskID == "" {
		return NewValidationError("task_id", "required")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = "info"
	}

	toolArgs, err := marshalNullable(entry.ToolArgs)
	if err != nil {
		return fmt.Errorf("failed to marshal tool args: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO task_logs (id, run_id, task_id, level, message, tool_id, tool_args, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.RunID, entry.TaskID, entry.Level, entry.Message,
		entry.ToolID, toolArgs, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append task log: %w", err)
	}
	return nil
}

// ListTaskLogs returns a task's log lines oldest-first. limit <= 0 returns
// everything.
func (s *TaskService) ListTaskLogs(ctx context.Context, taskID string, limit int) ([]*models.TaskLogEntry, error) {
	query := `SELECT id, run_id, task_id, level, message, tool_id, tool_args, created_at
		FROM task_logs WHERE task_id = $1 ORDER BY created_at ASC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.TaskLogEntry
	for rows.Next() {
		var e models.TaskLogEntry
		var toolArgs []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.TaskID, &e.Level, &e.Message,
			&e.ToolID, &toolArgs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task log: %w", err)
		}
		if len(toolArgs) > 0 {
			if err := json.Unmarshal(toolArgs, &e.ToolArgs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool args: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list task logs: %w", err)
	}
	return entries, nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var task models.Task
	var dependsOn, gates, targetFiles, verification []byte
	err := row.Scan(
		&task.ID, &task.RunID, &task.Title, &task.Description, &task.Agent,
		&dependsOn, &gates, &targetFiles, &task.Priority, &task.MaxAttempts,
		&task.Skippable, &task.Status, &task.Attempt, &task.Result, &task.Error,
		&task.BlockedBy, &task.CommitRef, &verification, &task.CreatedAt,
		&task.StartedAt, &task.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(dependsOn, &task.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to unmarshal depends_on: %w", err)
	}
	if err := json.Unmarshal(gates, &task.Gates); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gates: %w", err)
	}
	if len(targetFiles) > 0 {
		if err := json.Unmarshal(targetFiles, &task.TargetFiles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal target_files: %w", err)
		}
	}
	if len(verification) > 0 {
		if err := json.Unmarshal(verification, &task.Verification); err != nil {
			return nil, fmt.Errorf("failed to unmarshal verification: %w", err)
		}
	}
	return &task, nil
}

// emptyIfNil keeps depends_on a JSON array rather than null.
func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyGatesIfNil(g []models.QualityGate) []models.QualityGate {
	if g == nil {
		return []models.QualityGate{}
	}
	return g
}

func marshalNullableSlice(s []string) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func marshalNullableGateResults(r []models.GateResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func marshalNullableVerification(v map[string]models.GateResult) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
