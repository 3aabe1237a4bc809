package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewline/foreman/pkg/models"
)

// writeTimeout bounds critical writes that must land even when the caller's
// request context is already gone.
const writeTimeout = 10 * time.Second

// runColumns is the shared scan order for run queries.
const runColumns = `id, name, prompt, workspace_path, config, state,
	plan_json, graph_snapshot, resume_state, branch, error, claimed_by,
	last_heartbeat, created_at, started_at, paused_at, completed_at`

// activeRunStates are the states a claimed run can be in; terminal and paused
// runs are never requeued.
var activeRunStates = []string{
	string(models.RunStateQueued),
	string(models.RunStatePlanning),
	string(models.RunStatePlanReady),
	string(models.RunStateExecuting),
	string(models.RunStateVerifying),
}

// RunService manages run rows: lifecycle state, plan and graph snapshots, and
// the worker claim/heartbeat protocol.
type RunService struct {
	pool *pgxpool.Pool
}

// NewRunService creates a new RunService
func NewRunService(pool *pgxpool.Pool) *RunService {
	return &RunService{pool: pool}
}

// Create persists a new run.
func (s *RunService) Create(httpCtx context.Context, run *models.Run) error {
	if run.ID == "" {
		return NewValidationError("id", "required")
	}
	if run.Prompt == "" {
		return NewValidationError("prompt", "required")
	}
	if run.State == "" {
		return NewValidationError("state", "required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal run config: %w", err)
	}
	planJSON, err := marshalNullable(run.PlanJSON)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	graphJSON, err := marshalNullable(run.GraphSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal graph snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (id, name, prompt, workspace_path, config, state,
			plan_json, graph_snapshot, resume_state, branch, error, claimed_by,
			last_heartbeat, created_at, started_at, paused_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		run.ID, run.Name, run.Prompt, run.WorkspacePath, configJSON, run.State,
		planJSON, graphJSON, run.ResumeState, run.Branch, run.Error, run.ClaimedBy,
		run.LastHeartbeat, run.CreatedAt, run.StartedAt, run.PausedAt, run.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Get retrieves a run by ID.
func (s *RunService) Get(ctx context.Context, id string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// List returns runs newest-first with optional state filtering and pagination.
func (s *RunService) List(ctx context.Context, filters models.RunFilters) (*models.RunListResponse, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []any{}
	if filters.State != "" {
		where = ` WHERE state = $1`
		args = append(args, filters.State)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM runs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		runColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*models.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	return &models.RunListResponse{
		Runs:       runs,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// Update persists every mutable run field except state. State moves only
// through UpdateState or CompareAndSwapState, so a progress write racing an
// operator pause or cancel can never put the old state back.
func (s *RunService) Update(httpCtx context.Context, run *models.Run) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal run config: %w", err)
	}
	planJSON, err := marshalNullable(run.PlanJSON)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	graphJSON, err := marshalNullable(run.GraphSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal graph snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET name = $2, prompt = $3, workspace_path = $4, config = $5,
			plan_json = $6, graph_snapshot = $7, resume_state = $8,
			branch = $9, error = $10, claimed_by = $11, last_heartbeat = $12,
			started_at = $13, paused_at = $14, completed_at = $15
		WHERE id = $1`,
		run.ID, run.Name, run.Prompt, run.WorkspacePath, configJSON,
		planJSON, graphJSON, run.ResumeState, run.Branch, run.Error, run.ClaimedBy,
		run.LastHeartbeat, run.StartedAt, run.PausedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateState sets the run state unconditionally.
func (s *RunService) UpdateState(httpCtx context.Context, id string, state models.RunState) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE runs SET state = $2 WHERE id = $1`, id, state)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSwapState transitions state only when the stored state matches
// from. A lost race returns ErrConcurrentModification so callers can re-read
// and decide.
func (s *RunService) CompareAndSwapState(httpCtx context.Context, id string, from, to models.RunState) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET state = $3 WHERE id = $1 AND state = $2`, id, from, to)
	if err != nil {
		return fmt.Errorf("failed to swap run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check run existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	return nil
}

// Requeue returns a run to the queue from the expected state and clears any
// stale claim in the same statement, so the next free worker can pick it up.
// Used by the resume and retry endpoints.
func (s *RunService) Requeue(httpCtx context.Context, id string, from models.RunState) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET state = $3, claimed_by = NULL WHERE id = $1 AND state = $2`,
		id, from, models.RunStateQueued)
	if err != nil {
		return fmt.Errorf("failed to requeue run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check run existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	return nil
}

// Pause moves a run to paused from the expected state, recording where it
// came from so resume knows what to restore. For claimed runs the engine
// notices the state on its next control poll and refines the pause record;
// for queued runs this statement is the whole pause.
func (s *RunService) Pause(httpCtx context.Context, id string, from models.RunState) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET state = $3, resume_state = $2, paused_at = now()
		WHERE id = $1 AND state = $2`,
		id, from, models.RunStatePaused)
	if err != nil {
		return fmt.Errorf("failed to pause run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check run existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	return nil
}

// Cancel moves a run to cancelled from the expected state, writing the reason
// and completion time and releasing any claim. For claimed runs the engine
// observes the state and unwinds; queued and paused runs have no engine, so
// this statement finishes them.
func (s *RunService) Cancel(httpCtx context.Context, id string, from models.RunState, reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET state = $3, error = $4, completed_at = now(), claimed_by = NULL
		WHERE id = $1 AND state = $2`,
		id, from, models.RunStateCancelled, reason)
	if err != nil {
		return fmt.Errorf("failed to cancel run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check run existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	return nil
}

// ClaimNextQueued atomically claims the oldest unclaimed queued run for
// workerID. FOR UPDATE SKIP LOCKED lets concurrent workers claim disjoint
// runs without blocking each other. Returns (nil, nil) when the queue is
// empty.
func (s *RunService) ClaimNextQueued(ctx context.Context, workerID string) (*models.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE state = $1 AND claimed_by IS NULL
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, models.RunStateQueued)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select queued run: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE runs SET claimed_by = $2, last_heartbeat = $3 WHERE id = $1`,
		run.ID, workerID, now); err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	run.ClaimedBy = &workerID
	run.LastHeartbeat = &now
	return run, nil
}

// Heartbeat refreshes the claim timestamp. ErrNotFound means the claim was
// lost (requeued as an orphan or taken over); the worker must stop the run.
func (s *RunService) Heartbeat(httpCtx context.Context, id, workerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET last_heartbeat = $3 WHERE id = $1 AND claimed_by = $2`,
		id, workerID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseClaim clears the worker claim without touching state, used when a
// worker hands a paused run back to the queue.
func (s *RunService) ReleaseClaim(httpCtx context.Context, id, workerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET claimed_by = NULL WHERE id = $1 AND claimed_by = $2`,
		id, workerID)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueOrphans returns claimed, non-terminal runs whose heartbeat is older
// than staleAfter to the queue so another worker can resume them. Paused runs
// are left alone: resume is an explicit operation.
func (s *RunService) RequeueOrphans(httpCtx context.Context, staleAfter time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-staleAfter)
	rows, err := s.pool.Query(ctx, `
		UPDATE runs SET claimed_by = NULL, state = $1
		WHERE claimed_by IS NOT NULL
		  AND last_heartbeat < $2
		  AND state = ANY($3)
		RETURNING id`,
		models.RunStateQueued, cutoff, activeRunStates)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue orphans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan orphan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to requeue orphans: %w", err)
	}
	return ids, nil
}

// RequeueWorkerClaims returns active runs claimed by the given worker ids to
// the queue and clears their claims, including claims parked on paused or
// terminal rows. Called at startup before a restarted pod reuses those ids.
func (s *RunService) RequeueWorkerClaims(httpCtx context.Context, workerIDs []string) ([]string, error) {
	if len(workerIDs) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start requeue transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE runs SET state = $1
		WHERE claimed_by = ANY($2) AND state = ANY($3)
		RETURNING id`,
		models.RunStateQueued, workerIDs, activeRunStates)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue worker claims: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan requeued id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to requeue worker claims: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE runs SET claimed_by = NULL WHERE claimed_by = ANY($1)`, workerIDs); err != nil {
		return nil, fmt.Errorf("failed to clear worker claims: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit requeue: %w", err)
	}
	return ids, nil
}

// QueueStats reports the number of queued unclaimed runs and the number of
// claimed runs still executing, for capacity checks and health reporting.
func (s *RunService) QueueStats(ctx context.Context) (queued, active int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE state = $1 AND claimed_by IS NULL),
			count(*) FILTER (WHERE claimed_by IS NOT NULL AND state = ANY($2))
		FROM runs`,
		models.RunStateQueued, activeRunStates).Scan(&queued, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return queued, active, nil
}

// ListActiveRuns returns all non-terminal runs oldest-first, used at startup
// to resume interrupted work.
func (s *RunService) ListActiveRuns(ctx context.Context) ([]*models.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE state NOT IN ($1, $2, $3)
		ORDER BY created_at ASC`,
		models.RunStateDone, models.RunStateFailed, models.RunStateCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	return runs, nil
}

// DeleteTerminalRunsBefore removes terminal runs that completed before cutoff
// and reports how many runs were deleted. Tasks and attempts go with them via
// the foreign-key cascade; artifacts and task logs carry run ids without a
// foreign key, so they are swept in the same transaction.
func (s *RunService) DeleteTerminalRunsBefore(httpCtx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to start retention transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM runs
		WHERE state IN ($1, $2, $3) AND completed_at < $4`,
		models.RunStateDone, models.RunStateFailed, models.RunStateCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired run id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to find expired runs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM artifacts WHERE run_id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("failed to delete expired artifacts: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM task_logs WHERE run_id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("failed to delete expired task logs: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM runs WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired runs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit retention delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var run models.Run
	var configJSON, planJSON, graphJSON []byte
	err := row.Scan(
		&run.ID, &run.Name, &run.Prompt, &run.WorkspacePath, &configJSON,
		&run.State, &planJSON, &graphJSON, &run.ResumeState, &run.Branch,
		&run.Error, &run.ClaimedBy, &run.LastHeartbeat,
		&run.CreatedAt, &run.StartedAt, &run.PausedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configJSON, &run.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run config: %w", err)
	}
	if len(planJSON) > 0 {
		if err := json.Unmarshal(planJSON, &run.PlanJSON); err != nil {
			return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
		}
	}
	if len(graphJSON) > 0 {
		if err := json.Unmarshal(graphJSON, &run.GraphSnapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal graph snapshot: %w", err)
		}
	}
	return &run, nil
}

// marshalNullable converts v to jsonb bytes, mapping nil to SQL NULL.
func marshalNullable(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
