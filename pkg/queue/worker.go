package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/crewline/foreman/pkg/config"
	"github.com/crewline/foreman/pkg/models"
	"github.com/crewline/foreman/pkg/services"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and drives runs.
type Worker struct {
	id       string
	podID    string
	runs     *services.RunService
	config   *config.QueueConfig
	executor Executor
	pool     RunRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentRunID  string
	runsProcessed int
	lastActivity  time.Time
}

// RunRegistry is the subset of WorkerPool used by Worker for run registration.
type RunRegistry interface {
	RegisterRun(runID string, cancel context.CancelFunc)
	UnregisterRun(runID string)
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, runs *services.RunService, cfg *config.QueueConfig, executor Executor, pool RunRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		runs:         runs,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.signalStop()
	w.wg.Wait()
}

// signalStop asks the worker to stop without waiting. The pool uses it to
// flag every worker before interrupting their runs, so no worker claims
// fresh work while the others unwind.
func (w *Worker) signalStop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentRunID:  w.currentRunID,
		RunsProcessed: w.runsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoRunsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing run", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a run, and drives it through the
// executor.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Global capacity is best-effort; racy with concurrent workers but
	// bounded by WorkerCount and mitigated by poll jitter.
	_, active, err := w.runs.QueueStats(ctx)
	if err != nil {
		return fmt.Errorf("checking active runs: %w", err)
	}
	if active >= w.config.MaxConcurrentRuns {
		return ErrAtCapacity
	}

	run, err := w.runs.ClaimNextQueued(ctx, w.id)
	if err != nil {
		return fmt.Errorf("claiming run: %w", err)
	}
	if run == nil {
		return ErrNoRunsAvailable
	}

	log := slog.With("run_id", run.ID, "worker_id", w.id)
	log.Info("Run claimed")

	w.setStatus(WorkerStatusWorking, run.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// The worker timeout is a backstop over the engine's own max runtime:
	// a run that outlives it gets failed instead of holding the slot.
	runCtx, cancelRun := context.WithTimeout(ctx, w.config.RunTimeout)
	defer cancelRun()

	w.pool.RegisterRun(run.ID, cancelRun)
	defer w.pool.UnregisterRun(run.ID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(runCtx)
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, run.ID, cancelRun)

	state, execErr := w.executor.Execute(runCtx, run)

	stopHeartbeat()
	w.settleOutcome(ctx, runCtx, run, state, execErr, log)

	// The claim is spent regardless of outcome: paused and requeued runs
	// must be claimable again, terminal rows just get tidied up.
	if err := w.runs.ReleaseClaim(context.Background(), run.ID, w.id); err != nil && !errors.Is(err, services.ErrNotFound) {
		log.Warn("Failed to release claim", "error", err)
	}

	w.mu.Lock()
	w.runsProcessed++
	w.mu.Unlock()

	log.Info("Run processing finished", "state", state)
	return nil
}

// settleOutcome resolves what the worker still owes the run row after the
// executor returns. The executor writes its own terminal and paused states;
// the worker settles only the conditions the executor cannot see from the
// inside.
func (w *Worker) settleOutcome(ctx, runCtx context.Context, run *models.Run, state models.RunState, execErr error, log *slog.Logger) {
	switch state {
	case models.RunStateQueued:
		switch {
		case ctx.Err() != nil || w.stopping():
			log.Info("Run interrupted by shutdown, returned to queue for resume")
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			w.failHungRun(run, log)
		default:
			// Heartbeat lost the claim: another worker owns the run now.
			log.Warn("Run claim lost, abandoning local execution")
		}
	case models.RunStatePaused:
		log.Info("Run paused, claim released until resume")
	case models.RunStateDone, models.RunStateFailed, models.RunStateCancelled:
		if execErr != nil {
			log.Warn("Run finished with error", "state", state, "error", execErr)
		}
	default:
		// The executor must return a terminal, paused, or queued state.
		// Anything else marks the run failed so it cannot wedge the queue.
		log.Error("Executor returned unexpected state, marking run failed", "state", state)
		w.failRun(run, fmt.Sprintf("executor returned unexpected state %q", state), log)
	}
}

// failHungRun settles a run that outlived the worker timeout. The executor
// requeued it on interruption, so the failed state is written over queued.
func (w *Worker) failHungRun(run *models.Run, log *slog.Logger) {
	log.Error("Run exceeded worker timeout, marking failed", "timeout", w.config.RunTimeout)
	w.failRun(run, fmt.Sprintf("run exceeded worker timeout of %v", w.config.RunTimeout), log)
}

// failRun records a worker-decided failure. Terminal writes use a background
// context: the run context is gone by the time these fire.
func (w *Worker) failRun(run *models.Run, msg string, log *slog.Logger) {
	ctx := context.Background()
	now := time.Now().UTC()
	run.Error = &msg
	run.CompletedAt = &now
	if err := w.runs.Update(ctx, run); err != nil {
		log.Error("Failed to record run failure", "error", err)
	}
	if err := w.runs.UpdateState(ctx, run.ID, models.RunStateFailed); err != nil {
		log.Error("Failed to mark run failed", "error", err)
	}
}

// runHeartbeat refreshes the claim while the run executes. Losing the claim
// (requeued as an orphan and taken over) cancels the run context: continuing
// would put two workers on the same run.
func (w *Worker) runHeartbeat(ctx context.Context, runID string, lostClaim context.CancelFunc) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.runs.Heartbeat(ctx, runID, w.id)
			if err == nil {
				continue
			}
			if errors.Is(err, services.ErrNotFound) {
				slog.Warn("Run claim lost, cancelling local execution",
					"run_id", runID, "worker_id", w.id)
				lostClaim()
				return
			}
			slog.Warn("Heartbeat update failed", "run_id", runID, "error", err)
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentRunID = runID
	w.lastActivity = time.Now()
}
