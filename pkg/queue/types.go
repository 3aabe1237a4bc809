// Package queue distributes queued runs across worker goroutines. Claims go
// through FOR UPDATE SKIP LOCKED so every replica polls the same table
// without stepping on the others; heartbeats plus the orphan scan hand a
// dead worker's runs to the next claimant, which resumes them from their
// persisted snapshots.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/crewline/foreman/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoRunsAvailable indicates no queued runs are waiting.
	ErrNoRunsAvailable = errors.New("no runs available")

	// ErrAtCapacity indicates the global concurrent run limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// Executor drives one claimed run until it is terminal, paused, or handed
// back for requeue. It writes run and task progress to the database as it
// goes; the worker supplies only the claim, the heartbeat, and the context.
//
// The returned state tells the worker how the run left the executor: queued
// means interrupted (shutdown or a lost claim) and ready for another worker
// to resume; paused and the terminal states were already written by the
// executor itself.
type Executor interface {
	Execute(ctx context.Context, run *models.Run) (models.RunState, error)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy       bool           `json:"is_healthy"`
	DBReachable     bool           `json:"db_reachable"`
	DBError         string         `json:"db_error,omitempty"`
	PodID           string         `json:"pod_id"`
	ActiveWorkers   int            `json:"active_workers"`
	TotalWorkers    int            `json:"total_workers"`
	ActiveRuns      int            `json:"active_runs"`
	MaxConcurrent   int            `json:"max_concurrent"`
	QueueDepth      int            `json:"queue_depth"`
	WorkerStats     []WorkerHealth `json:"worker_stats"`
	LastOrphanScan  time.Time      `json:"last_orphan_scan"`
	OrphansRequeued int            `json:"orphans_requeued"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentRunID  string    `json:"current_run_id,omitempty"`
	RunsProcessed int       `json:"runs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
