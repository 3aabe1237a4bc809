package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crewline/foreman/pkg/config"
	"github.com/crewline/foreman/pkg/services"
)

// WorkerPool manages a pool of queue workers.
type WorkerPool struct {
	podID    string
	runs     *services.RunService
	config   *config.QueueConfig
	executor Executor
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Run cancel registry: run_id → cancel for the claim holder's context.
	activeRuns map[string]context.CancelFunc
	mu         sync.RWMutex
	started    bool

	// Orphan scan state
	orphans orphanState
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, runs *services.RunService, cfg *config.QueueConfig, executor Executor) *WorkerPool {
	return &WorkerPool{
		podID:      podID,
		runs:       runs,
		config:     cfg,
		executor:   executor,
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		stopCh:     make(chan struct{}),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Start spawns worker goroutines and the orphan scan background task.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.runs, p.config, p.executor, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanScan(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop interrupts in-flight runs and waits for the workers to exit.
// Interrupted runs return to the queue with their snapshots intact, so
// shutdown never has to wait for a run to finish.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool")

	active := p.activeRunIDs()
	if len(active) > 0 {
		slog.Info("Interrupting active runs for requeue",
			"count", len(active),
			"run_ids", active)
	}

	// Flag every worker before interrupting, so none claims fresh work
	// while the others unwind.
	for _, worker := range p.workers {
		worker.signalStop()
	}
	p.interruptActive()

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped")
}

// RegisterRun stores a cancel function so the pool can interrupt the run.
func (p *WorkerPool) RegisterRun(runID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRuns[runID] = cancel
}

// UnregisterRun removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeRuns, runID)
}

// interruptActive cancels every registered run context. The engine treats
// the cancellation as an interruption and requeues each run.
func (p *WorkerPool) interruptActive() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, cancel := range p.activeRuns {
		cancel()
	}
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, activeRuns, err := p.runs.QueueStats(ctx)
	if err != nil {
		slog.Error("Failed to query queue stats for health check",
			"pod_id", p.podID,
			"error", err)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	// DB errors affect health status: a pool that cannot reach the queue
	// is not healthy.
	dbHealthy := err == nil
	isHealthy := len(p.workers) > 0 && dbHealthy && activeRuns <= p.config.MaxConcurrentRuns

	p.orphans.mu.Lock()
	lastScan := p.orphans.lastScan
	requeued := p.orphans.requeued
	p.orphans.mu.Unlock()

	var dbError string
	if err != nil {
		dbError = fmt.Sprintf("queue stats query failed: %v", err)
	}

	return &PoolHealth{
		IsHealthy:       isHealthy,
		DBReachable:     dbHealthy,
		DBError:         dbError,
		PodID:           p.podID,
		ActiveWorkers:   activeWorkers,
		TotalWorkers:    len(p.workers),
		ActiveRuns:      activeRuns,
		MaxConcurrent:   p.config.MaxConcurrentRuns,
		QueueDepth:      queueDepth,
		WorkerStats:     workerStats,
		LastOrphanScan:  lastScan,
		OrphansRequeued: requeued,
	}
}

// activeRunIDs returns IDs of currently processing runs (for logging).
func (p *WorkerPool) activeRunIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeRuns))
	for id := range p.activeRuns {
		ids = append(ids, id)
	}
	return ids
}
