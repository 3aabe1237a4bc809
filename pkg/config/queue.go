package config

import (
	"fmt"
	"time"
)

// QueueConfig contains worker pool configuration. These values control how
// queued runs are polled, claimed, and supervised.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	// Each worker independently polls and drives runs.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentRuns is the global limit of runs executing concurrently
	// across ALL replicas/pods. Enforced by a database count check.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// PollInterval is the base interval for checking queued runs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// RunTimeout is the worker-side ceiling on one run. The engine enforces
	// its own per-run max runtime; this backstop catches a hung run and marks
	// it failed instead of letting it hold a worker forever.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// GracefulShutdownTimeout is the max time to wait for workers to unwind
	// during shutdown. In-flight runs are interrupted and requeued, so this
	// only needs to cover teardown, not run completion.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// HeartbeatInterval is how often a worker refreshes its claim while a
	// run executes. Must be well under OrphanThreshold.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OrphanScanInterval is how often to scan for runs with stale claims.
	OrphanScanInterval time.Duration `yaml:"orphan_scan_interval"`

	// OrphanThreshold is how long a claimed run can go without a heartbeat
	// before it is requeued for another worker to resume.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             4,
		MaxConcurrentRuns:       4,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		RunTimeout:              6 * time.Hour,
		GracefulShutdownTimeout: 30 * time.Second,
		HeartbeatInterval:       15 * time.Second,
		OrphanScanInterval:      1 * time.Minute,
		OrphanThreshold:         2 * time.Minute,
	}
}

// Validate checks the queue configuration for values that would stall or
// destabilize the pool.
func (q *QueueConfig) Validate() error {
	if q == nil {
		return fmt.Errorf("queue configuration is nil")
	}
	if q.WorkerCount < 1 || q.WorkerCount > 50 {
		return fmt.Errorf("worker_count must be between 1 and 50, got %d", q.WorkerCount)
	}
	if q.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be at least 1, got %d", q.MaxConcurrentRuns)
	}
	if q.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", q.PollInterval)
	}
	if q.PollIntervalJitter < 0 {
		return fmt.Errorf("poll_interval_jitter must be non-negative, got %v", q.PollIntervalJitter)
	}
	if q.PollIntervalJitter >= q.PollInterval {
		return fmt.Errorf("poll_interval_jitter must be less than poll_interval (%v >= %v)",
			q.PollIntervalJitter, q.PollInterval)
	}
	if q.RunTimeout <= 0 {
		return fmt.Errorf("run_timeout must be positive, got %v", q.RunTimeout)
	}
	if q.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be positive, got %v", q.GracefulShutdownTimeout)
	}
	if q.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %v", q.HeartbeatInterval)
	}
	if q.OrphanScanInterval <= 0 {
		return fmt.Errorf("orphan_scan_interval must be positive, got %v", q.OrphanScanInterval)
	}
	if q.OrphanThreshold <= 0 {
		return fmt.Errorf("orphan_threshold must be positive, got %v", q.OrphanThreshold)
	}
	if q.HeartbeatInterval >= q.OrphanThreshold {
		return fmt.Errorf("heartbeat_interval must be less than orphan_threshold (%v >= %v)",
			q.HeartbeatInterval, q.OrphanThreshold)
	}
	return nil
}
