package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crewline/foreman/pkg/services"
)

// orphanState tracks orphan scan metrics (thread-safe).
type orphanState struct {
	mu       sync.Mutex
	lastScan time.Time
	requeued int
}

// runOrphanScan periodically returns runs with stale claims to the queue.
// All pods run this independently; the requeue update is idempotent.
func (p *WorkerPool) runOrphanScan(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.requeueOrphans(ctx); err != nil {
				slog.Error("Orphan scan failed", "error", err)
			}
		}
	}
}

// requeueOrphans is one scan pass. A stale heartbeat means the claiming
// worker died mid-run; the run goes back to the queue and the next claimant
// resumes it from its snapshot.
func (p *WorkerPool) requeueOrphans(ctx context.Context) error {
	ids, err := p.runs.RequeueOrphans(ctx, p.config.OrphanThreshold)
	if err != nil {
		return err
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.requeued += len(ids)
	p.orphans.mu.Unlock()

	if len(ids) > 0 {
		slog.Warn("Requeued orphaned runs", "count", len(ids), "run_ids", ids)
	}
	return nil
}

// RequeueStartupOrphans returns runs still claimed by this pod's worker ids
// to the queue. Called once during startup, before the pool reuses those
// ids: a crashed pod's claims would otherwise wait out the full heartbeat
// threshold. Claims from a previous instance with a larger worker count are
// left to the periodic scan.
func RequeueStartupOrphans(ctx context.Context, runs *services.RunService, podID string, workerCount int) error {
	ids := make([]string, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		ids = append(ids, fmt.Sprintf("%s-worker-%d", podID, i))
	}

	requeued, err := runs.RequeueWorkerClaims(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to requeue startup orphans: %w", err)
	}
	if len(requeued) > 0 {
		slog.Warn("Requeued runs from previous pod instance",
			"pod_id", podID,
			"count", len(requeued),
			"run_ids", requeued)
	}
	return nil
}
