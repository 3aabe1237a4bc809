package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crewline/foreman/pkg/models"
)

// executeLoop schedules ready tasks until every task is terminal or a stop
// condition fires. Task outcomes are not Go errors, so the errgroup only
// bounds the fan-out; failures travel through the graph.
func (rx *runExec) executeLoop(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(rx.run.Config.ParallelTasks)
	var inflight atomic.Int64

	for {
		if ctx.Err() != nil || rx.stopping() {
			break
		}
		if rx.checkControls(ctx) {
			break
		}
		if rx.graph.AllTerminal() && inflight.Load() == 0 {
			break
		}

		launched := 0
		for _, t := range rx.graph.ReadyTasks() {
			if inflight.Load() >= int64(rx.run.Config.ParallelTasks) {
				break
			}
			// Claim before launch: a double pass over the ready set can
			// never start the same task twice.
			if err := rx.graph.MarkRunning(t.ID); err != nil {
				continue
			}
			task := t
			inflight.Add(1)
			g.Go(func() error {
				defer inflight.Add(-1)
				rx.runTask(ctx, task)
				return nil
			})
			launched++
		}

		if launched == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(rx.e.cfg.ScheduleTick):
			}
		}
	}

	g.Wait()
}

// checkControls polls the persisted control state and the global ceilings.
// Returns true when the loop must unwind.
func (rx *runExec) checkControls(ctx context.Context) bool {
	current, err := rx.e.runs.Get(ctx, rx.run.ID)
	if err != nil {
		// One missed poll widens the reaction window, nothing more.
		rx.logger.Warn("Failed to poll run state", "error", err)
	} else {
		switch current.State {
		case models.RunStatePaused:
			rx.requestStop(models.RunStatePaused, "paused by operator")
			return true
		case models.RunStateCancelled:
			// The cancel endpoint stores the operator's reason in the error
			// column; carry it into the terminal record and event.
			reason := "cancelled by operator"
			if current.Error != nil && *current.Error != "" {
				reason = *current.Error
			}
			rx.requestStop(models.RunStateCancelled, reason)
			return true
		}
	}

	if !rx.deadline.IsZero() && time.Now().After(rx.deadline) {
		rx.requestStop(models.RunStateFailed,
			fmt.Sprintf("run exceeded max runtime of %.1fh", rx.run.Config.MaxRuntimeHours))
		return true
	}
	if rx.iterations.Load() > int64(rx.run.Config.MaxTotalIterations) {
		rx.requestStop(models.RunStateFailed,
			fmt.Sprintf("run exceeded max total iterations (%d)", rx.run.Config.MaxTotalIterations))
		return true
	}
	return false
}
