package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewline/foreman/pkg/events"
	"github.com/crewline/foreman/pkg/gates"
	"github.com/crewline/foreman/pkg/gitops"
	"github.com/crewline/foreman/pkg/graph"
	"github.com/crewline/foreman/pkg/models"
	"github.com/crewline/foreman/pkg/planner"
	"github.com/crewline/foreman/pkg/services"
	"github.com/crewline/foreman/pkg/tools"
)

// stopSignal is the first stop condition observed by any goroutine of a run.
// Whichever goroutine wins the CAS owns the terminal transition.
type stopSignal struct {
	state  models.RunState // paused, cancelled, or failed
	reason string
}

// runExec is the per-run execution state shared by the scheduler and the
// task goroutines.
type runExec struct {
	e      *Engine
	run    *models.Run
	logger *slog.Logger
	graph  *graph.Graph
	git    *gitops.Client // nil when git_mode is none
	tools  *tools.Registry
	gates  *gates.Runner

	cancel     context.CancelFunc
	stop       atomic.Pointer[stopSignal]
	iterations atomic.Int64
	deadline   time.Time

	mu        sync.Mutex
	verifying int
	queues    map[string]*eventQueue
	drainers  sync.WaitGroup
}

// Execute drives one claimed run to a terminal or requeueable state and
// returns the state the worker should record. A queued result with a non-nil
// error means the run was interrupted (worker shutdown) and must go back to
// the queue.
func (e *Engine) Execute(ctx context.Context, run *models.Run) (models.RunState, error) {
	run.Config = normalizeRunConfig(run.Config, e.cfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rx := &runExec{
		e:      e,
		run:    run,
		logger: slog.Default().With("run_id", run.ID),
		cancel: cancel,
		queues: make(map[string]*eventQueue),
	}
	rx.tools = workspaceToolset(run.WorkspacePath, e.cfg.CallTimeout)
	if run.Config.GitMode != models.GitModeNone {
		rx.git = gitops.NewClient(run.WorkspacePath)
		if e.cfg.Forge != "" {
			rx.git.SetForge(e.cfg.Forge)
		}
	}
	rx.gates = gates.NewRunner(run.WorkspacePath, rx.consultAgent, e.cfg.Gates)

	start := time.Now().UTC()
	if run.StartedAt != nil {
		start = *run.StartedAt
	}
	if hours := run.Config.MaxRuntimeHours; hours > 0 {
		rx.deadline = start.Add(time.Duration(hours * float64(time.Hour)))
	}

	restored := false
	if len(run.GraphSnapshot) > 0 {
		g, err := rx.restoreGraph(runCtx)
		if err != nil {
			rx.logger.Warn("Failed to restore graph snapshot, replanning", "error", err)
		} else {
			rx.graph = g
			restored = true
		}
	}

	if restored {
		resumedFrom := ""
		if run.ResumeState != nil {
			resumedFrom = *run.ResumeState
		}
		run.ResumeState = nil
		run.PausedAt = nil
		rx.swapState(runCtx, run.State, models.RunStateExecuting)
		rx.persist(runCtx)
		rx.emit(runCtx, events.TypeResumed, map[string]any{"from": resumedFrom})
	} else {
		g, err := rx.planPhase(runCtx)
		if err != nil {
			if ctx.Err() != nil {
				return rx.interrupted(ctx.Err())
			}
			return rx.finishFailed(fmt.Errorf("planning: %w", err))
		}
		rx.graph = g
		rx.swapState(runCtx, models.RunStatePlanReady, models.RunStateExecuting)
		rx.persist(runCtx)
	}

	rx.executeLoop(runCtx)
	rx.closeQueues()

	if sig := rx.stop.Load(); sig != nil {
		switch sig.state {
		case models.RunStatePaused:
			return rx.finishPaused()
		case models.RunStateCancelled:
			return rx.finishCancelled(sig.reason)
		default:
			return rx.finishFailed(errors.New(sig.reason))
		}
	}
	if ctx.Err() != nil {
		// Worker shutdown or takeover: the claim is released by the caller
		// and the snapshot already holds everything needed to resume.
		return rx.interrupted(ctx.Err())
	}
	return rx.finalize()
}

// ────────────────────────────────────────────────────────────
// Planning
// ────────────────────────────────────────────────────────────

// planPhase invokes the planner, persists the plan and its tasks, prepares
// the branch, and returns the validated graph.
func (rx *runExec) planPhase(ctx context.Context) (*graph.Graph, error) {
	e, run := rx.e, rx.run

	now := time.Now().UTC()
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	// A run paused while still queued resumes here without a snapshot; its
	// pause record must not outlive the fresh plan.
	run.ResumeState = nil
	run.PausedAt = nil
	rx.swapState(ctx, run.State, models.RunStatePlanning)
	rx.persist(ctx)
	rx.emit(ctx, events.TypeProjectStarted, map[string]any{
		"name":   run.Name,
		"prompt": clip(run.Prompt, 500),
	})

	plannerID := run.Config.PlannerAgent
	if plannerID == "" {
		plannerID = e.cfg.PlannerAgent
	}
	rx.emit(ctx, events.TypePlanningStarted, map[string]any{"agent": plannerID})

	prompt := planner.BuildPrompt(run.Prompt, run.WorkspacePath, e.cfg.AgentDescriptions, gateNames())
	response, err := rx.chatText(ctx, plannerID, prompt)
	if err != nil {
		return nil, fmt.Errorf("planner %s: %w", plannerID, err)
	}

	opts := planner.Options{
		DefaultAgent: e.cfg.DefaultAgent,
		KnownAgents:  knownAgentIDs(e.cfg.AgentDescriptions),
		MaxAttempts:  run.Config.MaxAttempts,
	}
	plan := planner.ParseOrFallback(run.ID, response, run.Prompt, opts)

	g, err := graph.New(run.ID, plan.Tasks, run.Config.FailFast)
	if err != nil {
		return nil, fmt.Errorf("plan graph: %w", err)
	}

	if err := e.tasks.CreateTasks(ctx, plan.Tasks); err != nil {
		return nil, fmt.Errorf("persist tasks: %w", err)
	}
	run.PlanJSON = planDocument(plan)

	if rx.git != nil {
		rx.prepareBranch(ctx)
	}

	rx.graph = g
	rx.swapState(ctx, models.RunStatePlanning, models.RunStatePlanReady)
	rx.persist(ctx)
	rx.emit(ctx, events.TypePlanningCompleted, map[string]any{
		"task_count": len(plan.Tasks),
		"tasks":      taskSummaries(plan.Tasks),
	})
	return g, nil
}

// prepareBranch makes the workspace ready for auto-commits. Git trouble is
// logged, never fatal: the run proceeds without version control.
func (rx *runExec) prepareBranch(ctx context.Context) {
	git, run := rx.git, rx.run

	if !git.IsRepo(ctx) {
		if err := git.Init(ctx); err != nil {
			rx.logger.Warn("Failed to init repository", "error", err)
			return
		}
	}
	if err := git.EnsureIdentity(ctx); err != nil {
		rx.logger.Warn("Failed to ensure git identity", "error", err)
	}
	if run.Config.GitMode == models.GitModeRemote && run.Config.GitRemoteURL != "" && !git.HasRemote(ctx) {
		if err := git.AddRemote(ctx, "origin", run.Config.GitRemoteURL); err != nil {
			rx.logger.Warn("Failed to add remote", "error", err)
		}
	}

	branch := gitops.BranchName(run.ID, run.Name)
	if err := git.CreateBranch(ctx, branch); err != nil {
		rx.logger.Warn("Failed to create branch", "branch", branch, "error", err)
		return
	}
	run.Branch = &branch
}

// restoreGraph rebuilds the graph from the persisted tasks and the stored
// snapshot. In-flight statuses roll back to ready with attempts preserved.
func (rx *runExec) restoreGraph(ctx context.Context) (*graph.Graph, error) {
	tasks, err := rx.e.tasks.ListByRun(ctx, rx.run.ID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, errors.New("no persisted tasks to restore")
	}

	g, err := graph.New(rx.run.ID, tasks, rx.run.Config.FailFast)
	if err != nil {
		return nil, fmt.Errorf("rebuild graph: %w", err)
	}
	snap, err := graph.SnapshotFromDocument(rx.run.GraphSnapshot)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := g.Restore(snap); err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}

	// Rebuild the run-wide attempt counter from the restored nodes so the
	// iteration ceiling survives the restart.
	var attempts int64
	for _, t := range g.Tasks() {
		attempts += int64(t.Attempt)
	}
	rx.iterations.Store(attempts)
	return g, nil
}

// ────────────────────────────────────────────────────────────
// Terminal transitions
// ────────────────────────────────────────────────────────────

// finalize resolves the run once every task is terminal: push, pull request,
// terminal state, terminal event.
func (rx *runExec) finalize() (models.RunState, error) {
	ctx := context.Background()
	run := rx.run

	counts := rx.graph.Counts()
	failed := counts[models.TaskStatusFailed] + counts[models.TaskStatusBlocked]

	if rx.git != nil && run.Branch != nil {
		rx.finalizeGit(ctx, counts)
	}

	now := time.Now().UTC()
	run.CompletedAt = &now

	if failed > 0 {
		msg := fmt.Sprintf("%d of %d tasks did not complete", failed, len(rx.graph.Tasks()))
		run.Error = &msg
		rx.persist(ctx)
		rx.setState(ctx, models.RunStateFailed)
		rx.emit(ctx, events.TypeProjectFailed, map[string]any{
			"error": msg,
			"tasks": statusCounts(counts),
		})
		return models.RunStateFailed, nil
	}

	run.Error = nil
	rx.persist(ctx)
	rx.setState(ctx, models.RunStateDone)
	rx.emit(ctx, events.TypeProjectCompleted, map[string]any{
		"tasks":      statusCounts(counts),
		"iterations": rx.iterations.Load(),
	})
	return models.RunStateDone, nil
}

// finalizeGit pushes the branch and opens the pull request when configured.
// Every git failure is logged and swallowed; version control never decides a
// run's fate.
func (rx *runExec) finalizeGit(ctx context.Context, counts map[models.TaskStatus]int) {
	run := rx.run
	branch := *run.Branch

	pushed := false
	if run.Config.PushToRemote {
		if !rx.git.HasRemote(ctx) {
			rx.logger.Warn("Push requested but no remote configured", "branch", branch)
		} else if err := rx.git.Push(ctx, branch, true); err != nil {
			rx.logger.Warn("Failed to push branch", "branch", branch, "error", err)
		} else {
			pushed = true
			rx.emit(ctx, events.TypeGitPush, map[string]any{"branch": branch})
		}
	}

	if run.Config.CreatePR && pushed {
		base := run.Config.PRBaseBranch
		if base == "" {
			base = "main"
		}
		title := run.Name
		if title == "" {
			title = clip(run.Prompt, 72)
		}
		url, err := rx.git.CreatePullRequest(ctx, title, rx.pullRequestBody(counts), base, branch)
		if err != nil {
			rx.logger.Warn("Failed to create pull request", "branch", branch, "error", err)
			return
		}
		rx.emit(ctx, events.TypeGitPRCreated, map[string]any{"url": url, "base": base, "head": branch})
	}
}

// pullRequestBody enumerates task outcomes for the forge.
func (rx *runExec) pullRequestBody(counts map[models.TaskStatus]int) string {
	var sb strings.Builder
	sb.WriteString("## Tasks\n\n")
	for _, t := range rx.graph.Tasks() {
		switch t.Status {
		case models.TaskStatusCompleted:
			ref := ""
			if t.CommitRef != nil {
				ref = " (" + *t.CommitRef + ")"
			}
			fmt.Fprintf(&sb, "- [x] %s%s\n", t.Title, ref)
		case models.TaskStatusSkipped:
			fmt.Fprintf(&sb, "- [ ] %s (skipped)\n", t.Title)
		default:
			reason := string(t.Status)
			if t.Error != nil {
				reason = clip(*t.Error, 120)
			}
			fmt.Fprintf(&sb, "- [ ] %s: %s\n", t.Title, reason)
		}
	}
	fmt.Fprintf(&sb, "\n%d completed, %d failed, %d skipped, %d blocked across %d attempts.\n",
		counts[models.TaskStatusCompleted], counts[models.TaskStatusFailed],
		counts[models.TaskStatusSkipped], counts[models.TaskStatusBlocked],
		rx.iterations.Load())
	return sb.String()
}

// finishPaused writes the pause record. The graph snapshot is already part
// of every persist; resume_state marks where the loop left off.
func (rx *runExec) finishPaused() (models.RunState, error) {
	ctx := context.Background()
	run := rx.run

	resumeFrom := string(models.RunStateExecuting)
	run.ResumeState = &resumeFrom
	now := time.Now().UTC()
	run.PausedAt = &now
	rx.persist(ctx)
	rx.setState(ctx, models.RunStatePaused)
	rx.emit(ctx, events.TypePaused, map[string]any{"resume_state": resumeFrom})
	return models.RunStatePaused, nil
}

func (rx *runExec) finishCancelled(reason string) (models.RunState, error) {
	ctx := context.Background()
	run := rx.run

	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Error = &reason
	rx.persist(ctx)
	rx.setState(ctx, models.RunStateCancelled)
	rx.emit(ctx, events.TypeProjectCancelled, map[string]any{"reason": reason})
	return models.RunStateCancelled, nil
}

func (rx *runExec) finishFailed(cause error) (models.RunState, error) {
	ctx := context.Background()
	run := rx.run

	msg := cause.Error()
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Error = &msg
	rx.persist(ctx)
	rx.setState(ctx, models.RunStateFailed)
	rx.emit(ctx, events.TypeProjectFailed, map[string]any{"error": msg})
	return models.RunStateFailed, cause
}

// interrupted hands the run back to the queue after a worker shutdown. The
// swap is conditional per source state: an operator pause or cancel that
// landed during shutdown stands. No terminal event, the run is not over.
func (rx *runExec) interrupted(cause error) (models.RunState, error) {
	ctx := context.Background()

	if rx.claimLost(ctx) {
		rx.logger.Warn("Run claim lost, leaving the row to its new owner", "error", cause)
		return models.RunStateQueued, cause
	}
	rx.persist(ctx)

	for _, from := range []models.RunState{
		models.RunStateExecuting, models.RunStateVerifying,
		models.RunStatePlanning, models.RunStatePlanReady,
	} {
		err := rx.e.runs.CompareAndSwapState(ctx, rx.run.ID, from, models.RunStateQueued)
		if err == nil {
			rx.run.State = models.RunStateQueued
			break
		}
		if !errors.Is(err, services.ErrConcurrentModification) {
			rx.logger.Warn("Failed to requeue interrupted run", "error", err)
			break
		}
	}
	rx.logger.Info("Run interrupted, returned to queue", "error", cause)
	return models.RunStateQueued, cause
}

// claimLost reports whether another worker took over the run's claim, which
// happens when this worker's heartbeat went stale and the orphan scan handed
// the run on. Writing anything after that would fight the new owner.
func (rx *runExec) claimLost(ctx context.Context) bool {
	if rx.run.ClaimedBy == nil {
		return false
	}
	current, err := rx.e.runs.Get(ctx, rx.run.ID)
	if err != nil {
		return false
	}
	return current.ClaimedBy != nil && *current.ClaimedBy != *rx.run.ClaimedBy
}

// ────────────────────────────────────────────────────────────
// Shared per-run helpers
// ────────────────────────────────────────────────────────────

// requestStop records the first stop condition and cancels the run context.
// Later calls lose the race and are ignored.
func (rx *runExec) requestStop(state models.RunState, reason string) {
	sig := &stopSignal{state: state, reason: reason}
	if rx.stop.CompareAndSwap(nil, sig) {
		rx.logger.Info("Run stop requested", "state", state, "reason", reason)
		rx.cancel()
	}
}

func (rx *runExec) stopping() bool { return rx.stop.Load() != nil }

// persist writes the run row including the current graph snapshot. Failures
// are logged: losing one write only widens the replay window after a crash.
func (rx *runExec) persist(ctx context.Context) {
	if rx.graph != nil {
		doc, err := rx.graph.Snapshot().Document()
		if err != nil {
			rx.logger.Warn("Failed to encode graph snapshot", "error", err)
		} else {
			rx.run.GraphSnapshot = doc
		}
	}
	if err := rx.e.runs.Update(ctx, rx.run); err != nil {
		rx.logger.Warn("Failed to persist run", "error", err)
	}
}

// persistTask mirrors one graph node into its task row.
func (rx *runExec) persistTask(ctx context.Context, t *models.Task) {
	if err := rx.e.tasks.Update(ctx, t); err != nil {
		rx.logger.Warn("Failed to persist task", "task_id", t.ID, "error", err)
	}
}

// setState writes the state column unconditionally. Only terminal outcomes
// and pause/cancel acknowledgements use it; forward transitions go through
// swapState so an operator request is never overwritten.
func (rx *runExec) setState(ctx context.Context, state models.RunState) {
	if err := rx.e.runs.UpdateState(ctx, rx.run.ID, state); err != nil {
		rx.logger.Warn("Failed to update run state", "state", state, "error", err)
	}
	rx.run.State = state
}

// swapState flips the persisted run state only when nothing else moved it.
// A lost race (pause or cancel landed first) is left for the control poll.
func (rx *runExec) swapState(ctx context.Context, from, to models.RunState) {
	err := rx.e.runs.CompareAndSwapState(ctx, rx.run.ID, from, to)
	if err == nil {
		rx.run.State = to
		return
	}
	if !errors.Is(err, services.ErrConcurrentModification) {
		rx.logger.Warn("Failed to swap run state", "from", from, "to", to, "error", err)
	}
}

// beginVerify/endVerify hold the run in verifying while at least one task is
// in gate verification.
func (rx *runExec) beginVerify(ctx context.Context) {
	rx.mu.Lock()
	rx.verifying++
	first := rx.verifying == 1
	rx.mu.Unlock()
	if first {
		rx.swapState(ctx, models.RunStateExecuting, models.RunStateVerifying)
	}
}

func (rx *runExec) endVerify(ctx context.Context) {
	rx.mu.Lock()
	rx.verifying--
	last := rx.verifying == 0
	rx.mu.Unlock()
	if last {
		rx.swapState(ctx, models.RunStateVerifying, models.RunStateExecuting)
	}
}

// emit publishes one run event, best effort.
func (rx *runExec) emit(ctx context.Context, eventType string, data map[string]any) {
	rx.e.emit(ctx, eventType, rx.run.ID, data)
}

// queueFor returns the task's progress event queue, starting its drainer on
// first use.
func (rx *runExec) queueFor(ctx context.Context, taskID string) *eventQueue {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	q, ok := rx.queues[taskID]
	if ok {
		return q
	}
	q = newEventQueue(rx.e.cfg.EventQueueSize)
	rx.queues[taskID] = q
	rx.drainers.Add(1)
	go func() {
		defer rx.drainers.Done()
		q.drain(ctx, func(eventType string, data map[string]any) {
			if data == nil {
				data = map[string]any{}
			}
			data["task_id"] = taskID
			rx.emit(ctx, eventType, data)
		})
	}()
	return q
}

func (rx *runExec) closeQueues() {
	rx.mu.Lock()
	for _, q := range rx.queues {
		q.close()
	}
	rx.mu.Unlock()
	rx.drainers.Wait()
}

// reserveAttempt consumes one slot of the run-wide iteration budget.
func (rx *runExec) reserveAttempt() bool {
	return rx.iterations.Add(1) <= int64(rx.run.Config.MaxTotalIterations)
}

// ────────────────────────────────────────────────────────────
// Small helpers
// ────────────────────────────────────────────────────────────

func normalizeRunConfig(rc models.RunConfig, cfg Config) models.RunConfig {
	if rc.ParallelTasks <= 0 {
		rc.ParallelTasks = cfg.ParallelTasks
	}
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if rc.MaxRuntimeHours <= 0 {
		rc.MaxRuntimeHours = cfg.MaxRuntime.Hours()
	}
	if rc.MaxTotalIterations <= 0 {
		rc.MaxTotalIterations = cfg.MaxTotalIterations
	}
	if rc.PlannerAgent == "" {
		rc.PlannerAgent = cfg.PlannerAgent
	}
	if rc.GitMode == "" {
		rc.GitMode = models.GitModeNone
	}
	return rc
}

// workspaceToolset builds the filesystem and shell tools jailed to the run's
// workspace. Guardrails enforce policy on top of the jail.
func workspaceToolset(workspace string, callTimeout time.Duration) *tools.Registry {
	reg := tools.NewRegistry()
	for _, t := range []tools.Tool{
		tools.NewFilesystemTool(workspace),
		tools.NewShellTool(workspace, callTimeout),
	} {
		// The built-in schemas are static; a rejection is a programming bug.
		if err := reg.Register(t); err != nil {
			slog.Error("Failed to register tool", "tool", t.ID(), "error", err)
		}
	}
	return reg
}

func gateNames() []string {
	return []string{
		string(models.GateTestsPass),
		string(models.GateReviewApproved),
		string(models.GateLintClean),
		string(models.GateTypeCheck),
		string(models.GateBuildSuccess),
	}
}

func knownAgentIDs(descriptions map[string]string) []string {
	ids := make([]string, 0, len(descriptions))
	for id := range descriptions {
		ids = append(ids, id)
	}
	return ids
}

// planDocument shapes the normalized plan for the run row.
func planDocument(plan *planner.Plan) map[string]any {
	var tasks any
	if err := json.Unmarshal([]byte(plan.RawJSON), &tasks); err != nil {
		return map[string]any{"raw": plan.RawJSON}
	}
	return map[string]any{"tasks": tasks}
}

func taskSummaries(tasks []*models.Task) []map[string]any {
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{
			"id":         t.ID,
			"title":      t.Title,
			"agent":      t.Agent,
			"depends_on": t.DependsOn,
		})
	}
	return out
}

func statusCounts(counts map[models.TaskStatus]int) map[string]any {
	out := make(map[string]any, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	return out
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
