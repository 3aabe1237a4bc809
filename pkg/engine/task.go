package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/foreman/pkg/events"
	"github.com/crewline/foreman/pkg/gates"
	"github.com/crewline/foreman/pkg/models"
	"github.com/crewline/foreman/pkg/recovery"
)

// runTask drives one claimed task through its attempt/verify loop until it
// is terminal or the run stops. The scheduler already marked the task
// running (attempt 1); this goroutine is the node's only writer from here.
func (rx *runExec) runTask(ctx context.Context, t *models.Task) {
	logger := rx.logger.With("task_id", t.ID, "title", t.Title)
	queue := rx.queueFor(ctx, t.ID)

	feedback := ""
	fallbackUsed := false

	for {
		if ctx.Err() != nil || rx.stopping() {
			return
		}
		if t.Attempt == 0 {
			// Fresh fallback assignment: open its first attempt.
			if err := rx.graph.NextAttempt(t.ID); err != nil {
				rx.failTask(ctx, t, "attempt cycling: "+err.Error())
				return
			}
		}
		attempt := t.Attempt

		if !rx.reserveAttempt() {
			rx.requestStop(models.RunStateFailed,
				fmt.Sprintf("run exceeded max total iterations (%d)", rx.run.Config.MaxTotalIterations))
			return
		}

		rx.persistTask(ctx, t)
		rx.emit(ctx, events.TypeTaskStarted, map[string]any{
			"task_id": t.ID,
			"title":   t.Title,
			"agent":   t.Agent,
			"attempt": attempt,
		})

		startedAt := time.Now().UTC()
		text, err := rx.runAgentAttempt(ctx, t, feedback, queue)
		if err != nil {
			if ctx.Err() != nil || rx.stopping() {
				return
			}
			logger.Warn("Agent attempt failed", "agent", t.Agent, "attempt", attempt, "error", err)
			rx.recordAttempt(ctx, t, attempt, text, nil, err.Error(), "", startedAt)
			if rx.handleAgentError(ctx, t, attempt, err, &fallbackUsed) {
				return
			}
			feedback = ""
			continue
		}

		rx.beginVerify(ctx)
		if err := rx.graph.MarkVerifying(t.ID); err != nil {
			logger.Warn("Failed to mark verifying", "error", err)
		}
		rx.persistTask(ctx, t)
		outcome := rx.evaluateGates(ctx, t, text)
		rx.endVerify(ctx)

		if outcome.Passed {
			commitRef := rx.maybeCommit(ctx, t)
			rx.recordAttempt(ctx, t, attempt, text, outcome.Results, "", commitRef, startedAt)
			rx.completeTask(ctx, t, text, attempt)
			return
		}

		feedback = outcome.Feedback
		rx.recordAttempt(ctx, t, attempt, text, outcome.Results, feedback, "", startedAt)

		if t.Attempt >= t.MaxAttempts {
			if rx.exhausted(ctx, t, feedback, &fallbackUsed) {
				return
			}
			// Reassigned to a fallback agent; its description carries the
			// failure context, so the gate feedback is spent.
			feedback = ""
			continue
		}

		rx.emit(ctx, events.TypeTaskFixing, map[string]any{
			"task_id":  t.ID,
			"attempt":  attempt,
			"feedback": clip(feedback, 2000),
		})
		if err := rx.graph.NextAttempt(t.ID); err != nil {
			rx.failTask(ctx, t, "attempt cycling: "+err.Error())
			return
		}
		rx.persistTask(ctx, t)
	}
}

// handleAgentError applies the recovery policy to a failed agent call.
// Returns true when the task is terminally failed; false means the loop
// continues with the attempt counter already advanced (or reset by a
// fallback reassignment).
func (rx *runExec) handleAgentError(ctx context.Context, t *models.Task, attempt int, callErr error, fallbackUsed *bool) bool {
	advice := rx.e.cfg.Recovery.Advise(t.Agent, attempt, callErr.Error())
	rx.logger.Info("Recovery advice for agent error",
		"task_id", t.ID, "kind", advice.Kind, "strategy", advice.Strategy)

	attemptsLeft := t.Attempt < t.MaxAttempts

	eventType := events.TypeError
	if advice.Kind == recovery.KindTimeout {
		eventType = events.TypeTimeout
	}
	rx.emit(ctx, eventType, map[string]any{
		"task_id":  t.ID,
		"agent":    t.Agent,
		"attempt":  attempt,
		"kind":     string(advice.Kind),
		"strategy": string(advice.Strategy),
		"error":    clip(callErr.Error(), 2000),
	})

	switch advice.Strategy {
	case recovery.StrategyRetry:
		if !attemptsLeft {
			rx.failTask(ctx, t, callErr.Error())
			return true
		}
		rx.sleep(ctx, advice.Delay)
		return rx.nextAttemptOrFail(ctx, t)

	case recovery.StrategyFallback:
		if next := rx.pickFallback(advice.Fallbacks); next != "" && !*fallbackUsed {
			*fallbackUsed = true
			rx.fallbackReassign(ctx, t, callErr.Error(), next)
			return false
		}
		if !attemptsLeft {
			rx.failTask(ctx, t, callErr.Error())
			return true
		}
		return rx.nextAttemptOrFail(ctx, t)

	case recovery.StrategyDiagnose:
		rx.runDiagnosis(ctx, t, callErr.Error())
		if !attemptsLeft {
			rx.failTask(ctx, t, callErr.Error())
			return true
		}
		return rx.nextAttemptOrFail(ctx, t)

	default: // abort
		rx.failTask(ctx, t, callErr.Error())
		return true
	}
}

// exhausted resolves a task that burned its attempt budget on gate failures.
// Recovery may hand it to a fallback agent once; otherwise the task fails,
// optionally with a recorded diagnosis.
func (rx *runExec) exhausted(ctx context.Context, t *models.Task, feedback string, fallbackUsed *bool) bool {
	advice := rx.e.cfg.Recovery.Advise(t.Agent, t.Attempt, feedback)
	rx.logger.Info("Attempts exhausted",
		"task_id", t.ID, "kind", advice.Kind, "strategy", advice.Strategy)

	if advice.Strategy == recovery.StrategyFallback && !*fallbackUsed {
		if next := rx.pickFallback(advice.Fallbacks); next != "" {
			*fallbackUsed = true
			rx.fallbackReassign(ctx, t, feedback, next)
			return false
		}
	}
	if advice.Strategy == recovery.StrategyDiagnose {
		rx.runDiagnosis(ctx, t, feedback)
	}
	rx.failTask(ctx, t, feedback)
	return true
}

// pickFallback returns the first fallback agent that is actually registered.
// An agent the registry cannot serve would only convert one failure into
// another.
func (rx *runExec) pickFallback(candidates []string) string {
	for _, id := range candidates {
		if rx.e.registry.Has(id) {
			return id
		}
	}
	return ""
}

// nextAttemptOrFail advances the attempt counter; a refused transition fails
// the task instead of looping forever.
func (rx *runExec) nextAttemptOrFail(ctx context.Context, t *models.Task) bool {
	if err := rx.graph.NextAttempt(t.ID); err != nil {
		rx.failTask(ctx, t, "attempt cycling: "+err.Error())
		return true
	}
	rx.persistTask(ctx, t)
	return false
}

// fallbackReassign hands the task to a fallback agent with a rewritten
// description and a reset attempt budget.
func (rx *runExec) fallbackReassign(ctx context.Context, t *models.Task, errText, agentID string) {
	desc := recovery.BuildFallbackDescription(recovery.FallbackInput{
		OriginalGoal: t.Description,
		FailedAgent:  t.Agent,
		ErrorText:    clip(errText, 2000),
		Progress:     rx.progressSummary(ctx, t),
	})
	from := t.Agent
	if err := rx.graph.ReassignAgent(t.ID, agentID, desc); err != nil {
		rx.logger.Warn("Failed to reassign task", "task_id", t.ID, "error", err)
		return
	}
	rx.persistTask(ctx, t)
	rx.logger.Info("Task handed to fallback agent", "task_id", t.ID, "from", from, "to", agentID)
	rx.emit(ctx, events.TypeTaskFixing, map[string]any{
		"task_id":       t.ID,
		"fallback_from": from,
		"agent":         agentID,
	})
}

// runDiagnosis asks a reviewer why the task keeps failing. The output is
// recorded as a task log and artifact; it consumes no attempt.
func (rx *runExec) runDiagnosis(ctx context.Context, t *models.Task, errText string) {
	reviewer := rx.e.cfg.Gates.ReviewerAgent
	if !rx.e.registry.Has(reviewer) {
		reviewer = rx.e.cfg.DefaultAgent
	}
	prompt := recovery.BuildDiagnosticPrompt(recovery.DiagnosticInput{
		TaskTitle:   t.Title,
		Description: t.Description,
		ErrorText:   clip(errText, 2000),
		Attempts:    t.Attempt,
	})

	out, err := rx.chatText(ctx, reviewer, prompt)
	if err != nil {
		rx.logger.Warn("Diagnosis failed", "task_id", t.ID, "agent", reviewer, "error", err)
		return
	}
	rx.appendTaskLog(ctx, t, "warn", "diagnosis: "+clip(out, 4000))
	rx.recordArtifact(ctx, t, models.CreateArtifactRequest{
		Name:    "diagnosis " + t.Title,
		Kind:    "diagnosis",
		Content: out,
		Agent:   reviewer,
	})
}

// completeTask settles a passing task: result, dependents, events, rows.
func (rx *runExec) completeTask(ctx context.Context, t *models.Task, text string, attempt int) {
	if err := rx.graph.MarkCompleted(t.ID, clip(text, 2000)); err != nil {
		rx.logger.Warn("Failed to mark completed", "task_id", t.ID, "error", err)
	}
	rx.syncGraphTasks(ctx)
	rx.persist(ctx)

	data := map[string]any{
		"task_id": t.ID,
		"title":   t.Title,
		"agent":   t.Agent,
		"attempt": attempt,
	}
	if t.CommitRef != nil {
		data["commit_ref"] = *t.CommitRef
	}
	rx.emit(ctx, events.TypeTaskCompleted, data)
}

// failTask settles a failing task. MarkFailed may skip it instead when the
// plan allows, so the emitted event reports the resulting status.
func (rx *runExec) failTask(ctx context.Context, t *models.Task, errText string) {
	if err := rx.graph.MarkFailed(t.ID, errText); err != nil {
		rx.logger.Warn("Failed to mark failed", "task_id", t.ID, "error", err)
	}
	rx.syncGraphTasks(ctx)
	rx.persist(ctx)

	rx.emit(ctx, events.TypeTaskFailed, map[string]any{
		"task_id":  t.ID,
		"title":    t.Title,
		"agent":    t.Agent,
		"attempts": t.Attempt,
		"status":   string(t.Status),
		"error":    clip(errText, 2000),
	})
}

// syncGraphTasks mirrors every task row after a terminal transition, which
// can flip other nodes too (promote dependents to ready, block descendants).
func (rx *runExec) syncGraphTasks(ctx context.Context) {
	for _, t := range rx.graph.Tasks() {
		rx.persistTask(ctx, t)
	}
}

// evaluateGates runs the task's gates with hooks that stream the
// check/passed/failed triplet, and mirrors results into the verification map.
func (rx *runExec) evaluateGates(ctx context.Context, t *models.Task, attemptText string) gates.Outcome {
	hooks := gates.Hooks{
		BeforeGate: func(gate models.QualityGate) {
			rx.emit(ctx, events.TypeQualityGateCheck, map[string]any{
				"task_id": t.ID,
				"gate":    string(gate),
				"attempt": t.Attempt,
			})
		},
		AfterGate: func(result models.GateResult) {
			if result.Passed {
				rx.emit(ctx, events.TypeQualityGatePassed, map[string]any{
					"task_id": t.ID,
					"gate":    string(result.Gate),
				})
				return
			}
			rx.emit(ctx, events.TypeQualityGateFailed, map[string]any{
				"task_id": t.ID,
				"gate":    string(result.Gate),
				"error":   clip(result.Error, 2000),
			})
		},
	}

	out := rx.gates.Evaluate(ctx, t, attemptText, hooks)

	if t.Verification == nil {
		t.Verification = make(map[string]models.GateResult, len(out.Results))
	}
	for _, r := range out.Results {
		t.Verification[string(r.Gate)] = r
	}
	return out
}

// maybeCommit stages and commits the attempt's changes when auto-commit is
// on. Returns the short ref, "" when nothing was committed. Git failures are
// logged and swallowed.
func (rx *runExec) maybeCommit(ctx context.Context, t *models.Task) string {
	if rx.git == nil || !rx.run.Config.AutoCommit {
		return ""
	}
	if !rx.git.HasChanges(ctx) {
		return ""
	}
	if err := rx.git.Add(ctx); err != nil {
		rx.logger.Warn("Failed to stage changes", "task_id", t.ID, "error", err)
		return ""
	}
	ref, err := rx.git.Commit(ctx, clip(t.Title, 72))
	if err != nil {
		rx.logger.Warn("Failed to commit", "task_id", t.ID, "error", err)
		return ""
	}
	t.CommitRef = &ref
	rx.emit(ctx, events.TypeGitCommit, map[string]any{
		"task_id": t.ID,
		"ref":     ref,
		"title":   t.Title,
	})
	return ref
}

// recordAttempt persists one attempt row; best effort.
func (rx *runExec) recordAttempt(ctx context.Context, t *models.Task, seq int, response string, results []models.GateResult, feedback, commitRef string, startedAt time.Time) {
	now := time.Now().UTC()
	att := &models.Attempt{
		ID:          uuid.New().String(),
		TaskID:      t.ID,
		RunID:       rx.run.ID,
		Seq:         seq,
		Response:    response,
		GateResults: results,
		StartedAt:   startedAt,
		EndedAt:     &now,
	}
	if feedback != "" {
		att.Feedback = &feedback
	}
	if commitRef != "" {
		att.CommitRef = &commitRef
	}
	if err := rx.e.tasks.RecordAttempt(ctx, att); err != nil {
		rx.logger.Warn("Failed to record attempt", "task_id", t.ID, "seq", seq, "error", err)
	}
}

func (rx *runExec) appendTaskLog(ctx context.Context, t *models.Task, level, message string) {
	entry := &models.TaskLogEntry{
		RunID:   rx.run.ID,
		TaskID:  t.ID,
		Level:   level,
		Message: message,
	}
	if err := rx.e.tasks.AppendTaskLog(ctx, entry); err != nil {
		rx.logger.Warn("Failed to append task log", "task_id", t.ID, "error", err)
	}
}

// recordArtifact persists an artifact and links it to the graph node.
func (rx *runExec) recordArtifact(ctx context.Context, t *models.Task, req models.CreateArtifactRequest) {
	if rx.e.artifacts == nil {
		return
	}
	req.RunID = rx.run.ID
	req.TaskID = t.ID
	art, err := rx.e.artifacts.Create(ctx, req)
	if err != nil {
		rx.logger.Warn("Failed to record artifact", "task_id", t.ID, "kind", req.Kind, "error", err)
		return
	}
	rx.graph.RecordArtifact(t.ID, art.ID)
}

// progressSummary condenses the latest attempts for a fallback description.
func (rx *runExec) progressSummary(ctx context.Context, t *models.Task) string {
	attempts, err := rx.e.tasks.ListAttempts(ctx, t.ID)
	if err != nil || len(attempts) == 0 {
		return ""
	}
	last := attempts[len(attempts)-1]
	return fmt.Sprintf("%d attempts made; last response: %s", len(attempts), clip(last.Response, 500))
}

// sleep waits out a recovery delay without outliving the run.
func (rx *runExec) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
