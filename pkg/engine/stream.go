package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/foreman/pkg/agents"
	"github.com/crewline/foreman/pkg/events"
	"github.com/crewline/foreman/pkg/models"
	"github.com/crewline/foreman/pkg/toolcall"
	"github.com/crewline/foreman/pkg/tools"
)

// maxConsultsPerAttempt bounds the inline consult continuations one attempt
// may trigger through REQUEST/REVIEW_REQUEST markers.
const maxConsultsPerAttempt = 2

// runAgentAttempt drives one attempt of the task's agent through the
// tool-call interpreter, streaming output into the task queue. Markers in
// the new assistant turns are applied between interpreter rounds: progress
// markers become task logs, spawn markers grow the graph, and consult
// markers append an answer to the conversation and re-enter the loop.
func (rx *runExec) runAgentAttempt(ctx context.Context, t *models.Task, feedback string, queue *eventQueue) (string, error) {
	ag, err := rx.e.registry.Get(t.Agent)
	if err != nil {
		return "", err
	}

	enforcer := rx.e.guards.ForAgent(t.Agent, rx.run.ID, t.ID)
	interp := toolcall.New(rx.tools, enforcer, toolcall.Options{
		CallTimeout: rx.e.cfg.CallTimeout,
		Observer: func(inv toolcall.Invocation, result *tools.Result, duration time.Duration) {
			rx.observeToolCall(ctx, t, queue, inv, result, duration)
		},
	})

	messages := []agents.Message{{Role: "user", Content: rx.taskPrompt(t, feedback)}}
	call := rx.streamCall(ag, queue)

	consults := 0
	for {
		before := len(messages)
		outcome, err := interp.Run(ctx, messages, call)
		if err != nil {
			return "", err
		}
		messages = outcome.Messages

		markers := newAssistantMarkers(messages[before:])
		rx.applyProgressMarkers(ctx, t, markers, queue)
		rx.applySpawnMarkers(ctx, t, markers)

		followUp := rx.applyConsultMarkers(ctx, t, markers)
		if followUp == "" || consults >= maxConsultsPerAttempt {
			return outcome.FinalText, nil
		}
		consults++
		messages = append(messages, agents.Message{Role: "user", Content: followUp})
	}
}

// streamCall adapts an agent to the interpreter's call shape: thinking
// suppressed, visible text mirrored into the task's progress queue,
// backend-separated tool calls folded back into invocation blocks.
func (rx *runExec) streamCall(ag agents.Agent, queue *eventQueue) toolcall.CallAgent {
	return func(ctx context.Context, messages []agents.Message) (string, error) {
		chunks, err := ag.Chat(ctx, messages, agents.ChatOptions{})
		if err != nil {
			return "", err
		}

		var filter agents.ThinkingFilter
		var sb strings.Builder
		for chunk := range chunks {
			switch c := chunk.(type) {
			case *agents.TextChunk:
				visible := filter.Feed(c.Content)
				if visible != "" {
					sb.WriteString(visible)
					queue.push(events.TypeTaskAgentOutput, map[string]any{"text": visible})
				}
			case *agents.ThinkingChunk:
				// suppressed
			case *agents.ToolCallChunk:
				sb.WriteString(invocationBlock(c))
			case *agents.UsageChunk:
				queue.push(events.TypeTaskProgress, map[string]any{
					"input_tokens":  c.InputTokens,
					"output_tokens": c.OutputTokens,
				})
			case *agents.ErrorChunk:
				return sb.String(), fmt.Errorf("agent stream: %s (code %s)", c.Message, c.Code)
			case *agents.DoneChunk:
			}
		}
		if tail := filter.Flush(); tail != "" {
			sb.WriteString(tail)
			queue.push(events.TypeTaskAgentOutput, map[string]any{"text": tail})
		}
		if ctx.Err() != nil {
			return sb.String(), ctx.Err()
		}
		return sb.String(), nil
	}
}

// invocationBlock renders a backend-separated tool call in the inline
// invocation syntax so the interpreter handles both shapes the same way.
func invocationBlock(c *agents.ToolCallChunk) string {
	args := strings.TrimSpace(c.Arguments)
	if args == "" {
		args = "{}"
	}
	return fmt.Sprintf("\n<tool_call>{\"tool\": %q, \"args\": %s}</tool_call>\n", c.Name, args)
}

// chatText performs a one-shot, tool-free exchange with an agent and returns
// the visible text. Used for planning, gate delegation, consults, and
// diagnosis.
func (rx *runExec) chatText(ctx context.Context, agentID, prompt string) (string, error) {
	ag, err := rx.e.registry.Get(agentID)
	if err != nil {
		return "", err
	}
	chunks, err := ag.Chat(ctx, []agents.Message{{Role: "user", Content: prompt}}, agents.ChatOptions{})
	if err != nil {
		return "", err
	}

	var filter agents.ThinkingFilter
	var sb strings.Builder
	for chunk := range chunks {
		switch c := chunk.(type) {
		case *agents.TextChunk:
			sb.WriteString(filter.Feed(c.Content))
		case *agents.ErrorChunk:
			return "", fmt.Errorf("agent %s: %s (code %s)", agentID, c.Message, c.Code)
		}
	}
	sb.WriteString(filter.Flush())
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if sb.Len() == 0 {
		return "", errors.New("agent " + agentID + " returned no text")
	}
	return sb.String(), nil
}

// consultAgent is the gates.AgentCaller used for tester and reviewer
// delegation.
func (rx *runExec) consultAgent(ctx context.Context, agentID, prompt string) (string, error) {
	return rx.chatText(ctx, agentID, prompt)
}

// observeToolCall mirrors each executed invocation into the task's progress
// queue and log.
func (rx *runExec) observeToolCall(ctx context.Context, t *models.Task, queue *eventQueue, inv toolcall.Invocation, result *tools.Result, duration time.Duration) {
	success := result != nil && result.Success
	queue.push(events.TypeTaskProgress, map[string]any{
		"tool":        inv.Tool,
		"success":     success,
		"duration_ms": duration.Milliseconds(),
	})

	level := "info"
	message := "tool " + inv.Tool
	if !success {
		level = "warn"
		if result != nil && result.Error != "" {
			message += ": " + clip(result.Error, 500)
		}
	}
	toolID := inv.Tool
	entry := &models.TaskLogEntry{
		RunID:    rx.run.ID,
		TaskID:   t.ID,
		Level:    level,
		Message:  message,
		ToolID:   &toolID,
		ToolArgs: inv.Args,
	}
	if err := rx.e.tasks.AppendTaskLog(ctx, entry); err != nil {
		rx.logger.Warn("Failed to log tool call", "task_id", t.ID, "tool", inv.Tool, "error", err)
	}
}

// ────────────────────────────────────────────────────────────
// Markers
// ────────────────────────────────────────────────────────────

// newAssistantMarkers scans the assistant turns added by the last
// interpreter round.
func newAssistantMarkers(messages []agents.Message) []agents.Marker {
	var markers []agents.Marker
	for _, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		markers = append(markers, agents.ScanMarkers(m.Content)...)
	}
	return markers
}

// applyProgressMarkers records goal and checkpoint markers as task logs and
// progress events.
func (rx *runExec) applyProgressMarkers(ctx context.Context, t *models.Task, markers []agents.Marker, queue *eventQueue) {
	for _, m := range markers {
		switch m.Kind {
		case agents.MarkerGoal, agents.MarkerGoalDone, agents.MarkerGoalFailed, agents.MarkerCheckpoint:
			level := "info"
			if m.Kind == agents.MarkerGoalFailed {
				level = "warn"
			}
			message := string(m.Kind) + " " + m.Ref
			if m.Text != "" {
				message += ": " + clip(m.Text, 500)
			}
			rx.appendTaskLog(ctx, t, level, message)
			queue.push(events.TypeTaskProgress, map[string]any{
				"marker": string(m.Kind),
				"ref":    m.Ref,
				"text":   clip(m.Text, 500),
			})
		}
	}
}

// applySpawnMarkers appends dynamically requested tasks to the graph. The
// new task depends on the emitting one so it cannot start before the current
// work settles.
func (rx *runExec) applySpawnMarkers(ctx context.Context, t *models.Task, markers []agents.Marker) {
	for _, m := range markers {
		if m.Kind != agents.MarkerSpawn && m.Kind != agents.MarkerWorkflow {
			continue
		}
		if m.Text == "" {
			continue
		}

		agentID := rx.e.cfg.DefaultAgent
		title := clip(m.Text, 80)
		if m.Kind == agents.MarkerSpawn {
			if rx.e.registry.Has(m.Ref) {
				agentID = m.Ref
			} else {
				rx.logger.Warn("Spawn names unknown agent, using default",
					"task_id", t.ID, "agent", m.Ref)
			}
		} else {
			title = clip(m.Ref+": "+m.Text, 80)
		}

		spawned := &models.Task{
			ID:          uuid.New().String(),
			RunID:       rx.run.ID,
			Title:       title,
			Description: m.Text,
			Agent:       agentID,
			DependsOn:   []string{t.ID},
			Gates:       []models.QualityGate{models.GateTestsPass},
			MaxAttempts: rx.run.Config.MaxAttempts,
			Status:      models.TaskStatusPending,
			CreatedAt:   time.Now().UTC(),
		}
		if err := rx.graph.AddTask(spawned); err != nil {
			rx.logger.Warn("Failed to add spawned task", "task_id", t.ID, "error", err)
			continue
		}
		if err := rx.e.tasks.CreateTasks(ctx, []*models.Task{spawned}); err != nil {
			rx.logger.Warn("Failed to persist spawned task", "task_id", spawned.ID, "error", err)
		}
		rx.persist(ctx)
		rx.emit(ctx, events.TypeTaskCreated, map[string]any{
			"task_id":    spawned.ID,
			"title":      spawned.Title,
			"agent":      spawned.Agent,
			"depends_on": spawned.DependsOn,
			"spawned_by": t.ID,
		})
	}
}

// applyConsultMarkers resolves the first REQUEST/REVIEW_REQUEST marker into
// a one-shot exchange with the named agent and returns the follow-up message
// for the requesting conversation. Empty when there is nothing to consult.
func (rx *runExec) applyConsultMarkers(ctx context.Context, t *models.Task, markers []agents.Marker) string {
	for _, m := range markers {
		var target string
		switch m.Kind {
		case agents.MarkerRequest:
			target = m.Ref
		case agents.MarkerReviewRequest:
			target = rx.e.cfg.Gates.ReviewerAgent
		default:
			continue
		}
		if !rx.e.registry.Has(target) {
			rx.logger.Warn("Consult names unknown agent", "task_id", t.ID, "agent", target)
			continue
		}

		prompt := fmt.Sprintf("An agent working on the task %q asks:\n\n%s", t.Title, m.Text)
		answer, err := rx.chatText(ctx, target, prompt)
		if err != nil {
			rx.logger.Warn("Consult failed", "task_id", t.ID, "agent", target, "error", err)
			continue
		}
		rx.appendTaskLog(ctx, t, "info", fmt.Sprintf("consulted %s: %s", target, clip(answer, 500)))
		return fmt.Sprintf("Answer from %s:\n\n%s", target, answer)
	}
	return ""
}
