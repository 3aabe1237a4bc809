// Package engine turns a claimed run into finished work. It plans the task
// graph, schedules ready tasks onto agents with bounded parallelism, drives
// each task through its attempt/verify feedback loop, and finalizes the
// workspace (commit, push, pull request) before handing the terminal state
// back to the worker pool.
//
// The engine persists progress as it goes: every graph mutation is followed
// by a snapshot write, so a crashed or requeued worker restores the run
// mid-flight instead of starting over.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/crewline/foreman/pkg/agents"
	"github.com/crewline/foreman/pkg/gates"
	"github.com/crewline/foreman/pkg/guardrails"
	"github.com/crewline/foreman/pkg/recovery"
	"github.com/crewline/foreman/pkg/services"
)

// Publisher pushes run events into the streaming layer. Implementations must
// be safe for concurrent use. The engine treats publishing as best-effort:
// a failed emit is logged and never stops the run.
type Publisher interface {
	Emit(ctx context.Context, eventType, runID string, data map[string]any) error
}

// Config carries engine-wide defaults. Per-run values from models.RunConfig
// take precedence where both exist.
type Config struct {
	// PlannerAgent decomposes the request into the task plan.
	PlannerAgent string
	// DefaultAgent implements tasks whose plan entry names no known agent.
	DefaultAgent string
	// AgentDescriptions maps agent id to the one-line description shown to
	// the planner. Its key set is also the planner's known-agent allowlist.
	AgentDescriptions map[string]string

	Gates    gates.Config
	Recovery *recovery.Policy

	ParallelTasks      int
	MaxAttempts        int
	MaxRuntime         time.Duration
	MaxTotalIterations int

	// CallTimeout bounds a single tool call inside the interpreter.
	CallTimeout time.Duration
	// ScheduleTick is the idle wait between scheduling passes; the pause,
	// cancel, and ceiling checks run at the same cadence.
	ScheduleTick time.Duration
	// EventQueueSize bounds each task's progress event buffer. A full
	// buffer drops that task's oldest progress events.
	EventQueueSize int

	// Forge is the pull request CLI, "gh" unless overridden.
	Forge string
}

func (c Config) withDefaults() Config {
	if c.PlannerAgent == "" {
		c.PlannerAgent = "architect"
	}
	if c.DefaultAgent == "" {
		c.DefaultAgent = "coder"
	}
	if c.ParallelTasks <= 0 {
		c.ParallelTasks = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxRuntime <= 0 {
		c.MaxRuntime = 4 * time.Hour
	}
	if c.MaxTotalIterations <= 0 {
		c.MaxTotalIterations = 100
	}
	if c.ScheduleTick <= 0 {
		c.ScheduleTick = 500 * time.Millisecond
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = 64
	}
	if c.Recovery == nil {
		c.Recovery = recovery.NewPolicy(nil)
	}
	return c
}

// Engine wires the services, agent registry, and guardrails together. One
// Engine serves every run the worker pool claims; per-run state lives in
// runExec.
type Engine struct {
	cfg       Config
	runs      *services.RunService
	tasks     *services.TaskService
	artifacts *services.ArtifactService
	registry  *agents.Registry
	guards    *guardrails.Guardrails
	publisher Publisher
}

// New creates an engine. publisher may be nil (streaming disabled).
func New(cfg Config, runs *services.RunService, tasks *services.TaskService, artifacts *services.ArtifactService, registry *agents.Registry, guards *guardrails.Guardrails, publisher Publisher) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		runs:      runs,
		tasks:     tasks,
		artifacts: artifacts,
		registry:  registry,
		guards:    guards,
		publisher: publisher,
	}
}

// emit publishes a run event, logging instead of failing. Streaming is an
// observer, never a gate on progress.
func (e *Engine) emit(ctx context.Context, eventType, runID string, data map[string]any) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Emit(ctx, eventType, runID, data); err != nil {
		slog.Warn("Failed to publish event", "type", eventType, "run_id", runID, "error", err)
	}
}
