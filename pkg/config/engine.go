package config

import (
	"fmt"
	"time"
)

// EngineConfig carries orchestration engine settings: the role agents the
// engine consults and the pacing knobs of the scheduling loop.
type EngineConfig struct {
	// PlannerAgent decomposes requests into task plans
	PlannerAgent string `yaml:"planner_agent"`

	// DefaultAgent implements tasks whose plan entry names no known agent
	DefaultAgent string `yaml:"default_agent"`

	// TesterAgent backs the tests quality gate
	TesterAgent string `yaml:"tester_agent"`

	// ReviewerAgent backs the review gate and review consults
	ReviewerAgent string `yaml:"reviewer_agent"`

	// MaxRuntime is the engine's own run ceiling. Must stay below the queue
	// run_timeout so the engine finalizes the run before the worker backstop
	// fires.
	MaxRuntime time.Duration `yaml:"max_runtime"`

	// CallTimeout bounds a single tool call inside the interpreter
	CallTimeout time.Duration `yaml:"call_timeout"`

	// ScheduleTick is the idle wait between scheduling passes
	ScheduleTick time.Duration `yaml:"schedule_tick"`

	// EventQueueSize bounds each task's progress event buffer
	EventQueueSize int `yaml:"event_queue_size"`
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		PlannerAgent:   "architect",
		DefaultAgent:   "coder",
		TesterAgent:    "tester",
		ReviewerAgent:  "reviewer",
		MaxRuntime:     4 * time.Hour,
		CallTimeout:    2 * time.Minute,
		ScheduleTick:   500 * time.Millisecond,
		EventQueueSize: 64,
	}
}

// Validate checks engine configuration for internal consistency. Agent
// references are checked against the registry by the config validator.
func (e *EngineConfig) Validate() error {
	if e == nil {
		return fmt.Errorf("engine configuration is nil")
	}
	if e.PlannerAgent == "" {
		return fmt.Errorf("planner_agent must be set")
	}
	if e.DefaultAgent == "" {
		return fmt.Errorf("default_agent must be set")
	}
	if e.TesterAgent == "" {
		return fmt.Errorf("tester_agent must be set")
	}
	if e.ReviewerAgent == "" {
		return fmt.Errorf("reviewer_agent must be set")
	}
	if e.MaxRuntime <= 0 {
		return fmt.Errorf("max_runtime must be positive")
	}
	if e.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive")
	}
	if e.ScheduleTick <= 0 {
		return fmt.Errorf("schedule_tick must be positive")
	}
	if e.EventQueueSize < 1 {
		return fmt.Errorf("event_queue_size must be at least 1")
	}
	return nil
}
