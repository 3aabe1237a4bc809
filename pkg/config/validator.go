package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: agents → policies → engine → queue → system → redaction
	// This ensures references are validated before referrers

	if err := v.validateAgents(); err != nil {
		return fmt.Errorf("agent validation failed: %w", err)
	}

	if err := v.validatePolicies(); err != nil {
		return fmt.Errorf("policy validation failed: %w", err)
	}

	if err := v.validateEngine(); err != nil {
		return fmt.Errorf("engine validation failed: %w", err)
	}

	if err := v.cfg.Queue.Validate(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}

	if err := v.validateRunDefaults(); err != nil {
		return fmt.Errorf("run defaults validation failed: %w", err)
	}

	if err := v.validateSystem(); err != nil {
		return fmt.Errorf("system validation failed: %w", err)
	}

	if err := v.validateRedaction(); err != nil {
		return fmt.Errorf("redaction validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateAgents() error {
	for id, agent := range v.cfg.AgentRegistry.GetAll() {
		if agent.Model == "" {
			return NewValidationError("agent", id, "model", fmt.Errorf("model required"))
		}

		if agent.Role != "" && !agent.Role.IsValid() {
			return NewValidationError("agent", id, "role", fmt.Errorf("invalid role: %s", agent.Role))
		}

		// Validate fallback references
		for _, fallback := range agent.Fallbacks {
			if fallback == id {
				return NewValidationError("agent", id, "fallbacks", fmt.Errorf("agent cannot be its own fallback"))
			}
			if !v.cfg.AgentRegistry.Has(fallback) {
				return NewValidationError("agent", id, "fallbacks", fmt.Errorf("%w: agent '%s' not found", ErrInvalidReference, fallback))
			}
		}

		if agent.Temperature != nil && (*agent.Temperature < 0 || *agent.Temperature > 2) {
			return NewValidationError("agent", id, "temperature", fmt.Errorf("must be between 0 and 2"))
		}

		if agent.MaxTokens != nil && *agent.MaxTokens < 1 {
			return NewValidationError("agent", id, "max_tokens", fmt.Errorf("must be at least 1"))
		}
	}

	return nil
}

func (v *ConfigValidator) validatePolicies() error {
	for agentID, p := range v.cfg.PolicyRegistry.GetAll() {
		// A policy keyed to an unknown agent is almost always a typo
		if !v.cfg.AgentRegistry.Has(agentID) {
			return NewValidationError("policy", agentID, "", fmt.Errorf("%w: agent '%s' not found", ErrInvalidReference, agentID))
		}

		for i, rule := range p.Approval {
			if len(rule.Actions) == 0 {
				return NewValidationError("policy", agentID, fmt.Sprintf("approval[%d].actions", i), fmt.Errorf("at least one action required"))
			}
			for _, action := range rule.Actions {
				if !action.IsValid() {
					return NewValidationError("policy", agentID, fmt.Sprintf("approval[%d].actions", i), fmt.Errorf("invalid action kind: %s", action))
				}
			}
			if rule.Timeout < 0 {
				return NewValidationError("policy", agentID, fmt.Sprintf("approval[%d].timeout", i), fmt.Errorf("must be non-negative"))
			}
		}

		if p.Budget.ToolLoopsPerMessage < 0 ||
			p.Budget.ToolCallsPerMessage < 0 ||
			p.Budget.ToolCallsPerSession < 0 ||
			p.Budget.ShellSecondsPerSession < 0 ||
			p.Budget.OutputBytesPerSession < 0 {
			return NewValidationError("policy", agentID, "budget", fmt.Errorf("ceilings must be non-negative"))
		}

		for i, scope := range p.WritePaths {
			if scope == "" {
				return NewValidationError("policy", agentID, fmt.Sprintf("write_paths[%d]", i), fmt.Errorf("must not be empty"))
			}
			if filepath.IsAbs(scope) {
				return NewValidationError("policy", agentID, fmt.Sprintf("write_paths[%d]", i), fmt.Errorf("must be workspace-relative, got %q", scope))
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateEngine() error {
	if err := v.cfg.Engine.Validate(); err != nil {
		return err
	}

	// Validate agent references
	refs := map[string]string{
		"planner_agent":  v.cfg.Engine.PlannerAgent,
		"default_agent":  v.cfg.Engine.DefaultAgent,
		"tester_agent":   v.cfg.Engine.TesterAgent,
		"reviewer_agent": v.cfg.Engine.ReviewerAgent,
	}
	for field, id := range refs {
		if !v.cfg.AgentRegistry.Has(id) {
			return NewValidationError("engine", "", field, fmt.Errorf("%w: agent '%s' not found", ErrInvalidReference, id))
		}
	}

	// The planning prompt is role-specific: the configured planner must
	// actually be a planner
	planner, err := v.cfg.AgentRegistry.Get(v.cfg.Engine.PlannerAgent)
	if err != nil {
		return err
	}
	if planner.Role != AgentRolePlanner {
		return NewValidationError("engine", "", "planner_agent", fmt.Errorf("agent '%s' has role '%s', want '%s'", v.cfg.Engine.PlannerAgent, planner.Role, AgentRolePlanner))
	}

	// Engine runtime must fit inside the queue worker timeout, or a paused
	// run waiting on approval gets failed by the worker instead
	if v.cfg.Engine.MaxRuntime >= v.cfg.Queue.RunTimeout {
		return NewValidationError("engine", "", "max_runtime", fmt.Errorf("must be less than queue run_timeout (%s)", v.cfg.Queue.RunTimeout))
	}

	return nil
}

func (v *ConfigValidator) validateRunDefaults() error {
	d := v.cfg.RunDefaults
	if d.ParallelTasks < 1 {
		return NewValidationError("run_defaults", "", "parallel_tasks", fmt.Errorf("must be at least 1"))
	}
	if d.MaxAttempts < 1 {
		return NewValidationError("run_defaults", "", "max_attempts", fmt.Errorf("must be at least 1"))
	}
	if d.MaxTotalIterations < 1 {
		return NewValidationError("run_defaults", "", "max_total_iterations", fmt.Errorf("must be at least 1"))
	}
	if d.MaxRuntimeHours <= 0 {
		return NewValidationError("run_defaults", "", "max_runtime_hours", fmt.Errorf("must be positive"))
	}
	if !d.GitMode.IsValid() {
		return NewValidationError("run_defaults", "", "git_mode", fmt.Errorf("invalid git mode: %s", d.GitMode))
	}
	return nil
}

func (v *ConfigValidator) validateSystem() error {
	// Agent backend
	if v.cfg.Backend.BaseURL == "" {
		return NewValidationError("system", "agent_backend", "base_url", fmt.Errorf("%w: base_url", ErrMissingRequiredField))
	}

	// Workspace root must be absolute: it is the sandbox containment
	// boundary and relative roots move with the process working directory
	if !filepath.IsAbs(v.cfg.Workspace.Root) {
		return NewValidationError("system", "workspace", "root", fmt.Errorf("must be an absolute path, got %q", v.cfg.Workspace.Root))
	}

	// Slack adapter cannot start without its secrets
	if v.cfg.Slack.Enabled {
		if value := os.Getenv(v.cfg.Slack.BotTokenEnv); value == "" {
			return NewValidationError("system", "slack", "bot_token_env", fmt.Errorf("environment variable %s is not set", v.cfg.Slack.BotTokenEnv))
		}
		if value := os.Getenv(v.cfg.Slack.SigningSecretEnv); value == "" {
			return NewValidationError("system", "slack", "signing_secret_env", fmt.Errorf("environment variable %s is not set", v.cfg.Slack.SigningSecretEnv))
		}
	}

	return nil
}

func (v *ConfigValidator) validateRedaction() error {
	for i, rule := range v.cfg.Redaction.CustomRules {
		if rule.Name == "" {
			return NewValidationError("redaction", "", fmt.Sprintf("custom_rules[%d].name", i), fmt.Errorf("name required"))
		}
		if rule.Pattern == "" {
			return NewValidationError("redaction", rule.Name, "pattern", fmt.Errorf("pattern required"))
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return NewValidationError("redaction", rule.Name, "pattern", fmt.Errorf("invalid pattern: %v", err))
		}
		if rule.Replacement == "" {
			return NewValidationError("redaction", rule.Name, "replacement", fmt.Errorf("replacement required"))
		}
	}

	return nil
}
