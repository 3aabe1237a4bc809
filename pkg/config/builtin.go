package config

import (
	"sync"
	"time"

	"github.com/crewline/foreman/pkg/budget"
	"github.com/crewline/foreman/pkg/models"
	"github.com/crewline/foreman/pkg/policy"
)

// BuiltinConfig holds all built-in configuration data: the stock agent
// roster and the guardrail policy each agent starts with. User YAML overrides
// entries by id and adds new ones.
type BuiltinConfig struct {
	Agents   map[string]AgentConfig
	Policies map[string]policy.Policy
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration (thread-safe, lazy-initialized)
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		Agents:   initBuiltinAgents(),
		Policies: initBuiltinPolicies(),
	}
}

// initBuiltinAgents returns the stock agent roster. Fallback order matters:
// it is the order the recovery policy tries replacements in.
func initBuiltinAgents() map[string]AgentConfig {
	return map[string]AgentConfig{
		"architect": {
			Role:        AgentRolePlanner,
			Model:       "claude-sonnet-4-20250514",
			Description: "Decomposes development requests into dependency-ordered task plans",
			Fallbacks:   []string{"reviewer"},
		},
		"coder": {
			Role:        AgentRoleCoder,
			Model:       "claude-sonnet-4-20250514",
			Description: "Implements code changes inside the workspace",
			Fallbacks:   []string{"reviewer", "architect"},
		},
		"reviewer": {
			Role:        AgentRoleReviewer,
			Model:       "gpt-5",
			Description: "Reviews diffs, answers review consults, and diagnoses stuck tasks",
			Fallbacks:   []string{"architect"},
		},
		"tester": {
			Role:        AgentRoleTester,
			Model:       "gemini-2.5-pro",
			Description: "Writes and runs tests, reports explicit pass or fail verdicts",
			Fallbacks:   []string{"coder", "reviewer"},
		},
		"deployer": {
			Role:        AgentRoleDeployer,
			Model:       "gpt-5",
			Description: "Handles build, release, and deployment tasks",
			Fallbacks:   []string{"coder"},
		},
		"documenter": {
			Role:        AgentRoleDocumenter,
			Model:       "gemini-2.5-pro",
			Description: "Writes and updates documentation",
			Fallbacks:   []string{"coder"},
		},
	}
}

// initBuiltinPolicies returns the guardrail policy per stock agent. Agents
// that only read (architect, reviewer) never get write or shell access;
// everything irreversible funnels through diff-first approval rules.
func initBuiltinPolicies() map[string]policy.Policy {
	return map[string]policy.Policy{
		"architect": {
			AllowedTools:       []string{"filesystem"},
			FilesystemReadOnly: true,
			Budget:             budget.DefaultLimits(),
		},
		"coder": {
			AllowedTools: []string{"filesystem", "shell"},
			Budget:       budget.DefaultLimits(),
			Approval: []policy.ApprovalRule{
				{
					Actions:      []models.ActionKind{models.ActionWrite, models.ActionDelete},
					PathPatterns: []string{"*.env", "*.pem", "*.key", ".github/workflows/*"},
					Timeout:      5 * time.Minute,
				},
			},
		},
		"reviewer": {
			AllowedTools:       []string{"filesystem"},
			FilesystemReadOnly: true,
			Budget:             budget.DefaultLimits(),
		},
		"tester": {
			AllowedTools: []string{"filesystem", "shell"},
			Budget:       budget.DefaultLimits(),
			// Tests may create fixtures but must not rewrite the sources
			// they are judging.
			WritePaths: []string{"test", "tests", "testdata", "*_test.go"},
		},
		"deployer": {
			AllowedTools: []string{"filesystem", "shell"},
			Budget:       budget.DefaultLimits(),
			Approval: []policy.ApprovalRule{
				{
					Actions: []models.ActionKind{models.ActionShell},
					Timeout: 10 * time.Minute,
				},
			},
		},
		"documenter": {
			AllowedTools: []string{"filesystem"},
			Budget:       budget.DefaultLimits(),
			WritePaths:   []string{"docs", "*.md"},
		},
	}
}
