package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/foreman/pkg/recovery"
)

func TestGetBuiltinConfigSingleton(t *testing.T) {
	first := GetBuiltinConfig()
	second := GetBuiltinConfig()

	assert.Same(t, first, second)
	assert.Len(t, first.Agents, 6)
	assert.Len(t, first.Policies, 6)
}

func TestBuiltinAgentsAreValid(t *testing.T) {
	builtin := GetBuiltinConfig()

	for id, agent := range builtin.Agents {
		assert.NotEmpty(t, agent.Model, "agent %s model", id)
		assert.True(t, agent.Role.IsValid(), "agent %s role %q", id, agent.Role)
		assert.NotEmpty(t, agent.Description, "agent %s description", id)

		for _, fallback := range agent.Fallbacks {
			assert.NotEqual(t, id, fallback, "agent %s lists itself as fallback", id)
			_, exists := builtin.Agents[fallback]
			assert.True(t, exists, "agent %s fallback %s", id, fallback)
		}
	}

	// Exactly one built-in planner, and the default engine wiring points at it
	planner, err := NewAgentRegistry(mergeAgents(builtin.Agents, nil)).Get(DefaultEngineConfig().PlannerAgent)
	require.NoError(t, err)
	assert.Equal(t, AgentRolePlanner, planner.Role)
}

func TestBuiltinFallbacksMatchRecoveryDefaults(t *testing.T) {
	builtin := GetBuiltinConfig()

	// The recovery package ships the same core mapping for callers that
	// construct a policy without config. The two must not drift.
	for id, want := range recovery.DefaultFallbacks() {
		agent, exists := builtin.Agents[id]
		require.True(t, exists, "recovery names unknown agent %s", id)
		assert.Equal(t, want, agent.Fallbacks, "agent %s", id)
	}
}

func TestBuiltinPoliciesKeyedToBuiltinAgents(t *testing.T) {
	builtin := GetBuiltinConfig()

	for id, p := range builtin.Policies {
		_, exists := builtin.Agents[id]
		assert.True(t, exists, "policy %s has no agent", id)
		assert.NotEmpty(t, p.AllowedTools, "policy %s allows nothing", id)
	}

	// Read-only roles never get shell access or write permission
	for _, id := range []string{"architect", "reviewer"} {
		p := builtin.Policies[id]
		assert.True(t, p.FilesystemReadOnly, "policy %s", id)
		assert.NotContains(t, p.AllowedTools, "shell", "policy %s", id)
	}

	// The documenter writes docs, nothing else
	assert.Equal(t, []string{"docs", "*.md"}, builtin.Policies["documenter"].WritePaths)

	// Every deployer shell command is diff-first
	deployer := builtin.Policies["deployer"]
	require.NotEmpty(t, deployer.Approval)
	assert.Empty(t, deployer.Approval[0].PathPatterns)
}
