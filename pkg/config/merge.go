package config

import "github.com/crewline/foreman/pkg/policy"

// mergeAgents merges built-in and user-defined agent configurations.
// User-defined agents override built-in agents with the same id.
func mergeAgents(builtinAgents map[string]AgentConfig, userAgents map[string]AgentConfig) map[string]*AgentConfig {
	result := make(map[string]*AgentConfig, len(builtinAgents)+len(userAgents))

	for id, agent := range builtinAgents {
		agentCopy := agent
		// Defensive copy of the fallback slice to prevent shared state
		fallbacks := make([]string, len(agent.Fallbacks))
		copy(fallbacks, agent.Fallbacks)
		agentCopy.Fallbacks = fallbacks
		result[id] = &agentCopy
	}

	// Then, override with user-defined agents (or add new ones)
	for id, agent := range userAgents {
		agentCopy := agent
		result[id] = &agentCopy
	}

	return result
}

// mergePolicies merges built-in and user-defined guardrail policies.
// User-defined policies override built-in policies with the same agent id.
// A user policy replaces the built-in one wholesale rather than field by
// field: a partial override silently widening built-in restrictions is worse
// than making the user restate the policy.
func mergePolicies(builtinPolicies map[string]policy.Policy, userPolicies map[string]policy.Policy) map[string]policy.Policy {
	result := make(map[string]policy.Policy, len(builtinPolicies)+len(userPolicies))

	for id, p := range builtinPolicies {
		result[id] = copyPolicy(p)
	}

	for id, p := range userPolicies {
		result[id] = copyPolicy(p)
	}

	return result
}

func copyPolicy(p policy.Policy) policy.Policy {
	tools := make([]string, len(p.AllowedTools))
	copy(tools, p.AllowedTools)
	p.AllowedTools = tools

	writes := make([]string, len(p.WritePaths))
	copy(writes, p.WritePaths)
	p.WritePaths = writes

	rules := make([]policy.ApprovalRule, len(p.Approval))
	copy(rules, p.Approval)
	p.Approval = rules

	return p
}
