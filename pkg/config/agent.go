// Package config provides configuration management for the foreman system:
// environment and YAML loading, agent and policy registries, built-in
// defaults, and validation.
package config

import (
	"fmt"
	"sync"
)

// AgentConfig defines one agent on the agent-runner backend. The id is the
// registry key; the backend resolves it to a concrete provider session.
type AgentConfig struct {
	// Role selects the engine duties this agent is eligible for
	Role AgentRole `yaml:"role"`

	// Model the backend should run this agent on
	Model string `yaml:"model"`

	// Human-readable description, shown to the planner when it assigns tasks
	Description string `yaml:"description,omitempty"`

	// Fallbacks are tried in order when this agent fails unrecoverably.
	// Each entry must name another configured agent.
	Fallbacks []string `yaml:"fallbacks,omitempty"`

	// Temperature override for this agent (backend default when nil)
	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxTokens override for this agent (backend default when nil)
	MaxTokens *int `yaml:"max_tokens,omitempty"`
}

// AgentRegistry stores agent configurations in memory with thread-safe access
type AgentRegistry struct {
	agents map[string]*AgentConfig
	mu     sync.RWMutex
}

// NewAgentRegistry creates a new agent registry
func NewAgentRegistry(agents map[string]*AgentConfig) *AgentRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*AgentConfig, len(agents))
	for k, v := range agents {
		copied[k] = v
	}
	return &AgentRegistry{
		agents: copied,
	}
}

// Get retrieves an agent configuration by id (thread-safe)
func (r *AgentRegistry) Get(id string) (*AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return agent, nil
}

// GetAll returns all agent configurations (thread-safe, returns copy)
func (r *AgentRegistry) GetAll() map[string]*AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*AgentConfig, len(r.agents))
	for k, v := range r.agents {
		result[k] = v
	}
	return result
}

// Has checks if an agent exists in the registry (thread-safe)
func (r *AgentRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.agents[id]
	return exists
}

// Len returns the number of agents in the registry (thread-safe)
func (r *AgentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Descriptions returns agent id → description for every registered agent.
// The planner prompt and its known-agent allowlist are built from this map.
func (r *AgentRegistry) Descriptions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]string, len(r.agents))
	for id, agent := range r.agents {
		result[id] = agent.Description
	}
	return result
}

// Fallbacks returns agent id → ordered fallback ids for every agent that
// configures any. The recovery policy consumes this map directly.
func (r *AgentRegistry) Fallbacks() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string][]string)
	for id, agent := range r.agents {
		if len(agent.Fallbacks) == 0 {
			continue
		}
		ordered := make([]string, len(agent.Fallbacks))
		copy(ordered, agent.Fallbacks)
		result[id] = ordered
	}
	return result
}
