package config

import (
	"github.com/crewline/foreman/pkg/policy"
	"github.com/crewline/foreman/pkg/redact"
)

// Config is the umbrella configuration object that encapsulates
// all registries, resolved sections, and defaults.
// This is the primary object returned by Initialize() and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Resolved system sections
	Server    *ServerConfig
	Backend   *BackendConfig
	Slack     *SlackConfig
	Forge     *ForgeConfig
	Workspace *WorkspaceConfig
	Retention *RetentionConfig

	// Engine, queue, and per-run defaults
	Engine      *EngineConfig
	Queue       *QueueConfig
	RunDefaults *RunDefaults

	// Redaction options for inbound channel text
	Redaction redact.Options

	// Component registries
	AgentRegistry  *AgentRegistry
	PolicyRegistry *PolicyRegistry
}

// Initialize is defined in loader.go

// Stats contains statistics about loaded configuration
type Stats struct {
	Agents   int
	Policies int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.AgentRegistry != nil {
		s.Agents = c.AgentRegistry.Len()
	}
	if c.PolicyRegistry != nil {
		s.Policies = c.PolicyRegistry.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetAgent retrieves an agent configuration by id.
// This is a convenience method that wraps AgentRegistry.Get().
func (c *Config) GetAgent(id string) (*AgentConfig, error) {
	return c.AgentRegistry.Get(id)
}

// GetPolicy retrieves the guardrail policy of an agent.
// This is a convenience method that wraps PolicyRegistry.Get().
func (c *Config) GetPolicy(agentID string) (policy.Policy, error) {
	return c.PolicyRegistry.Get(agentID)
}
