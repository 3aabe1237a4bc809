package config

import "time"

// ServerConfig holds resolved HTTP server configuration.
type ServerConfig struct {
	ListenAddr       string   // Bind address (default ":8080")
	AllowedWSOrigins []string // Extra WebSocket origin patterns beyond same-host
}

// BackendConfig holds resolved agent-runner backend configuration.
type BackendConfig struct {
	BaseURL        string        // Agent-runner base URL (required)
	APIKeyEnv      string        // Env var name for the backend key (default "AGENT_BACKEND_API_KEY")
	ConnectTimeout time.Duration // Dial/header timeout; streams run on the request context
}

// SlackConfig holds resolved Slack channel adapter configuration.
type SlackConfig struct {
	Enabled          bool
	BotTokenEnv      string // Env var name for the bot token (default "SLACK_BOT_TOKEN")
	SigningSecretEnv string // Env var name for the events signing secret (default "SLACK_SIGNING_SECRET")
	Channel          string // Default channel for replies outside a thread (e.g. "C12345678")
}

// ForgeConfig holds resolved pull-request forge configuration.
type ForgeConfig struct {
	Command  string // Forge CLI binary (default "gh")
	TokenEnv string // Env var name containing the forge PAT (default "GITHUB_TOKEN")
}

// WorkspaceConfig holds resolved workspace root configuration. Runs created
// without an explicit workspace path get one under Root, and Root is the
// sandbox containment boundary for those runs.
type WorkspaceConfig struct {
	Root string // Absolute directory for run workspaces (default "/var/lib/foreman/workspaces")
}
