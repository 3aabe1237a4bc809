package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/crewline/foreman/pkg/policy"
	"github.com/crewline/foreman/pkg/redact"
)

// ForemanYAMLConfig represents the complete foreman.yaml file structure
type ForemanYAMLConfig struct {
	System      *SystemYAMLConfig      `yaml:"system"`
	Engine      *EngineConfig          `yaml:"engine"`
	RunDefaults *RunDefaults           `yaml:"run_defaults"`
	Queue       *QueueConfig           `yaml:"queue"`
	Agents      map[string]AgentConfig `yaml:"agents"`
	Redaction   *redact.Options        `yaml:"redaction"`
}

// PoliciesYAMLConfig represents the complete policies.yaml file structure
type PoliciesYAMLConfig struct {
	Policies map[string]policy.Policy `yaml:"policies"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	ListenAddr       string               `yaml:"listen_addr"`
	AllowedWSOrigins []string             `yaml:"allowed_ws_origins"`
	AgentBackend     *BackendYAMLConfig   `yaml:"agent_backend"`
	Forge            *ForgeYAMLConfig     `yaml:"forge"`
	Slack            *SlackYAMLConfig     `yaml:"slack"`
	Workspace        *WorkspaceYAMLConfig `yaml:"workspace"`
	Retention        *RetentionConfig     `yaml:"retention"`
}

// BackendYAMLConfig holds agent-runner backend settings from YAML.
type BackendYAMLConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKeyEnv      string        `yaml:"api_key_env,omitempty"`      // Defaults to "AGENT_BACKEND_API_KEY" if omitted
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

// SlackYAMLConfig holds Slack channel adapter settings from YAML.
type SlackYAMLConfig struct {
	Enabled          *bool  `yaml:"enabled,omitempty"`
	BotTokenEnv      string `yaml:"bot_token_env,omitempty"`
	SigningSecretEnv string `yaml:"signing_secret_env,omitempty"`
	Channel          string `yaml:"channel,omitempty"`
}

// ForgeYAMLConfig holds pull-request forge settings from YAML.
type ForgeYAMLConfig struct {
	Command  string `yaml:"command,omitempty"`   // Defaults to "gh" if omitted
	TokenEnv string `yaml:"token_env,omitempty"` // Defaults to "GITHUB_TOKEN" if omitted
}

// WorkspaceYAMLConfig holds workspace root settings from YAML.
type WorkspaceYAMLConfig struct {
	Root string `yaml:"root,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge built-in + user-defined configurations
//  5. Build in-memory registries
//  6. Apply default values
//  7. Validate all configuration
//  8. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	// 1. Load configuration files
	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Validate all configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"agents", stats.Agents,
		"policies", stats.Policies)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load foreman.yaml (system, engine, queue, run defaults, agents, redaction)
	foremanConfig, err := loader.loadForemanYAML()
	if err != nil {
		return nil, NewLoadError("foreman.yaml", err)
	}

	// 2. Load policies.yaml. Optional: absent means built-in policies only.
	userPolicies, err := loader.loadPoliciesYAML()
	if err != nil {
		return nil, NewLoadError("policies.yaml", err)
	}

	// 3. Get built-in configuration
	builtin := GetBuiltinConfig()

	// 4. Merge built-in + user-defined components (user overrides built-in)
	agents := mergeAgents(builtin.Agents, foremanConfig.Agents)
	policies := mergePolicies(builtin.Policies, userPolicies)

	// 5. Build registries
	agentRegistry := NewAgentRegistry(agents)
	policyRegistry := NewPolicyRegistry(policies)

	// 6. Resolve engine, queue, and run-defaults sections (merge user YAML
	// with built-in defaults; non-zero user values override)
	engineConfig := DefaultEngineConfig()
	if foremanConfig.Engine != nil {
		if err := mergo.Merge(engineConfig, foremanConfig.Engine, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge engine config: %w", err)
		}
	}

	queueConfig := DefaultQueueConfig()
	if foremanConfig.Queue != nil {
		if err := mergo.Merge(queueConfig, foremanConfig.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	runDefaults := DefaultRunDefaults()
	if foremanConfig.RunDefaults != nil {
		if err := mergo.Merge(runDefaults, foremanConfig.RunDefaults, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge run defaults: %w", err)
		}
	}

	// 7. Resolve system sections (server, backend, Slack, forge, workspace, retention)
	sys := foremanConfig.System

	return &Config{
		configDir:      configDir,
		Server:         resolveServerConfig(sys),
		Backend:        resolveBackendConfig(sys),
		Slack:          resolveSlackConfig(sys),
		Forge:          resolveForgeConfig(sys),
		Workspace:      resolveWorkspaceConfig(sys),
		Retention:      resolveRetentionConfig(sys),
		Engine:         engineConfig,
		Queue:          queueConfig,
		RunDefaults:    runDefaults,
		Redaction:      resolveRedaction(foremanConfig.Redaction),
		AgentRegistry:  agentRegistry,
		PolicyRegistry: policyRegistry,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadForemanYAML() (*ForemanYAMLConfig, error) {
	var config ForemanYAMLConfig

	// Initialize map to avoid nil map
	config.Agents = make(map[string]AgentConfig)

	if err := l.loadYAML("foreman.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (l *configLoader) loadPoliciesYAML() (map[string]policy.Policy, error) {
	var config PoliciesYAMLConfig

	// Initialize map to avoid nil map
	config.Policies = make(map[string]policy.Policy)

	if err := l.loadYAML("policies.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			slog.Debug("No policies.yaml found, using built-in policies only")
			return config.Policies, nil
		}
		return nil, err
	}

	return config.Policies, nil
}

// resolveServerConfig resolves HTTP server configuration from system YAML, applying defaults.
func resolveServerConfig(sys *SystemYAMLConfig) *ServerConfig {
	cfg := &ServerConfig{
		ListenAddr: ":8080",
	}

	if sys == nil {
		return cfg
	}

	if sys.ListenAddr != "" {
		cfg.ListenAddr = sys.ListenAddr
	}
	cfg.AllowedWSOrigins = sys.AllowedWSOrigins

	return cfg
}

// resolveBackendConfig resolves agent-runner backend configuration from system YAML, applying defaults.
func resolveBackendConfig(sys *SystemYAMLConfig) *BackendConfig {
	cfg := &BackendConfig{
		APIKeyEnv:      "AGENT_BACKEND_API_KEY",
		ConnectTimeout: 10 * time.Second,
	}

	if sys == nil || sys.AgentBackend == nil {
		return cfg
	}

	b := sys.AgentBackend
	cfg.BaseURL = b.BaseURL
	if b.APIKeyEnv != "" {
		cfg.APIKeyEnv = b.APIKeyEnv
	}
	if b.ConnectTimeout > 0 {
		cfg.ConnectTimeout = b.ConnectTimeout
	}

	return cfg
}

// resolveSlackConfig resolves Slack configuration from system YAML, applying defaults.
func resolveSlackConfig(sys *SystemYAMLConfig) *SlackConfig {
	cfg := &SlackConfig{
		Enabled:          false,
		BotTokenEnv:      "SLACK_BOT_TOKEN",
		SigningSecretEnv: "SLACK_SIGNING_SECRET",
	}

	if sys == nil || sys.Slack == nil {
		return cfg
	}

	s := sys.Slack
	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	if s.BotTokenEnv != "" {
		cfg.BotTokenEnv = s.BotTokenEnv
	}
	if s.SigningSecretEnv != "" {
		cfg.SigningSecretEnv = s.SigningSecretEnv
	}
	if s.Channel != "" {
		cfg.Channel = s.Channel
	}

	return cfg
}

// resolveForgeConfig resolves forge configuration from system YAML, applying defaults.
func resolveForgeConfig(sys *SystemYAMLConfig) *ForgeConfig {
	cfg := &ForgeConfig{
		Command:  "gh",
		TokenEnv: "GITHUB_TOKEN",
	}

	if sys == nil || sys.Forge == nil {
		return cfg
	}

	f := sys.Forge
	if f.Command != "" {
		cfg.Command = f.Command
	}
	if f.TokenEnv != "" {
		cfg.TokenEnv = f.TokenEnv
	}

	return cfg
}

// resolveWorkspaceConfig resolves workspace configuration from system YAML, applying defaults.
func resolveWorkspaceConfig(sys *SystemYAMLConfig) *WorkspaceConfig {
	cfg := &WorkspaceConfig{
		Root: "/var/lib/foreman/workspaces",
	}

	if sys != nil && sys.Workspace != nil && sys.Workspace.Root != "" {
		cfg.Root = sys.Workspace.Root
	}

	return cfg
}

// resolveRetentionConfig resolves retention configuration from system YAML, applying defaults.
func resolveRetentionConfig(sys *SystemYAMLConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()

	if sys == nil || sys.Retention == nil {
		return cfg
	}

	r := sys.Retention
	if r.RunRetentionDays > 0 {
		cfg.RunRetentionDays = r.RunRetentionDays
	}
	if r.AuditRetentionDays > 0 {
		cfg.AuditRetentionDays = r.AuditRetentionDays
	}
	if r.EventTTL > 0 {
		cfg.EventTTL = r.EventTTL
	}
	if r.CleanupInterval > 0 {
		cfg.CleanupInterval = r.CleanupInterval
	}

	return cfg
}

// resolveRedaction returns the redaction options from YAML, or the zero
// options (built-in rules only) when the section is absent.
func resolveRedaction(opts *redact.Options) redact.Options {
	if opts == nil {
		return redact.Options{}
	}
	return *opts
}
