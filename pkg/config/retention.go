package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// RunRetentionDays is how many days to keep terminal runs (and their
	// tasks, attempts, and artifacts) before deleting them.
	RunRetentionDays int `yaml:"run_retention_days"`

	// AuditRetentionDays is how many days to keep audit rows. Audit outlives
	// the runs it describes.
	AuditRetentionDays int `yaml:"audit_retention_days"`

	// EventTTL is the maximum age of event rows before deletion. Live
	// subscribers consume events within seconds; the table only exists for
	// catchup, so the TTL stays short.
	EventTTL time.Duration `yaml:"event_ttl"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		RunRetentionDays:   90,
		AuditRetentionDays: 365,
		EventTTL:           24 * time.Hour,
		CleanupInterval:    12 * time.Hour,
	}
}
