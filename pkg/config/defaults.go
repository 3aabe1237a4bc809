package config

import "github.com/crewline/foreman/pkg/models"

// RunDefaults contains per-run execution defaults applied when a create
// request leaves the field unset.
type RunDefaults struct {
	// ParallelTasks bounds concurrently executing tasks within one run
	ParallelTasks int `yaml:"parallel_tasks"`

	// MaxAttempts bounds implement/verify cycles per task
	MaxAttempts int `yaml:"max_attempts"`

	// MaxTotalIterations bounds task executions across the whole run,
	// dynamically spawned tasks included
	MaxTotalIterations int `yaml:"max_total_iterations"`

	// MaxRuntimeHours bounds wall-clock run time
	MaxRuntimeHours float64 `yaml:"max_runtime_hours"`

	// GitMode is the workspace git treatment when the request names none
	GitMode models.GitMode `yaml:"git_mode"`
}

// DefaultRunDefaults returns the built-in run defaults.
func DefaultRunDefaults() *RunDefaults {
	return &RunDefaults{
		ParallelTasks:      2,
		MaxAttempts:        3,
		MaxTotalIterations: 100,
		MaxRuntimeHours:    4,
		GitMode:            models.GitModeLocal,
	}
}

// RunConfig builds the persisted per-run configuration from a create
// request, filling unset fields from the defaults.
func (d *RunDefaults) RunConfig(req models.CreateRunRequest) models.RunConfig {
	cfg := models.RunConfig{
		ParallelTasks:      req.ParallelTasks,
		MaxAttempts:        d.MaxAttempts,
		FailFast:           false,
		AutoCommit:         req.AutoCommit,
		PushToRemote:       req.PushToRemote,
		CreatePR:           req.CreatePR,
		PRBaseBranch:       req.PRBaseBranch,
		GitMode:            req.GitMode,
		GitRemoteURL:       req.GitRemoteURL,
		MaxRuntimeHours:    req.MaxRuntimeHours,
		MaxTotalIterations: req.MaxTotalIterations,
	}
	if cfg.ParallelTasks <= 0 {
		cfg.ParallelTasks = d.ParallelTasks
	}
	if cfg.MaxTotalIterations <= 0 {
		cfg.MaxTotalIterations = d.MaxTotalIterations
	}
	if cfg.MaxRuntimeHours <= 0 {
		cfg.MaxRuntimeHours = d.MaxRuntimeHours
	}
	if cfg.GitMode == "" {
		cfg.GitMode = d.GitMode
	}
	return cfg
}
