// Package models contains request/response models and business domain types.
package models

import "time"

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunStateIntake    RunState = "intake"
	RunStateQueued    RunState = "queued"
	RunStatePlanning  RunState = "planning"
	RunStatePlanReady RunState = "plan_ready"
	RunStateExecuting RunState = "executing"
	RunStateVerifying RunState = "verifying"
	RunStatePaused    RunState = "paused"
	RunStateCancelled RunState = "cancelled"
	RunStateDone      RunState = "done"
	RunStateFailed    RunState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == RunStateDone || s == RunStateFailed || s == RunStateCancelled
}

// IsValid reports whether the state is one of the known lifecycle states.
func (s RunState) IsValid() bool {
	switch s {
	case RunStateIntake, RunStateQueued, RunStatePlanning, RunStatePlanReady,
		RunStateExecuting, RunStateVerifying, RunStatePaused,
		RunStateCancelled, RunStateDone, RunStateFailed:
		return true
	}
	return false
}

// GitMode controls how the run treats the workspace repository.
type GitMode string

const (
	GitModeNone   GitMode = "none"   // no git operations
	GitModeLocal  GitMode = "local"  // init/commit locally, never push
	GitModeRemote GitMode = "remote" // commit and push to the configured remote
)

// IsValid reports whether the mode is one of the known git treatments.
func (m GitMode) IsValid() bool {
	switch m {
	case GitModeNone, GitModeLocal, GitModeRemote:
		return true
	}
	return false
}

// RunConfig is the per-run execution configuration, persisted as JSON on the run.
type RunConfig struct {
	ParallelTasks      int     `json:"parallel_tasks"`
	TaskTimeoutSeconds int     `json:"task_timeout_seconds"`
	MaxAttempts        int     `json:"max_attempts"`
	FailFast           bool    `json:"fail_fast"`
	PlannerAgent       string  `json:"planner_agent"`
	AutoCommit         bool    `json:"auto_commit"`
	PushToRemote       bool    `json:"push_to_remote"`
	CreatePR           bool    `json:"create_pr"`
	PRBaseBranch       string  `json:"pr_base_branch,omitempty"`
	GitMode            GitMode `json:"git_mode"`
	GitRemoteURL       string  `json:"git_remote_url,omitempty"`
	MaxRuntimeHours    float64 `json:"max_runtime_hours"`
	MaxTotalIterations int     `json:"max_total_iterations"`
}

// Run is the top-level unit of work: one development request, one plan, one graph.
type Run struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Prompt        string         `json:"prompt"`
	WorkspacePath string         `json:"workspace_path"`
	Config        RunConfig      `json:"config"`
	State         RunState       `json:"state"`
	PlanJSON      map[string]any `json:"plan_json,omitempty"`
	GraphSnapshot map[string]any `json:"graph_snapshot,omitempty"`
	ResumeState   *string        `json:"resume_state,omitempty"`
	Branch        *string        `json:"branch,omitempty"`
	Error         *string        `json:"error,omitempty"`
	ClaimedBy     *string        `json:"claimed_by,omitempty"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	PausedAt      *time.Time     `json:"paused_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// CreateRunRequest contains fields for creating a new run.
type CreateRunRequest struct {
	Name               string  `json:"name"`
	Prompt             string  `json:"prompt"`
	WorkspacePath      string  `json:"workspace_path,omitempty"`
	AutoCommit         bool    `json:"auto_commit"`
	PushToRemote       bool    `json:"push_to_remote"`
	CreatePR           bool    `json:"create_pr"`
	PRBaseBranch       string  `json:"pr_base_branch,omitempty"`
	MaxRuntimeHours    float64 `json:"max_runtime_hours,omitempty"`
	MaxTotalIterations int     `json:"max_total_iterations,omitempty"`
	ParallelTasks      int     `json:"parallel_tasks,omitempty"`
	GitMode            GitMode `json:"git_mode,omitempty"`
	GitRemoteURL       string  `json:"git_remote_url,omitempty"`
}

// RunFilters contains filtering options for listing runs.
type RunFilters struct {
	State  string `json:"state,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// RunListResponse contains a paginated run list.
type RunListResponse struct {
	Runs       []*Run `json:"runs"`
	TotalCount int    `json:"total_count"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

// RunDetailResponse is the detail endpoint payload: the run plus its tasks.
type RunDetailResponse struct {
	Run   *Run    `json:"run"`
	Tasks []*Task `json:"tasks"`
}
