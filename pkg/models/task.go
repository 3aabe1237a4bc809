package models

import "time"

// TaskStatus is the lifecycle status of a single graph node.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusVerifying TaskStatus = "verifying"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusBlocked   TaskStatus = "blocked"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped, TaskStatusBlocked:
		return true
	}
	return false
}

// QualityGate is a post-attempt check whose failure forces a retry with feedback.
type QualityGate string

const (
	GateTestsPass      QualityGate = "tests-pass"
	GateReviewApproved QualityGate = "review-approved"
	GateLintClean      QualityGate = "lint-clean"
	GateTypeCheck      QualityGate = "type-check"
	GateBuildSuccess   QualityGate = "build-success"
)

// KnownGate reports whether name is one of the fixed gate set.
// Unknown names are dropped at plan parse.
func KnownGate(name string) bool {
	switch QualityGate(name) {
	case GateTestsPass, GateReviewApproved, GateLintClean, GateTypeCheck, GateBuildSuccess:
		return true
	}
	return false
}

// GateResult records the outcome of one quality gate check.
type GateResult struct {
	Gate      QualityGate `json:"gate"`
	Passed    bool        `json:"passed"`
	Error     string      `json:"error,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
}

// Task is one node of a run's graph, executed by one agent.
type Task struct {
	ID           string                `json:"id"`
	RunID        string                `json:"run_id"`
	Title        string                `json:"title"`
	Description  string                `json:"description"`
	Agent        string                `json:"agent"`
	DependsOn    []string              `json:"depends_on"`
	Gates        []QualityGate         `json:"gates"`
	TargetFiles  []string              `json:"target_files,omitempty"`
	Priority     int                   `json:"priority"`
	MaxAttempts  int                   `json:"max_attempts"`
	Skippable    bool                  `json:"skippable"`
	Status       TaskStatus            `json:"status"`
	Attempt      int                   `json:"attempt"`
	Result       *string               `json:"result,omitempty"`
	Error        *string               `json:"error,omitempty"`
	BlockedBy    *string               `json:"blocked_by,omitempty"`
	CommitRef    *string               `json:"commit_ref,omitempty"`
	Verification map[string]GateResult `json:"verification,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
}

// Attempt records one execution of a task by its agent plus one pass
// through its quality gates.
type Attempt struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	RunID       string       `json:"run_id"`
	Seq         int          `json:"seq"`
	Response    string       `json:"response"`
	GateResults []GateResult `json:"gate_results,omitempty"`
	Feedback    *string      `json:"feedback,omitempty"`
	CommitRef   *string      `json:"commit_ref,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
}

// PlannedTask is one entry of the planner's task list before ids are assigned.
type PlannedTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Agent       string   `json:"agent"`
	DependsOn   []any    `json:"depends_on,omitempty"` // string ids or integer positions
	Gates       []string `json:"gates,omitempty"`
	TargetFiles []string `json:"target_files,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Skippable   bool     `json:"skippable,omitempty"`
}

// TaskLogEntry is one per-task log line with optional tool metadata.
type TaskLogEntry struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	TaskID    string         `json:"task_id"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	ToolID    *string        `json:"tool_id,omitempty"`
	ToolArgs  map[string]any `json:"tool_args,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
