// Package events carries run progress to observers: a transactional
// publisher (INSERT + pg_notify), a dedicated NOTIFY listener, a
// ConnectionManager for WebSocket and in-process (SSE) subscribers, and
// catchup from the events table.
//
// Delivery model: every event is persisted on its run channel and broadcast
// via NOTIFY to the run channel plus the global runs channel in the same
// transaction. Subscribers that reconnect catch up from the events table by
// last event id. Per-task ordering is preserved by the single publisher call
// path; ordering across tasks is not guaranteed.
package events

import "time"

// Run lifecycle event types.
const (
	TypeProjectStarted    = "project_started"
	TypePlanningStarted   = "planning_started"
	TypePlanningCompleted = "planning_completed"
	TypeProjectCompleted  = "project_completed"
	TypeProjectFailed     = "project_failed"
	TypeProjectCancelled  = "project_cancelled"
	TypePaused            = "paused"
	TypeResumed           = "resumed"
)

// Task event types.
const (
	TypeTaskCreated     = "task_created"
	TypeTaskStarted     = "task_started"
	TypeTaskProgress    = "task_progress"
	TypeTaskAgentOutput = "task_agent_output"
	TypeTaskCompleted   = "task_completed"
	TypeTaskFailed      = "task_failed"
	TypeTaskFixing      = "task_fixing"
)

// Quality gate event types.
const (
	TypeQualityGateCheck  = "quality_gate_check"
	TypeQualityGatePassed = "quality_gate_passed"
	TypeQualityGateFailed = "quality_gate_failed"
)

// Git event types.
const (
	TypeGitCommit    = "git_commit"
	TypeGitPush      = "git_push"
	TypeGitPRCreated = "git_pr_created"
)

// Tooling event types.
const (
	TypeModelSelected = "model_selected"
	TypeError         = "error"
	TypeTimeout       = "timeout"
)

// Approval event types.
const (
	TypeApprovalRequested = "approval_requested"
	TypeApprovalResolved  = "approval_resolved"
)

// Event is one progress record emitted at a state transition. The type set
// above is closed; Data carries type-specific fields (task_id, gate, commit
// ref, ...).
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds an event stamped with the current time.
func New(eventType, runID string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		RunID:     runID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Terminal reports whether this event closes the run's stream. SSE bridges
// send the [DONE] sentinel after a terminal event.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeProjectCompleted, TypeProjectFailed, TypeProjectCancelled:
		return true
	}
	return false
}

// GlobalRunsChannel receives a transient copy of every run event. The run
// list page subscribes to it; catchup is only supported on run channels.
const GlobalRunsChannel = "runs"

// RunChannel returns the channel name for a run's events.
// Format: "run:{run_id}"
func RunChannel(runID string) string {
	return "run:" + runID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // Channel name (e.g., "run:abc-123")
	LastEventID *int64 `json:"last_event_id,omitempty"` // For catchup
}
