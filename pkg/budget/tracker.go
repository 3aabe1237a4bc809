// Package budget tracks per-session resource counters with hard ceilings.
// Checks fail fast with a typed error before the counter is committed;
// records commit after execution. The interpreter must pair every check with
// a record.
package budget

import (
	"fmt"
	"sync"
	"time"
)

// Kind identifies which ceiling a budget check hit.
type Kind string

const (
	KindToolLoops           Kind = "tool-loops"
	KindToolCallsPerMessage Kind = "tool-calls-per-message"
	KindToolCallsPerSession Kind = "tool-calls-per-session"
	KindShellSeconds        Kind = "shell-time-seconds"
	KindOutputBytes         Kind = "output-bytes-total"
)

// ExceededError is the typed budget failure. It aborts the remainder of the
// current tool batch but is never fatal to the run.
type ExceededError struct {
	Kind    Kind
	Current int64
	Limit   int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded (%s): %d of %d", e.Kind, e.Current, e.Limit)
}

// Limits holds the ceilings for one session. Zero values fall back to the
// defaults at tracker construction.
type Limits struct {
	ToolLoopsPerMessage    int   `json:"tool_loops_per_message" yaml:"tool_loops_per_message"`
	ToolCallsPerMessage    int   `json:"tool_calls_per_message" yaml:"tool_calls_per_message"`
	ToolCallsPerSession    int   `json:"tool_calls_per_session" yaml:"tool_calls_per_session"`
	ShellSecondsPerSession int   `json:"shell_seconds_per_session" yaml:"shell_seconds_per_session"`
	OutputBytesPerSession  int64 `json:"output_bytes_per_session" yaml:"output_bytes_per_session"`
}

// DefaultLimits returns the stock ceilings.
func DefaultLimits() Limits {
	return Limits{
		ToolLoopsPerMessage:    6,
		ToolCallsPerMessage:    30,
		ToolCallsPerSession:    500,
		ShellSecondsPerSession: 300,
		OutputBytesPerSession:  5 * 1024 * 1024,
	}
}

// withDefaults fills in zero fields.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.ToolLoopsPerMessage <= 0 {
		l.ToolLoopsPerMessage = d.ToolLoopsPerMessage
	}
	if l.ToolCallsPerMessage <= 0 {
		l.ToolCallsPerMessage = d.ToolCallsPerMessage
	}
	if l.ToolCallsPerSession <= 0 {
		l.ToolCallsPerSession = d.ToolCallsPerSession
	}
	if l.ShellSecondsPerSession <= 0 {
		l.ShellSecondsPerSession = d.ShellSecondsPerSession
	}
	if l.OutputBytesPerSession <= 0 {
		l.OutputBytesPerSession = d.OutputBytesPerSession
	}
	return l
}

// Counters is a point-in-time copy of a tracker's state, used for audit.
type Counters struct {
	LoopsThisMessage int
	CallsThisMessage int
	CallsThisSession int
	ShellSeconds     float64
	OutputBytes      int64
}

// Tracker owns the counters of one session. Per-message counters reset at
// the start of each agent turn; per-session counters persist for the
// session's lifetime. A mutex guards the counters so concurrent misuse still
// keeps them linearizable.
type Tracker struct {
	mu        sync.Mutex
	sessionID string
	limits    Limits

	loopsThisMessage int
	callsThisMessage int
	callsThisSession int
	shellSeconds     float64
	outputBytes      int64
}

// NewTracker builds a tracker for a session with the given ceilings.
func NewTracker(sessionID string, limits Limits) *Tracker {
	return &Tracker{sessionID: sessionID, limits: limits.withDefaults()}
}

// SessionID returns the owning session id.
func (t *Tracker) SessionID() string { return t.sessionID }

// Limits returns the effective ceilings.
func (t *Tracker) Limits() Limits { return t.limits }

// ResetMessage clears the per-message counters at the start of an agent turn.
func (t *Tracker) ResetMessage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loopsThisMessage = 0
	t.callsThisMessage = 0
}

// CheckToolLoop fails if starting one more tool iteration would exceed the
// per-message loop ceiling. It does not increment.
func (t *Tracker) CheckToolLoop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loopsThisMessage >= t.limits.ToolLoopsPerMessage {
		return &ExceededError{
			Kind:    KindToolLoops,
			Current: int64(t.loopsThisMessage),
			Limit:   int64(t.limits.ToolLoopsPerMessage),
		}
	}
	return nil
}

// RecordToolLoop commits one tool iteration.
func (t *Tracker) RecordToolLoop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loopsThisMessage++
}

// CheckToolCall fails if one more call would cross any ceiling: per-message
// calls, per-session calls, accumulated shell seconds, or total output bytes.
// It does not increment; call RecordToolCall after the tool executed.
func (t *Tracker) CheckToolCall() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.callsThisMessage >= t.limits.ToolCallsPerMessage {
		return &ExceededError{
			Kind:    KindToolCallsPerMessage,
			Current: int64(t.callsThisMessage),
			Limit:   int64(t.limits.ToolCallsPerMessage),
		}
	}
	if t.callsThisSession >= t.limits.ToolCallsPerSession {
		return &ExceededError{
			Kind:    KindToolCallsPerSession,
			Current: int64(t.callsThisSession),
			Limit:   int64(t.limits.ToolCallsPerSession),
		}
	}
	if t.shellSeconds >= float64(t.limits.ShellSecondsPerSession) {
		return &ExceededError{
			Kind:    KindShellSeconds,
			Current: int64(t.shellSeconds),
			Limit:   int64(t.limits.ShellSecondsPerSession),
		}
	}
	if t.outputBytes >= t.limits.OutputBytesPerSession {
		return &ExceededError{
			Kind:    KindOutputBytes,
			Current: t.outputBytes,
			Limit:   t.limits.OutputBytesPerSession,
		}
	}
	return nil
}

// RecordToolCall commits a completed call and its output size.
func (t *Tracker) RecordToolCall(outputSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callsThisMessage++
	t.callsThisSession++
	t.outputBytes += int64(outputSize)
}

// RecordShellSeconds accumulates subprocess wall time for the session.
func (t *Tracker) RecordShellSeconds(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shellSeconds += d.Seconds()
}

// Snapshot returns a copy of the counters.
func (t *Tracker) Snapshot() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Counters{
		LoopsThisMessage: t.loopsThisMessage,
		CallsThisMessage: t.callsThisMessage,
		CallsThisSession: t.callsThisSession,
		ShellSeconds:     t.shellSeconds,
		OutputBytes:      t.outputBytes,
	}
}
