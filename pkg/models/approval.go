package models

import "time"

// ApprovalStatus is the lifecycle status of a pending approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ActionKind is the class of high-impact action a diff-first approval guards.
type ActionKind string

const (
	ActionWrite  ActionKind = "write"
	ActionDelete ActionKind = "delete"
	ActionShell  ActionKind = "shell"
)

// IsValid reports whether the action kind is one of the known classes.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionWrite, ActionDelete, ActionShell:
		return true
	}
	return false
}

// PendingApproval is a diff-first approval record. It lives in process memory;
// its lifecycle is audited, not persisted as a row.
type PendingApproval struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	Agent        string         `json:"agent"`
	Action       ActionKind     `json:"action"`
	Target       string         `json:"target"`
	ContentHash  string         `json:"content_hash"`
	Diff         string         `json:"diff"`
	Status       ApprovalStatus `json:"status"`
	Timeout      time.Duration  `json:"timeout"`
	ApproverNote string         `json:"approver_note,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}
