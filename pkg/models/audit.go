package models

import "time"

// ToolCallAudit is the post-execution audit record of one tool invocation.
type ToolCallAudit struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	Agent            string         `json:"agent"`
	TaskID           *string        `json:"task_id,omitempty"`
	ToolID           string         `json:"tool_id"`
	ParamsRedacted   map[string]any `json:"params_redacted,omitempty"`
	ParamsHash       string         `json:"params_hash"`
	OutputLen        int            `json:"output_len"`
	OutputHash       string         `json:"output_hash"`
	DurationMs       int64          `json:"duration_ms"`
	Success          bool           `json:"success"`
	PolicyBlocked    bool           `json:"policy_blocked"`
	SandboxViolation bool           `json:"sandbox_violation"`
	BudgetExceeded   bool           `json:"budget_exceeded"`
	ApprovalRejected bool           `json:"approval_rejected"`
	CreatedAt        time.Time      `json:"created_at"`
}

// FileOpAudit records a filesystem operation with before/after hashes and an
// optional (possibly compressed) unified diff.
type FileOpAudit struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Agent          string    `json:"agent"`
	Path           string    `json:"path"`
	Operation      string    `json:"operation"`
	BeforeHash     *string   `json:"before_hash,omitempty"`
	AfterHash      *string   `json:"after_hash,omitempty"`
	Diff           []byte    `json:"diff,omitempty"`
	DiffCompressed bool      `json:"diff_compressed"`
	LinesAdded     int       `json:"lines_added"`
	LinesRemoved   int       `json:"lines_removed"`
	Blocked        bool      `json:"blocked"`
	ApprovalID     *string   `json:"approval_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// LLMExchangeAudit records one agent exchange by hash; bodies above the
// retention limit keep a truncated copy plus the original hash.
type LLMExchangeAudit struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Agent         string    `json:"agent"`
	ContentHash   string    `json:"content_hash"`
	ContentLen    int       `json:"content_len"`
	TruncatedBody *string   `json:"truncated_body,omitempty"`
	OriginalHash  string    `json:"original_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// BudgetCheckAudit records one budget consultation.
type BudgetCheckAudit struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	BudgetKind string    `json:"budget_kind"`
	Current    int64     `json:"current"`
	Limit      int64     `json:"limit"`
	Exceeded   bool      `json:"exceeded"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditEvent is a generic append-only audit entry.
type AuditEvent struct {
	ID        string         `json:"id"`
	SessionID *string        `json:"session_id,omitempty"`
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
