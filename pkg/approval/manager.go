// Package approval implements diff-first human approval for high-impact
// actions. Pending approvals live in process memory; their lifecycle is
// audited and broadcast on the event stream, never persisted as rows.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/foreman/pkg/audit"
	"github.com/crewline/foreman/pkg/models"
)

// DefaultTimeout applies when neither the request nor the manager sets one.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrNotFound means no approval exists under the given ID.
	ErrNotFound = errors.New("approval not found")
	// ErrAlreadyResolved means the approval left the pending state earlier.
	ErrAlreadyResolved = errors.New("approval already resolved")
	// ErrRejected means the approver declined the action.
	ErrRejected = errors.New("approval rejected")
	// ErrExpired means no resolution arrived inside the timeout window.
	ErrExpired = errors.New("approval expired")
	// ErrContentMismatch means content changed between approval and execution.
	ErrContentMismatch = errors.New("approved content hash mismatch")
)

// Notifier broadcasts approval lifecycle changes to the event stream.
type Notifier interface {
	ApprovalRequested(ctx context.Context, rec models.PendingApproval)
	ApprovalResolved(ctx context.Context, rec models.PendingApproval)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) ApprovalRequested(context.Context, models.PendingApproval) {}
func (NopNotifier) ApprovalResolved(context.Context, models.PendingApproval)  {}

// Auditor appends approval lifecycle entries to the audit trail.
// Satisfied by *audit.Sink.
type Auditor interface {
	Event(rec models.AuditEvent) string
}

// Request describes one action awaiting approval.
type Request struct {
	SessionID  string
	Agent      string
	Action     models.ActionKind
	Target     string
	OldContent string
	NewContent string
	Timeout    time.Duration
}

type pending struct {
	record models.PendingApproval
	cond   *sync.Cond
}

// Manager is the in-process approval store. All state transitions happen
// under one mutex; each pending approval carries its own condition variable
// for the blocked requester.
type Manager struct {
	mu        sync.Mutex
	approvals map[string]*pending

	timeout  time.Duration
	notifier Notifier
	auditor  Auditor
}

// NewManager creates a manager. defaultTimeout <= 0 selects DefaultTimeout;
// notifier and auditor may be nil.
func NewManager(defaultTimeout time.Duration, notifier Notifier, auditor Auditor) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Manager{
		approvals: make(map[string]*pending),
		timeout:   defaultTimeout,
		notifier:  notifier,
		auditor:   auditor,
	}
}

// RequestAndWait registers the approval, announces it, and blocks until an
// approver resolves it, the timeout elapses, or ctx is cancelled. The
// returned record is a snapshot; err is nil only for an approved action.
// Any failure inside the approval path resolves to "not approved".
func (m *Manager) RequestAndWait(ctx context.Context, req Request) (models.PendingApproval, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}

	diff, _, _ := audit.UnifiedDiff(req.OldContent, req.NewContent, req.Target)
	rec := models.PendingApproval{
		ID:          uuid.New().String(),
		SessionID:   req.SessionID,
		Agent:       req.Agent,
		Action:      req.Action,
		Target:      req.Target,
		ContentHash: audit.HashString(req.NewContent),
		Diff:        diff,
		Status:      models.ApprovalPending,
		Timeout:     timeout,
		CreatedAt:   time.Now().UTC(),
	}

	p := &pending{record: rec}
	m.mu.Lock()
	p.cond = sync.NewCond(&m.mu)
	m.approvals[rec.ID] = p
	m.mu.Unlock()

	slog.Info("Approval requested",
		"approval_id", rec.ID,
		"session_id", rec.SessionID,
		"agent", rec.Agent,
		"action", rec.Action,
		"target", rec.Target,
		"timeout", timeout)
	m.notifier.ApprovalRequested(ctx, rec)
	m.auditEvent(rec, "approval requested")

	timer := time.AfterFunc(timeout, func() {
		m.resolve(rec.ID, models.ApprovalExpired, "timed out")
	})
	defer timer.Stop()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			m.resolve(rec.ID, models.ApprovalExpired, "context cancelled")
		case <-watchDone:
		}
	}()

	m.mu.Lock()
	for p.record.Status == models.ApprovalPending {
		p.cond.Wait()
	}
	final := p.record
	m.mu.Unlock()

	switch final.Status {
	case models.ApprovalApproved:
		return final, nil
	case models.ApprovalRejected:
		return final, fmt.Errorf("%s %s: %w", final.Action, final.Target, ErrRejected)
	default:
		if err := ctx.Err(); err != nil {
			return final, fmt.Errorf("approval wait aborted: %w", err)
		}
		return final, fmt.Errorf("%s %s after %s: %w", final.Action, final.Target, timeout, ErrExpired)
	}
}

// Approve marks the approval approved and wakes the waiting requester.
func (m *Manager) Approve(id, note string) error {
	return m.resolve(id, models.ApprovalApproved, note)
}

// Reject marks the approval rejected and wakes the waiting requester.
func (m *Manager) Reject(id, note string) error {
	return m.resolve(id, models.ApprovalRejected, note)
}

func (m *Manager) resolve(id string, status models.ApprovalStatus, note string) error {
	m.mu.Lock()
	p, ok := m.approvals[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if p.record.Status != models.ApprovalPending {
		m.mu.Unlock()
		return fmt.Errorf("approval %s is %s: %w", id, p.record.Status, ErrAlreadyResolved)
	}
	now := time.Now().UTC()
	p.record.Status = status
	p.record.ApproverNote = note
	p.record.ResolvedAt = &now
	final := p.record
	p.cond.Broadcast()
	m.mu.Unlock()

	slog.Info("Approval resolved",
		"approval_id", id, "status", status, "note", note)
	m.notifier.ApprovalResolved(context.Background(), final)
	m.auditEvent(final, "approval "+string(status))
	return nil
}

// VerifyApproved re-hashes content at execution time against the approved
// hash. A mismatch means the content changed after approval and the write
// must not proceed.
func (m *Manager) VerifyApproved(id string, content string) error {
	m.mu.Lock()
	p, ok := m.approvals[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	rec := p.record
	m.mu.Unlock()

	if rec.Status != models.ApprovalApproved {
		return fmt.Errorf("approval %s is %s: %w", id, rec.Status, ErrRejected)
	}
	if audit.HashString(content) != rec.ContentHash {
		slog.Error("Approved content hash mismatch, refusing execution",
			"approval_id", id, "target", rec.Target)
		return fmt.Errorf("approval %s target %s: %w", id, rec.Target, ErrContentMismatch)
	}
	return nil
}

// Get returns a snapshot of one approval.
func (m *Manager) Get(id string) (models.PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.approvals[id]
	if !ok {
		return models.PendingApproval{}, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	return p.record, nil
}

// List returns approvals filtered by status (empty status = all), newest
// first.
func (m *Manager) List(status models.ApprovalStatus) []models.PendingApproval {
	m.mu.Lock()
	out := make([]models.PendingApproval, 0, len(m.approvals))
	for _, p := range m.approvals {
		if status != "" && p.record.Status != status {
			continue
		}
		out = append(out, p.record)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) auditEvent(rec models.PendingApproval, message string) {
	if m.auditor == nil {
		return
	}
	m.auditor.Event(models.AuditEvent{
		SessionID: &rec.SessionID,
		Category:  "approval",
		Message:   message,
		Metadata: map[string]any{
			"approval_id":  rec.ID,
			"action":       string(rec.Action),
			"target":       rec.Target,
			"content_hash": rec.ContentHash,
			"status":       string(rec.Status),
		},
	})
}
