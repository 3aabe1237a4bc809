package guardrails

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/foreman/pkg/approval"
	"github.com/crewline/foreman/pkg/audit"
	"github.com/crewline/foreman/pkg/budget"
	"github.com/crewline/foreman/pkg/models"
	"github.com/crewline/foreman/pkg/policy"
	"github.com/crewline/foreman/pkg/tools"
)

// paramValueLimit caps how much of a single string argument lands in the
// redacted-params audit column. The params hash still covers the full value.
const paramValueLimit = 2048

// Flags mark which guard denied a tool call.
type Flags struct {
	PolicyBlocked    bool `json:"policy_blocked"`
	SandboxViolation bool `json:"sandbox_violation"`
	BudgetExceeded   bool `json:"budget_exceeded"`
	ApprovalRejected bool `json:"approval_rejected"`
}

// Decision is the outcome of CheckToolExecution. AuditLogID links the
// pre-execution decision to the post-execution record; ApprovalID is set
// when a diff-first approval gated the call.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	Flags      Flags  `json:"flags"`
	AuditLogID string `json:"audit_log_id,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// Enforcer guards tool executions for one agent in one session. Callers must
// bracket every execution: CheckToolExecution before the tool runs,
// RecordToolExecution after. Skipping either leaves the audit trail or the
// budget counters behind reality.
type Enforcer struct {
	g         *Guardrails
	agentID   string
	sessionID string
	taskID    string
	policy    policy.Policy
	tracker   *budget.Tracker
}

// Policy returns the resolved agent policy.
func (e *Enforcer) Policy() policy.Policy { return e.policy }

// ResetMessage clears the per-message budget counters at the start of a turn.
func (e *Enforcer) ResetMessage() { e.tracker.ResetMessage() }

// CheckToolLoop fails with *budget.ExceededError when starting one more tool
// iteration would cross the per-message ceiling. Denials are audited.
func (e *Enforcer) CheckToolLoop() error {
	err := e.tracker.CheckToolLoop()
	var exceeded *budget.ExceededError
	if errors.As(err, &exceeded) {
		e.auditBudget(exceeded)
	}
	return err
}

// RecordToolLoop commits one tool iteration.
func (e *Enforcer) RecordToolLoop() { e.tracker.RecordToolLoop() }

// BudgetSnapshot returns a copy of the current budget counters.
func (e *Enforcer) BudgetSnapshot() budget.Counters { return e.tracker.Snapshot() }

// CheckToolExecution runs the guard pipeline for one tool call: policy
// allowlist, budget ceilings, filesystem jail, then diff-first approval. It
// blocks while an approval waits for resolution or ctx cancellation.
// Validated filesystem paths are written back into args so the tool executes
// the resolved form, never the raw input.
func (e *Enforcer) CheckToolExecution(ctx context.Context, toolID string, args map[string]any) Decision {
	if !e.policy.ToolAllowed(toolID) {
		return e.deny(toolID, args, Flags{PolicyBlocked: true},
			fmt.Sprintf("tool %q is not allowed for agent %q", toolID, e.agentID))
	}

	action := stringArg(args, "action")
	if toolID == "filesystem" && e.policy.FilesystemReadOnly && mutatesFilesystem(action) {
		return e.deny(toolID, args, Flags{PolicyBlocked: true},
			fmt.Sprintf("agent %q has read-only filesystem access", e.agentID))
	}

	if err := e.tracker.CheckToolCall(); err != nil {
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			e.auditBudget(exceeded)
		}
		return e.deny(toolID, args, Flags{BudgetExceeded: true}, err.Error())
	}

	if toolID == "filesystem" {
		if dec, ok := e.checkFilesystem(args, action); !ok {
			return dec
		}
	}

	approvalID, err := e.checkApproval(ctx, toolID, args, action)
	if err != nil {
		return e.deny(toolID, args, Flags{ApprovalRejected: true}, err.Error())
	}

	return Decision{Allowed: true, AuditLogID: uuid.New().String(), ApprovalID: approvalID}
}

// RecordToolExecution commits the budget spend and writes the post-call
// audit records for an executed tool. dec must be the decision that allowed
// the call; the tool-call row reuses its AuditLogID. Returns the audit id.
func (e *Enforcer) RecordToolExecution(ctx context.Context, dec Decision, toolID string, args map[string]any, result *tools.Result, duration time.Duration) string {
	_ = ctx
	if result == nil {
		result = &tools.Result{}
	}

	if toolID == "shell" {
		e.tracker.RecordShellSeconds(duration)
	}
	e.tracker.RecordToolCall(len(result.Output))

	id := e.auditToolCall(models.ToolCallAudit{
		ID:             dec.AuditLogID,
		SessionID:      e.sessionID,
		Agent:          e.agentID,
		TaskID:         optional(e.taskID),
		ToolID:         toolID,
		ParamsRedacted: e.redactArgs(args),
		ParamsHash:     hashArgs(args),
		OutputLen:      len(result.Output),
		OutputHash:     audit.HashString(result.Output),
		DurationMs:     duration.Milliseconds(),
		Success:        result.Success,
	})

	if toolID == "filesystem" {
		e.auditFileOp(dec, result)
	}
	return id
}

// checkFilesystem jails write-class paths and screens read paths. On success
// the resolved absolute forms replace the raw args.
func (e *Enforcer) checkFilesystem(args map[string]any, action string) (Decision, bool) {
	rawPath := stringArg(args, "path")

	switch action {
	case "write", "delete", "mkdir":
		resolved, err := e.g.sandbox.ValidateWrite(rawPath)
		if err != nil {
			e.auditBlockedFileOp(action, rawPath)
			return e.deny("filesystem", args, Flags{SandboxViolation: true}, err.Error()), false
		}
		if !e.writeScoped(resolved) {
			e.auditBlockedFileOp(action, rawPath)
			return e.deny("filesystem", args, Flags{PolicyBlocked: true},
				fmt.Sprintf("path %q is outside the write scope of agent %q", resolved, e.agentID)), false
		}
		args["path"] = resolved
	case "copy":
		src, err := e.g.sandbox.ValidateRead(rawPath)
		if err != nil {
			e.auditBlockedFileOp(action, rawPath)
			return e.deny("filesystem", args, Flags{SandboxViolation: true}, err.Error()), false
		}
		args["path"] = src

		rawDest := stringArg(args, "destination")
		dest, err := e.g.sandbox.ValidateWrite(rawDest)
		if err != nil {
			e.auditBlockedFileOp(action, rawDest)
			return e.deny("filesystem", args, Flags{SandboxViolation: true}, err.Error()), false
		}
		if !e.writeScoped(dest) {
			e.auditBlockedFileOp(action, rawDest)
			return e.deny("filesystem", args, Flags{PolicyBlocked: true},
				fmt.Sprintf("path %q is outside the write scope of agent %q", dest, e.agentID)), false
		}
		args["destination"] = dest
	case "read", "list":
		resolved, err := e.g.sandbox.ValidateRead(rawPath)
		if err != nil {
			return e.deny("filesystem", args, Flags{SandboxViolation: true}, err.Error()), false
		}
		args["path"] = resolved
	}
	return Decision{}, true
}

// writeScoped reports whether the policy's write scope admits a resolved
// path. An empty scope admits the whole jail. Scope entries are matched
// against the jail-relative path: a plain entry is a directory prefix, a
// glob entry matches the relative path or its basename.
func (e *Enforcer) writeScoped(resolved string) bool {
	if len(e.policy.WritePaths) == 0 {
		return true
	}

	rel := resolved
	for _, dir := range e.g.sandbox.AllowedDirs() {
		r, err := filepath.Rel(dir, resolved)
		if err == nil && r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			rel = r
			break
		}
	}

	for _, scope := range e.policy.WritePaths {
		scope = strings.TrimSuffix(scope, "/")
		if scope == "" {
			continue
		}
		if rel == scope || strings.HasPrefix(rel, scope+string(filepath.Separator)) {
			return true
		}
		if ok, err := filepath.Match(scope, rel); err == nil && ok {
			return true
		}
		if ok, err := filepath.Match(scope, filepath.Base(rel)); err == nil && ok {
			return true
		}
	}
	return false
}

// checkApproval blocks on a diff-first approval when a policy rule matches
// the action. Returns the approval id on approval, an error on rejection,
// expiry, or any internal failure in the approval path.
func (e *Enforcer) checkApproval(ctx context.Context, toolID string, args map[string]any, action string) (string, error) {
	kind, target, oldContent, newContent, ok := approvalSubject(toolID, args, action)
	if !ok {
		return "", nil
	}
	rule, required := e.policy.ApprovalFor(kind, target)
	if !required {
		return "", nil
	}
	if e.g.approvals == nil {
		return "", fmt.Errorf("approval required for %s on %s but no approver is wired", kind, target)
	}

	rec, err := e.g.approvals.RequestAndWait(ctx, approval.Request{
		SessionID:  e.sessionID,
		Agent:      e.agentID,
		Action:     kind,
		Target:     target,
		OldContent: oldContent,
		NewContent: newContent,
		Timeout:    rule.Timeout,
	})
	if err != nil {
		return "", err
	}
	if err := e.g.approvals.VerifyApproved(rec.ID, newContent); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// approvalSubject maps a tool call onto an approvable action and the content
// pair whose diff the approver reviews. Paths are already jail-resolved here.
func approvalSubject(toolID string, args map[string]any, action string) (models.ActionKind, string, string, string, bool) {
	switch toolID {
	case "shell":
		cmd := stringArg(args, "command")
		return models.ActionShell, cmd, "", cmd, true
	case "filesystem":
		path := stringArg(args, "path")
		switch action {
		case "write":
			return models.ActionWrite, path, readFileOrEmpty(path), stringArg(args, "content"), true
		case "delete":
			return models.ActionDelete, path, readFileOrEmpty(path), "", true
		case "copy":
			dest := stringArg(args, "destination")
			return models.ActionWrite, dest, readFileOrEmpty(dest), readFileOrEmpty(path), true
		}
	}
	return "", "", "", "", false
}

// deny records the blocked call in the audit trail and returns the denial.
func (e *Enforcer) deny(toolID string, args map[string]any, flags Flags, reason string) Decision {
	slog.Warn("Tool call denied",
		"agent", e.agentID,
		"session_id", e.sessionID,
		"tool", toolID,
		"reason", reason)

	id := e.auditToolCall(models.ToolCallAudit{
		SessionID:        e.sessionID,
		Agent:            e.agentID,
		TaskID:           optional(e.taskID),
		ToolID:           toolID,
		ParamsRedacted:   e.redactArgs(args),
		ParamsHash:       hashArgs(args),
		Success:          false,
		PolicyBlocked:    flags.PolicyBlocked,
		SandboxViolation: flags.SandboxViolation,
		BudgetExceeded:   flags.BudgetExceeded,
		ApprovalRejected: flags.ApprovalRejected,
	})
	return Decision{Reason: reason, Flags: flags, AuditLogID: id}
}

// auditFileOp writes the file-operation row for a mutating filesystem call,
// compressing the diff above the storage threshold.
func (e *Enforcer) auditFileOp(dec Decision, result *tools.Result) {
	if e.g.sink == nil {
		return
	}
	op := dataString(result.Data, "operation")
	switch op {
	case "write", "delete", "copy", "mkdir":
	default:
		return
	}

	diff, compressed := audit.CompressDiff([]byte(dataString(result.Data, "diff")))
	e.g.sink.FileOp(models.FileOpAudit{
		SessionID:      e.sessionID,
		Agent:          e.agentID,
		Path:           dataString(result.Data, "path"),
		Operation:      op,
		BeforeHash:     optional(dataString(result.Data, "before_hash")),
		AfterHash:      optional(dataString(result.Data, "after_hash")),
		Diff:           diff,
		DiffCompressed: compressed,
		LinesAdded:     dataInt(result.Data, "lines_added"),
		LinesRemoved:   dataInt(result.Data, "lines_removed"),
		ApprovalID:     optional(dec.ApprovalID),
	})
}

func (e *Enforcer) auditToolCall(rec models.ToolCallAudit) string {
	if e.g.sink == nil {
		return ""
	}
	return e.g.sink.ToolCall(rec)
}

func (e *Enforcer) auditBudget(err *budget.ExceededError) {
	if e.g.sink == nil {
		return
	}
	e.g.sink.BudgetCheck(models.BudgetCheckAudit{
		SessionID:  e.sessionID,
		BudgetKind: string(err.Kind),
		Current:    err.Current,
		Limit:      err.Limit,
		Exceeded:   true,
	})
}

func (e *Enforcer) auditBlockedFileOp(operation, path string) {
	if e.g.sink == nil {
		return
	}
	e.g.sink.FileOp(models.FileOpAudit{
		SessionID: e.sessionID,
		Agent:     e.agentID,
		Path:      path,
		Operation: operation,
		Blocked:   true,
	})
}

// redactArgs returns an audit-safe copy of args: string values pass through
// the redaction pipeline and are capped at paramValueLimit bytes.
func (e *Enforcer) redactArgs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		s, isString := v.(string)
		if !isString {
			out[k] = v
			continue
		}
		if e.g.redactor != nil {
			s, _ = e.g.redactor.Apply(s)
		}
		s, _ = audit.TruncateWithHash(s, paramValueLimit)
		out[k] = s
	}
	return out
}

func mutatesFilesystem(action string) bool {
	switch action {
	case "write", "delete", "copy", "mkdir":
		return true
	}
	return false
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func dataString(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func dataInt(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func hashArgs(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		b = []byte(fmt.Sprint(args))
	}
	return audit.HashContent(b)
}
