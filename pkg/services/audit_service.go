package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewline/foreman/pkg/models"
)

// AuditService persists append-only audit records. It implements audit.Store,
// so the audit sink flushes straight into these tables.
type AuditService struct {
	pool *pgxpool.Pool
}

// NewAuditService creates a new AuditService
func NewAuditService(pool *pgxpool.Pool) *AuditService {
	return &AuditService{pool: pool}
}

// InsertToolCall persists one tool-call audit record.
func (s *AuditService) InsertToolCall(ctx context.Context, rec *models.ToolCallAudit) error {
	fillAuditDefaults(&rec.ID, &rec.CreatedAt)

	params, err := marshalNullable(rec.ParamsRedacted)
	if err != nil {
		return fmt.Errorf("failed to marshal redacted params: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_tool_calls (id, session_id, agent, task_id, tool_id,
			params_redacted, params_hash, output_len, output_hash, duration_ms,
			success, policy_blocked, sandbox_violation, budget_exceeded,
			approval_rejected, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		rec.ID, rec.SessionID, rec.Agent, rec.TaskID, rec.ToolID, params,
		rec.ParamsHash, rec.OutputLen, rec.OutputHash, rec.DurationMs,
		rec.Success, rec.PolicyBlocked, rec.SandboxViolation,
		rec.BudgetExceeded, rec.ApprovalRejected, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert tool call audit: %w", err)
	}
	return nil
}

// InsertFileOp persists one file-operation audit record.
func (s *AuditService) InsertFileOp(ctx context.Context, rec *models.FileOpAudit) error {
	fillAuditDefaults(&rec.ID, &rec.CreatedAt)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_file_ops (id, session_id, agent, path, operation,
			before_hash, after_hash, diff, diff_compressed, lines_added,
			lines_removed, blocked, approval_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.SessionID, rec.Agent, rec.Path, rec.Operation,
		rec.BeforeHash, rec.AfterHash, rec.Diff, rec.DiffCompressed,
		rec.LinesAdded, rec.LinesRemoved, rec.Blocked, rec.ApprovalID,
		rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert file op audit: %w", err)
	}
	return nil
}

// InsertLLMExchange persists one agent-exchange audit record.
func (s *AuditService) InsertLLMExchange(ctx context.Context, rec *models.LLMExchangeAudit) error {
	fillAuditDefaults(&rec.ID, &rec.CreatedAt)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_llm_exchanges (id, session_id, agent, content_hash,
			content_len, truncated_body, original_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.SessionID, rec.Agent, rec.ContentHash, rec.ContentLen,
		rec.TruncatedBody, rec.OriginalHash, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert llm exchange audit: %w", err)
	}
	return nil
}

// InsertBudgetCheck persists one budget-consultation audit record.
func (s *AuditService) InsertBudgetCheck(ctx context.Context, rec *models.BudgetCheckAudit) error {
	fillAuditDefaults(&rec.ID, &rec.CreatedAt)

	// "limit" is a reserved word and a quoted column name.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_budget_checks (id, session_id, budget_kind, current,
			"limit", exceeded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.SessionID, rec.BudgetKind, rec.Current, rec.Limit,
		rec.Exceeded, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert budget check audit: %w", err)
	}
	return nil
}

// InsertEvent persists one generic audit event.
func (s *AuditService) InsertEvent(ctx context.Context, rec *models.AuditEvent) error {
	fillAuditDefaults(&rec.ID, &rec.CreatedAt)

	metadata, err := marshalNullable(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, session_id, category, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.SessionID, rec.Category, rec.Message, metadata, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListToolCallsBySession returns a session's tool-call records oldest-first.
// limit <= 0 returns everything.
func (s *AuditService) ListToolCallsBySession(ctx context.Context, sessionID string, limit int) ([]*models.ToolCallAudit, error) {
	query := `SELECT id, session_id, agent, task_id, tool_id, params_redacted,
			params_hash, output_len, output_hash, duration_ms, success,
			policy_blocked, sandbox_violation, budget_exceeded,
			approval_rejected, created_at
		FROM audit_tool_calls WHERE session_id = $1 ORDER BY created_at ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool call audits: %w", err)
	}
	defer rows.Close()

	var recs []*models.ToolCallAudit
	for rows.Next() {
		var rec models.ToolCallAudit
		var params []byte
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Agent, &rec.TaskID,
			&rec.ToolID, &params, &rec.ParamsHash, &rec.OutputLen,
			&rec.OutputHash, &rec.DurationMs, &rec.Success, &rec.PolicyBlocked,
			&rec.SandboxViolation, &rec.BudgetExceeded, &rec.ApprovalRejected,
			&rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool call audit: %w", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &rec.ParamsRedacted); err != nil {
				return nil, fmt.Errorf("failed to unmarshal redacted params: %w", err)
			}
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tool call audits: %w", err)
	}
	return recs, nil
}

// ListFileOpsBySession returns a session's file-operation records
// oldest-first. limit <= 0 returns everything.
func (s *AuditService) ListFileOpsBySession(ctx context.Context, sessionID string, limit int) ([]*models.FileOpAudit, error) {
	query := `SELECT id, session_id, agent, path, operation, before_hash,
			after_hash, diff, diff_compressed, lines_added, lines_removed,
			blocked, approval_id, created_at
		FROM audit_file_ops WHERE session_id = $1 ORDER BY created_at ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list file op audits: %w", err)
	}
	defer rows.Close()

	var recs []*models.FileOpAudit
	for rows.Next() {
		var rec models.FileOpAudit
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Agent, &rec.Path,
			&rec.Operation, &rec.BeforeHash, &rec.AfterHash, &rec.Diff,
			&rec.DiffCompressed, &rec.LinesAdded, &rec.LinesRemoved,
			&rec.Blocked, &rec.ApprovalID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan file op audit: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list file op audits: %w", err)
	}
	return recs, nil
}

// ListBudgetChecksBySession returns a session's budget consultations
// oldest-first. limit <= 0 returns everything.
func (s *AuditService) ListBudgetChecksBySession(ctx context.Context, sessionID string, limit int) ([]*models.BudgetCheckAudit, error) {
	query := `SELECT id, session_id, budget_kind, current, "limit", exceeded, created_at
		FROM audit_budget_checks WHERE session_id = $1 ORDER BY created_at ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list budget check audits: %w", err)
	}
	defer rows.Close()

	var recs []*models.BudgetCheckAudit
	for rows.Next() {
		var rec models.BudgetCheckAudit
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.BudgetKind,
			&rec.Current, &rec.Limit, &rec.Exceeded, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan budget check audit: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list budget check audits: %w", err)
	}
	return recs, nil
}

// auditTables are every append-only audit table, all sharing a created_at
// column the retention sweep cuts on.
var auditTables = []string{
	"audit_tool_calls",
	"audit_file_ops",
	"audit_llm_exchanges",
	"audit_budget_checks",
	"audit_events",
}

// DeleteBefore removes audit rows older than cutoff across every audit table
// and reports the total number of rows deleted.
func (s *AuditService) DeleteBefore(httpCtx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var total int64
	for _, table := range auditTables {
		tag, err := s.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, table), cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to delete old rows from %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func fillAuditDefaults(id *string, createdAt *time.Time) {
	if *id == "" {
		*id = uuid.New().String()
	}
	if createdAt.IsZero() {
		*createdAt = time.Now().UTC()
	}
}
