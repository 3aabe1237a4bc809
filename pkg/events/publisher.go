package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyLimit is the usable NOTIFY payload size. PostgreSQL caps payloads at
// 8000 bytes; the margin leaves room for the injected db_event_id.
const notifyLimit = 7900

// Publisher persists run events and broadcasts them via PostgreSQL NOTIFY.
// Every event is INSERTed into the events table on the run channel and
// notified to both the run channel and the global runs channel in one
// transaction, so an observer never sees a NOTIFY for a row that did not
// commit.
type Publisher struct {
	pool *pgxpool.Pool
}

// NewPublisher creates a Publisher over the shared connection pool.
func NewPublisher(pool *pgxpool.Pool) *Publisher {
	return &Publisher{pool: pool}
}

// Emit builds an event from its parts and publishes it.
func (p *Publisher) Emit(ctx context.Context, eventType, runID string, data map[string]any) error {
	return p.Publish(ctx, New(eventType, runID, data))
}

// Publish persists the event and notifies subscribers. The NOTIFY payload
// carries the assigned row id as db_event_id so clients can track their
// catchup position; payloads over the NOTIFY limit are replaced by a
// truncation envelope (the full row stays in the events table).
func (p *Publisher) Publish(ctx context.Context, evt Event) error {
	if evt.RunID == "" {
		return fmt.Errorf("event %q has no run id", evt.Type)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", evt.Type, err)
	}

	channel := RunChannel(evt.RunID)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var eventID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO events (channel, payload) VALUES ($1, $2) RETURNING id`,
		channel, payload,
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := injectDBEventIDAndTruncate(payload, eventID)
	if err != nil {
		return err
	}

	// pg_notify within the same transaction — held until COMMIT. The global
	// runs channel gets a transient copy for the run list page.
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", GlobalRunsChannel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// EmitBestEffort publishes and logs on failure instead of returning the
// error. Progress events must never abort the work they describe.
func (p *Publisher) EmitBestEffort(ctx context.Context, eventType, runID string, data map[string]any) {
	if err := p.Emit(ctx, eventType, runID, data); err != nil {
		slog.Warn("Failed to publish event",
			"event_type", eventType, "run_id", runID, "error", err)
	}
}

// injectDBEventIDAndTruncate adds db_event_id to the JSON payload for NOTIFY
// delivery and applies truncation if the result exceeds PostgreSQL's limit.
func injectDBEventIDAndTruncate(payload []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded returns the payload as-is when it fits in a NOTIFY,
// otherwise a minimal envelope with only the routing fields and a
// payload_truncated flag. Clients fetch the full row via catchup.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= notifyLimit {
		return payloadStr, nil
	}

	var routing struct {
		Type      string `json:"type"`
		RunID     string `json:"run_id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal([]byte(payloadStr), &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":              routing.Type,
		"run_id":            routing.RunID,
		"payload_truncated": true,
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
