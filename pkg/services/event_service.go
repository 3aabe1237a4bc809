package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewline/foreman/pkg/models"
)

// EventService reads and maintains the persisted event stream. Writes on the
// hot path go through the events publisher, which inserts and notifies in one
// transaction; this service covers catchup reads, out-of-band inserts, and
// retention cleanup.
type EventService struct {
	pool *pgxpool.Pool
}

// NewEventService creates a new EventService
func NewEventService(pool *pgxpool.Pool) *EventService {
	return &EventService{pool: pool}
}

// CreateEvent persists an event row and returns it with the assigned ID.
func (s *EventService) CreateEvent(httpCtx context.Context, req models.CreateEventRequest) (*models.PersistedEvent, error) {
	if req.Channel == "" {
		return nil, NewValidationError("channel", "required")
	}
	if req.Payload == nil {
		return nil, NewValidationError("payload", "required")
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO events (channel, payload) VALUES ($1, $2) RETURNING id`,
		req.Channel, payload).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	return &models.PersistedEvent{
		ID:      id,
		Channel: req.Channel,
		Payload: req.Payload,
	}, nil
}

// GetEventsSince returns events on channel with ID greater than afterID, in
// ID order, up to limit rows. Used by subscribers to catch up after connect
// or reconnect.
func (s *EventService) GetEventsSince(ctx context.Context, channel string, afterID int64, limit int) ([]*models.PersistedEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, channel, payload FROM events
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`, channel, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []*models.PersistedEvent
	for rows.Next() {
		var e models.PersistedEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Channel, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return events, nil
}

// DeleteEventsBefore removes events older than cutoff and reports how many
// rows were deleted. Retention cleanup calls this on a schedule.
func (s *EventService) DeleteEventsBefore(httpCtx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return tag.RowsAffected(), nil
}
