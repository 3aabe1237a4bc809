package events

import (
	"context"

	"github.com/crewline/foreman/pkg/models"
)

// eventQuerier is the slice of services.EventService the adapter needs.
type eventQuerier interface {
	GetEventsSince(ctx context.Context, channel string, afterID int64, limit int) ([]*models.PersistedEvent, error)
}

// EventServiceAdapter wraps services.EventService to implement CatchupQuerier.
type EventServiceAdapter struct {
	events eventQuerier
}

// NewEventServiceAdapter creates a CatchupQuerier from an EventService.
func NewEventServiceAdapter(es eventQuerier) *EventServiceAdapter {
	return &EventServiceAdapter{events: es}
}

// GetCatchupEvents queries events since sinceID up to limit for the catchup
// mechanism.
func (a *EventServiceAdapter) GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	rows, err := a.events.GetEventsSince(ctx, channel, sinceID, limit)
	if err != nil {
		return nil, err
	}

	result := make([]CatchupEvent, len(rows))
	for i, evt := range rows {
		result[i] = CatchupEvent{
			ID:      evt.ID,
			Payload: evt.Payload,
		}
	}
	return result, nil
}
