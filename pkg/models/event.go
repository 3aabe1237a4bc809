package models

// CreateEventRequest contains fields for persisting an event row.
type CreateEventRequest struct {
	Channel string         `json:"channel"`
	Payload map[string]any `json:"payload"`
}

// PersistedEvent is one row of the events table, used for catchup queries.
type PersistedEvent struct {
	ID      int64          `json:"id"`
	Channel string         `json:"channel"`
	Payload map[string]any `json:"payload"`
}
