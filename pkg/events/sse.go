package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// SSEWriter writes Server-Sent-Event frames: `data: <json>` lines separated
// by blank lines, an `id:` line carrying the db event id when known (clients
// echo it back as Last-Event-ID on reconnect), and the `data: [DONE]`
// sentinel when the stream ends.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers and returns a writer. Fails if
// the ResponseWriter cannot flush (streaming would silently buffer).
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Send writes one event frame and flushes. id <= 0 omits the id line
// (payloads not yet persisted, heartbeats).
func (s *SSEWriter) Send(id int64, payload []byte) error {
	if id > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Comment writes an SSE comment frame (`: text`). Used as a heartbeat to
// keep intermediaries from closing an idle stream.
func (s *SSEWriter) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done writes the stream terminator sentinel.
func (s *SSEWriter) Done() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// RoutingFields extracts the event type and db_event_id from a raw broadcast
// payload without decoding the full event. The SSE bridge uses them to write
// id lines and detect terminal events.
func RoutingFields(payload []byte) (eventType string, dbEventID int64) {
	var routing struct {
		Type      string `json:"type"`
		DBEventID int64  `json:"db_event_id"`
	}
	if err := json.Unmarshal(payload, &routing); err != nil {
		return "", 0
	}
	return routing.Type, routing.DBEventID
}

// IsTerminalType reports whether the event type closes a run's stream.
func IsTerminalType(eventType string) bool {
	return Event{Type: eventType}.Terminal()
}
