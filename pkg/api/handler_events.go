package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewline/foreman/pkg/events"
)

// sseHeartbeatInterval paces comment frames that keep proxies from closing an
// idle stream between events.
const sseHeartbeatInterval = 25 * time.Second

// runEventsHandler handles GET /api/v1/projects/:id/events. Reconnecting
// clients pass the id of the last frame they saw (Last-Event-ID header, or
// last_event_id query for EventSource polyfills) and receive everything after
// it before the live tail.
func (s *Server) runEventsHandler(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		respondError(c, http.StatusBadRequest, "run id is required")
		return
	}

	sinceRaw := c.GetHeader("Last-Event-ID")
	if sinceRaw == "" {
		sinceRaw = c.Query("last_event_id")
	}
	var sinceID int64
	if sinceRaw != "" {
		n, err := strconv.ParseInt(sinceRaw, 10, 64)
		if err != nil || n < 0 {
			respondError(c, http.StatusBadRequest, "invalid last event id: "+sinceRaw)
			return
		}
		sinceID = n
	}

	// Resolve before the stream opens so a bad id still gets a JSON 404.
	if _, err := s.runService.Get(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}

	s.streamRun(c, id, sinceID)
}

// streamRun attaches the response to a run's event channel and writes SSE
// frames until the run reaches a terminal state or the client goes away.
//
// The live subscription is registered before the catchup query runs, so an
// event published between the two shows up on the live channel; frames whose
// db id was already covered by catchup are dropped there.
func (s *Server) streamRun(c *gin.Context, runID string, sinceID int64) {
	if s.connManager == nil {
		respondError(c, http.StatusServiceUnavailable, "event streaming is not available")
		return
	}
	ctx := c.Request.Context()
	channel := events.RunChannel(runID)

	live, cancelSub, err := s.connManager.SubscribeLocal(channel, 256)
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "event streaming is not available")
		return
	}
	defer cancelSub()

	sse, err := events.NewSSEWriter(c.Writer)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal server error")
		return
	}

	// Replay history after sinceID, page by page. From here on the headers
	// are out: errors can only be logged, not turned into JSON responses.
	lastSent := sinceID
	terminalSeen := false
	for {
		catchup, hasMore, err := s.connManager.Catchup(ctx, channel, lastSent)
		if err != nil {
			slog.Error("Event catchup failed, continuing with live stream",
				"run_id", runID, "error", err)
			break
		}
		for _, evt := range catchup {
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				continue
			}
			if err := sse.Send(evt.ID, payload); err != nil {
				return
			}
			lastSent = evt.ID
			if t, _ := evt.Payload["type"].(string); events.IsTerminalType(t) {
				terminalSeen = true
			}
		}
		if !hasMore {
			break
		}
	}
	if terminalSeen {
		_ = sse.Done()
		return
	}

	// A run whose events were already purged by retention ends in a terminal
	// state with no terminal frame in history; without this check the stream
	// would idle forever.
	if run, err := s.runService.Get(ctx, runID); err == nil && run.State.Terminal() {
		_ = sse.Done()
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case payload, ok := <-live:
			if !ok {
				return
			}
			eventType, dbID := events.RoutingFields(payload)
			if dbID > 0 && dbID <= lastSent {
				continue
			}
			if err := sse.Send(dbID, payload); err != nil {
				return
			}
			if dbID > 0 {
				lastSent = dbID
			}
			if events.IsTerminalType(eventType) {
				_ = sse.Done()
				return
			}

		case <-heartbeat.C:
			if err := sse.Comment("heartbeat"); err != nil {
				return
			}
		}
	}
}
