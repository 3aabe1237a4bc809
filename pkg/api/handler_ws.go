package api

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// wsHandler handles GET /api/v1/ws. Upgrades the connection and hands it to
// the ConnectionManager, which owns the subscribe/unsubscribe protocol. An
// empty origin allowlist falls back to same-origin only.
func (s *Server) wsHandler(c *gin.Context) {
	if s.connManager == nil {
		respondError(c, http.StatusServiceUnavailable, "WebSocket not available")
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.AllowedWSOrigins,
	})
	if err != nil {
		// Accept has already written the handshake failure to the client.
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request.Context(), conn)
}
