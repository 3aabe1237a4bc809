package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/crewline/foreman/pkg/models"
)

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		respondError(c, http.StatusBadRequest, "session id is required")
		return
	}

	sess, err := s.sessionService.Get(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// listMessagesHandler handles GET /api/v1/sessions/:id/messages. History is
// read through the resolver so stored text gets the egress redaction sweep
// before it leaves the process.
func (s *Server) listMessagesHandler(c *gin.Context) {
	if s.resolver == nil {
		respondError(c, http.StatusServiceUnavailable, "message history is not available")
		return
	}
	id := c.Param("id")
	if id == "" {
		respondError(c, http.StatusBadRequest, "session id is required")
		return
	}

	filters := models.MessageFilters{SessionID: id}
	if v := c.Query("channel"); v != "" {
		kind := models.ChannelKind(v)
		switch kind {
		case models.ChannelWeb, models.ChannelSlack, models.ChannelMail:
			filters.SourceChannel = kind
		default:
			respondError(c, http.StatusBadRequest, "invalid channel: "+v)
			return
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "invalid limit: must be a positive integer")
			return
		}
		filters.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(c, http.StatusBadRequest, "invalid offset: must be a non-negative integer")
			return
		}
		filters.Offset = n
	}

	// Resolve the session first so an unknown id is a 404, not an empty list.
	if _, err := s.sessionService.Get(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}

	msgs, err := s.resolver.History(c.Request.Context(), filters)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "messages": msgs})
}
