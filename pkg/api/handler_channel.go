package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewline/foreman/pkg/channels"
	"github.com/crewline/foreman/pkg/models"
)

// maxCallbackBodyBytes bounds inbound callback bodies. Slack events and chat
// messages are tiny; anything near this size is hostile.
const maxCallbackBodyBytes = 1 << 20

// channelMessageHandler handles POST /api/v1/channels/messages: the generic
// inbound surface for channels without a dedicated callback endpoint. The
// body is a channel envelope; the response names the session it resolved to.
func (s *Server) channelMessageHandler(c *gin.Context) {
	if s.resolver == nil {
		respondError(c, http.StatusServiceUnavailable, "channel ingestion is not available")
		return
	}

	var req ChannelMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	kind := models.ChannelKind(req.ChannelKind)
	switch kind {
	case models.ChannelWeb, models.ChannelSlack, models.ChannelMail:
	default:
		respondError(c, http.StatusBadRequest, "invalid channel_kind: must be web, slack, or mail")
		return
	}
	if req.ExternalThreadID == "" {
		respondError(c, http.StatusBadRequest, "external_thread_id is required")
		return
	}
	if req.Text == "" {
		respondError(c, http.StatusBadRequest, "text is required")
		return
	}

	env := models.ChannelEnvelope{
		ChannelKind:       kind,
		ExternalThreadID:  req.ExternalThreadID,
		ExternalMessageID: req.ExternalMessageID,
		SenderID:          req.SenderID,
		SenderName:        req.SenderName,
		Text:              req.Text,
		Attachments:       req.Attachments,
	}
	sess, msg, isNew, err := s.resolver.Ingest(c.Request.Context(), env)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, &ChannelMessageResponse{
		SessionID:    sess.ID,
		MessageID:    msg.ID,
		SessionIsNew: isNew,
	})
}

// slackEventsHandler handles POST /api/v1/channels/slack/events: the Events
// API callback URL. Slack retries anything that is not a fast 200, so this
// only verifies, ingests, and acknowledges; replies are posted out of band.
func (s *Server) slackEventsHandler(c *gin.Context) {
	if s.slack == nil {
		respondError(c, http.StatusServiceUnavailable, "slack channel is not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBodyBytes))
	if err != nil {
		respondError(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	result, err := s.slack.HandleCallback(c.Request.Context(), c.Request.Header, body)
	switch {
	case err == nil:
	case errors.Is(err, channels.ErrBadSignature):
		respondError(c, http.StatusUnauthorized, "signature verification failed")
		return
	case errors.Is(err, channels.ErrBadPayload):
		respondError(c, http.StatusBadRequest, "invalid payload")
		return
	default:
		respondServiceError(c, err)
		return
	}

	if result.Challenge != "" {
		c.String(http.StatusOK, result.Challenge)
		return
	}
	c.Status(http.StatusOK)
}
