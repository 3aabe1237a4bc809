package api

import (
	"github.com/crewline/foreman/pkg/models"
)

// RunControlResponse is returned by the pause/resume/cancel/retry endpoints.
type RunControlResponse struct {
	RunID   string `json:"run_id"`
	State   string `json:"state"`
	Message string `json:"message"`
}

// ApprovalListResponse is returned by GET /api/v1/approvals.
type ApprovalListResponse struct {
	Approvals []models.PendingApproval `json:"approvals"`
}

// ChannelMessageResponse is returned by POST /api/v1/channels/messages.
type ChannelMessageResponse struct {
	SessionID    string `json:"session_id"`
	MessageID    string `json:"message_id"`
	SessionIsNew bool   `json:"session_is_new"`
}

// HealthResponse is returned by GET /health and GET /health/ready.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks,omitempty"`
}

// HealthCheck is one named component check inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
