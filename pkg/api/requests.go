package api

// CancelRunRequest is the optional body for POST /api/v1/projects/:id/cancel.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ApprovalDecisionRequest is the optional body for the approval resolution
// endpoints.
type ApprovalDecisionRequest struct {
	Note string `json:"note,omitempty"`
}

// ChannelMessageRequest is the generic inbound envelope for channels without
// a dedicated adapter (web, mail). POST /api/v1/channels/messages.
type ChannelMessageRequest struct {
	ChannelKind       string   `json:"channel_kind"`
	ExternalThreadID  string   `json:"external_thread_id"`
	ExternalMessageID string   `json:"external_message_id,omitempty"`
	SenderID          string   `json:"sender_id,omitempty"`
	SenderName        string   `json:"sender_name,omitempty"`
	Text              string   `json:"text"`
	Attachments       []string `json:"attachments,omitempty"`
}
