package models

import "time"

// ChannelKind identifies the inbound channel of a session or message.
type ChannelKind string

const (
	ChannelWeb   ChannelKind = "web"
	ChannelSlack ChannelKind = "slack"
	ChannelMail  ChannelKind = "mail"
)

// Session is a channel-neutral conversation identity. The pair
// (ChannelKind, ExternalThreadID) is unique and resolves to exactly one session.
type Session struct {
	ID               string      `json:"id"`
	Agent            string      `json:"agent"`
	Title            *string     `json:"title,omitempty"`
	ChannelKind      ChannelKind `json:"channel_kind"`
	ExternalThreadID string      `json:"external_thread_id"`
	ExternalUserID   *string     `json:"external_user_id,omitempty"`
	ExternalUserName *string     `json:"external_user_name,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// MessageRole is the speaker role of a persisted message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// ChatMessage is one persisted message within a session.
type ChatMessage struct {
	ID                string      `json:"id"`
	SessionID         string      `json:"session_id"`
	Role              MessageRole `json:"role"`
	Content           string      `json:"content"`
	SourceChannel     ChannelKind `json:"source_channel"`
	ExternalMessageID *string     `json:"external_message_id,omitempty"`
	SenderID          *string     `json:"sender_id,omitempty"`
	SenderName        *string     `json:"sender_name,omitempty"`
	Attachments       []string    `json:"attachments,omitempty"`
	Redacted          bool        `json:"redacted"`
	CreatedAt         time.Time   `json:"created_at"`
}

// ChannelEnvelope is an inbound message from any channel before session
// resolution. ExternalThreadID is opaque to the core.
type ChannelEnvelope struct {
	ChannelKind       ChannelKind `json:"channel_kind"`
	ExternalThreadID  string      `json:"external_thread_id"`
	ExternalMessageID string      `json:"external_message_id,omitempty"`
	SenderID          string      `json:"sender_id,omitempty"`
	SenderName        string      `json:"sender_name,omitempty"`
	Text              string      `json:"text"`
	Attachments       []string    `json:"attachments,omitempty"`
}

// MessageFilters narrows message history retrieval. SessionID is required;
// channel is an orthogonal filter.
type MessageFilters struct {
	SessionID     string      `json:"session_id"`
	SourceChannel ChannelKind `json:"source_channel,omitempty"`
	Limit         int         `json:"limit,omitempty"`
	Offset        int         `json:"offset,omitempty"`
}
