// Package session resolves inbound channel messages to durable sessions.
// A session is the channel-neutral conversation identity: every (channel,
// thread) pair maps to exactly one session row, and all adapters funnel
// through the resolver so web, Slack, and mail traffic land in the same
// history.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/crewline/foreman/pkg/models"
	"github.com/crewline/foreman/pkg/redact"
	"github.com/crewline/foreman/pkg/services"
)

// titleLimit caps the auto-derived session title length in runes.
const titleLimit = 80

// Resolver maps channel envelopes to sessions and persists their messages.
type Resolver struct {
	sessions *services.SessionService
	messages *services.MessageService
	redactor *redact.Pipeline

	// defaultAgent is recorded on sessions minted by the resolver; the
	// engine may rebind work to other agents later.
	defaultAgent string
}

// NewResolver creates a resolver over the persistence services.
func NewResolver(sessions *services.SessionService, messages *services.MessageService, redactor *redact.Pipeline, defaultAgent string) *Resolver {
	return &Resolver{
		sessions:     sessions,
		messages:     messages,
		redactor:     redactor,
		defaultAgent: defaultAgent,
	}
}

// ResolveOrCreate returns the session owning the envelope's channel thread,
// creating it when the thread is new. Two adapters racing on a fresh thread
// both get the winner's row: the loser's insert hits the unique constraint
// and re-reads.
func (r *Resolver) ResolveOrCreate(ctx context.Context, env models.ChannelEnvelope) (*models.Session, bool, error) {
	if env.ChannelKind == "" {
		return nil, false, services.NewValidationError("channel_kind", "required")
	}
	if env.ExternalThreadID == "" {
		return nil, false, services.NewValidationError("external_thread_id", "required")
	}

	existing, err := r.sessions.GetByChannelThread(ctx, env.ChannelKind, env.ExternalThreadID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, services.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to resolve session: %w", err)
	}

	session := &models.Session{
		Agent:            r.defaultAgent,
		ChannelKind:      env.ChannelKind,
		ExternalThreadID: env.ExternalThreadID,
		ExternalUserID:   nullable(env.SenderID),
		ExternalUserName: nullable(r.redactText(env.SenderName)),
		Title:            nullable(r.deriveTitle(env.Text)),
	}
	err = r.sessions.Create(ctx, session)
	if err == nil {
		slog.Info("Session created",
			"session_id", session.ID,
			"channel", session.ChannelKind,
			"thread", session.ExternalThreadID)
		return session, true, nil
	}
	if !errors.Is(err, services.ErrAlreadyExists) {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}

	// Lost the creation race; the winner's row is the session.
	existing, err = r.sessions.GetByChannelThread(ctx, env.ChannelKind, env.ExternalThreadID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve session after create race: %w", err)
	}
	return existing, false, nil
}

// Record persists the envelope as a redacted user message in the session and
// bumps the session's activity timestamp.
func (r *Resolver) Record(ctx context.Context, sessionID string, env models.ChannelEnvelope) (*models.ChatMessage, error) {
	content, fired := r.redactor.Apply(env.Text)
	senderName, nameFired := r.redactor.Apply(env.SenderName)

	msg := &models.ChatMessage{
		SessionID:         sessionID,
		Role:              models.RoleUser,
		Content:           content,
		SourceChannel:     env.ChannelKind,
		ExternalMessageID: nullable(env.ExternalMessageID),
		SenderID:          nullable(env.SenderID),
		SenderName:        nullable(senderName),
		Attachments:       env.Attachments,
		Redacted:          fired || nameFired,
	}
	if err := r.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}

	if err := r.sessions.Touch(ctx, sessionID); err != nil {
		// The message is durable; a failed bump only stales ListRecent order.
		slog.Warn("Failed to touch session after message", "session_id", sessionID, "error", err)
	}

	return msg, nil
}

// Ingest is the single entry point channel adapters call: resolve the
// session, persist the redacted message.
func (r *Resolver) Ingest(ctx context.Context, env models.ChannelEnvelope) (*models.Session, *models.ChatMessage, bool, error) {
	session, isNew, err := r.ResolveOrCreate(ctx, env)
	if err != nil {
		return nil, nil, false, err
	}

	msg, err := r.Record(ctx, session.ID, env)
	if err != nil {
		return nil, nil, false, err
	}

	return session, msg, isNew, nil
}

// RecordReply persists an outbound assistant message, already composed, into
// the session. Replies go through the same redaction sweep: agent output can
// echo credentials it read from the workspace.
func (r *Resolver) RecordReply(ctx context.Context, sessionID string, channel models.ChannelKind, text string) (*models.ChatMessage, error) {
	content, fired := r.redactor.Apply(text)

	msg := &models.ChatMessage{
		SessionID:     sessionID,
		Role:          models.RoleAssistant,
		Content:       content,
		SourceChannel: channel,
		Redacted:      fired,
	}
	if err := r.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to record reply: %w", err)
	}

	if err := r.sessions.Touch(ctx, sessionID); err != nil {
		slog.Warn("Failed to touch session after reply", "session_id", sessionID, "error", err)
	}

	return msg, nil
}

// History returns the session's messages oldest-first with egress redaction
// hooks applied to content.
func (r *Resolver) History(ctx context.Context, filters models.MessageFilters) ([]*models.ChatMessage, error) {
	msgs, err := r.messages.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		m.Content = r.redactor.ApplyEgress(m.Content)
	}
	return msgs, nil
}

// deriveTitle builds the session title from the first message text.
func (r *Resolver) deriveTitle(text string) string {
	title, _ := r.redactor.Apply(text)
	if utf8.RuneCountInString(title) <= titleLimit {
		return title
	}
	runes := []rune(title)
	return string(runes[:titleLimit])
}

func (r *Resolver) redactText(s string) string {
	out, _ := r.redactor.Apply(s)
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
