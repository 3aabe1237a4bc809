package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewline/foreman/pkg/models"
)

// MessageService persists session messages.
type MessageService struct {
	pool *pgxpool.Pool
}

// NewMessageService creates a new MessageService
func NewMessageService(pool *pgxpool.Pool) *MessageService {
	return &MessageService{pool: pool}
}

// Create persists one message.
func (s *MessageService) Create(httpCtx context.Context, msg *models.ChatMessage) error {
	if msg.SessionID == "" {
		return NewValidationError("session_id", "required")
	}
	if msg.Role == "" {
		return NewValidationError("role", "required")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	attachments, err := marshalNullableSlice(msg.Attachments)
	if err != nil {
		return fmt.Errorf("failed to marshal attachments: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, session_id, role, content, source_channel,
			external_message_id, sender_id, sender_name, attachments, redacted,
			created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.SourceChannel,
		msg.ExternalMessageID, msg.SenderID, msg.SenderName, attachments,
		msg.Redacted, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// List returns session messages oldest-first, optionally filtered by source
// channel.
func (s *MessageService) List(ctx context.Context, filters models.MessageFilters) ([]*models.ChatMessage, error) {
	if filters.SessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = 200
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, session_id, role, content, source_channel,
			external_message_id, sender_id, sender_name, attachments, redacted,
			created_at
		FROM messages WHERE session_id = $1`
	args := []any{filters.SessionID}
	if filters.SourceChannel != "" {
		query += fmt.Sprintf(` AND source_channel = $%d`, len(args)+1)
		args = append(args, filters.SourceChannel)
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var attachments []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content,
			&m.SourceChannel, &m.ExternalMessageID, &m.SenderID, &m.SenderName,
			&attachments, &m.Redacted, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
			}
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}
