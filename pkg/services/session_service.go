package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewline/foreman/pkg/models"
)

const sessionColumns = `id, agent, title, channel_kind, external_thread_id,
	external_user_id, external_user_name, created_at, updated_at`

// SessionService manages channel-neutral conversation sessions. The pair
// (channel_kind, external_thread_id) is unique; Create surfaces a lost
// creation race as ErrAlreadyExists so callers can re-read.
type SessionService struct {
	pool *pgxpool.Pool
}

// NewSessionService creates a new SessionService
func NewSessionService(pool *pgxpool.Pool) *SessionService {
	return &SessionService{pool: pool}
}

// Create persists a new session.
func (s *SessionService) Create(httpCtx context.Context, session *models.Session) error {
	if session.ChannelKind == "" {
		return NewValidationError("channel_kind", "required")
	}
	if session.ExternalThreadID == "" {
		return NewValidationError("external_thread_id", "required")
	}
	if session.Agent == "" {
		return NewValidationError("agent", "required")
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, agent, title, channel_kind, external_thread_id,
			external_user_id, external_user_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		session.ID, session.Agent, session.Title, session.ChannelKind,
		session.ExternalThreadID, session.ExternalUserID,
		session.ExternalUserName, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// GetByChannelThread resolves the unique session for a channel thread.
func (s *SessionService) GetByChannelThread(ctx context.Context, kind models.ChannelKind, threadID string) (*models.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE channel_kind = $1 AND external_thread_id = $2`,
		kind, threadID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session by thread: %w", err)
	}
	return session, nil
}

// Touch bumps the session's updated_at.
func (s *SessionService) Touch(httpCtx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTitle sets the session title once it is known.
func (s *SessionService) SetTitle(httpCtx context.Context, id, title string) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET title = $2, updated_at = $3 WHERE id = $1`,
		id, title, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set session title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecent returns sessions by most recent activity. limit <= 0 selects 50.
func (s *SessionService) ListRecent(ctx context.Context, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.Agent, &s.Title, &s.ChannelKind,
		&s.ExternalThreadID, &s.ExternalUserID, &s.ExternalUserName,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
