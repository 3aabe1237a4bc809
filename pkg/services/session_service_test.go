package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/foreman/pkg/models"
)

func newSlackSession(threadID string) *models.Session {
	userID := "U123"
	userName := "jordan"
	return &models.Session{
		Agent:            "orchestrator",
		ChannelKind:      models.ChannelSlack,
		ExternalThreadID: threadID,
		ExternalUserID:   &userID,
		ExternalUserName: &userName,
	}
}

func TestSessionService_CreateAndGet(t *testing.T) {
	svc := NewSessionService(newTestPool(t))
	ctx := context.Background()

	session := newSlackSession("C42:1724912345.0001")
	require.NoError(t, svc.Create(ctx, session))
	assert.NotEmpty(t, session.ID)

	got, err := svc.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelSlack, got.ChannelKind)
	assert.Equal(t, "C42:1724912345.0001", got.ExternalThreadID)
	require.NotNil(t, got.ExternalUserName)
	assert.Equal(t, "jordan", *got.ExternalUserName)
	assert.Nil(t, got.Title)

	byThread, err := svc.GetByChannelThread(ctx, models.ChannelSlack, "C42:1724912345.0001")
	require.NoError(t, err)
	assert.Equal(t, session.ID, byThread.ID)
}

func TestSessionService_DuplicateThread(t *testing.T) {
	svc := NewSessionService(newTestPool(t))
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, newSlackSession("C1:1.0")))

	err := svc.Create(ctx, newSlackSession("C1:1.0"))
	assert.ErrorIs(t, err, ErrAlreadyExists, "one session per (channel, thread)")

	// Same thread id on a different channel is a distinct session.
	web := newSlackSession("C1:1.0")
	web.ChannelKind = models.ChannelWeb
	assert.NoError(t, svc.Create(ctx, web))
}

func TestSessionService_NotFound(t *testing.T) {
	svc := NewSessionService(newTestPool(t))
	ctx := context.Background()

	_, err := svc.Get(ctx, uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.GetByChannelThread(ctx, models.ChannelMail, "msg-id-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionService_TouchAndTitle(t *testing.T) {
	svc := NewSessionService(newTestPool(t))
	ctx := context.Background()

	session := newSlackSession("C9:9.0")
	require.NoError(t, svc.Create(ctx, session))
	created := session.UpdatedAt

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, svc.Touch(ctx, session.ID))

	got, err := svc.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.After(created))

	require.NoError(t, svc.SetTitle(ctx, session.ID, "flaky reconnect investigation"))
	got, err = svc.Get(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Title)
	assert.Equal(t, "flaky reconnect investigation", *got.Title)

	assert.ErrorIs(t, svc.Touch(ctx, uuid.New().String()), ErrNotFound)
}

func TestSessionService_ListRecent(t *testing.T) {
	svc := NewSessionService(newTestPool(t))
	ctx := context.Background()

	older := newSlackSession("C1:old")
	older.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	older.CreatedAt = older.UpdatedAt
	require.NoError(t, svc.Create(ctx, older))

	newer := newSlackSession("C1:new")
	require.NoError(t, svc.Create(ctx, newer))

	sessions, err := svc.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, newer.ID, sessions[0].ID, "most recent activity first")

	limited, err := svc.ListRecent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
