package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunChannel(t *testing.T) {
	tests := []struct {
		name  string
		runID string
		want  string
	}{
		{
			name:  "formats run channel correctly",
			runID: "abc-123",
			want:  "run:abc-123",
		},
		{
			name:  "handles UUID format",
			runID: "550e8400-e29b-41d4-a716-446655440000",
			want:  "run:550e8400-e29b-41d4-a716-446655440000",
		},
		{
			name:  "handles empty string",
			runID: "",
			want:  "run:",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RunChannel(tt.runID))
		})
	}
}

func TestEventTypeConstants(t *testing.T) {
	// Verify event types are non-empty and distinct
	types := []string{
		TypeProjectStarted,
		TypePlanningStarted,
		TypePlanningCompleted,
		TypeProjectCompleted,
		TypeProjectFailed,
		TypeProjectCancelled,
		TypePaused,
		TypeResumed,
		TypeTaskCreated,
		TypeTaskStarted,
		TypeTaskProgress,
		TypeTaskAgentOutput,
		TypeTaskCompleted,
		TypeTaskFailed,
		TypeTaskFixing,
		TypeQualityGateCheck,
		TypeQualityGatePassed,
		TypeQualityGateFailed,
		TypeGitCommit,
		TypeGitPush,
		TypeGitPRCreated,
		TypeModelSelected,
		TypeError,
		TypeTimeout,
		TypeApprovalRequested,
		TypeApprovalResolved,
	}

	seen := make(map[string]bool)
	for _, typ := range types {
		assert.NotEmpty(t, typ, "event type should not be empty")
		assert.False(t, seen[typ], "duplicate event type: %s", typ)
		seen[typ] = true
	}
}

func TestNew_StampsTimestamp(t *testing.T) {
	before := time.Now().UTC()
	evt := New(TypeTaskStarted, "run-1", map[string]any{"task_id": "t1"})
	after := time.Now().UTC()

	assert.Equal(t, TypeTaskStarted, evt.Type)
	assert.Equal(t, "run-1", evt.RunID)
	assert.Equal(t, "t1", evt.Data["task_id"])
	assert.False(t, evt.Timestamp.Before(before))
	assert.False(t, evt.Timestamp.After(after))
}

func TestEvent_Terminal(t *testing.T) {
	assert.True(t, Event{Type: TypeProjectCompleted}.Terminal())
	assert.True(t, Event{Type: TypeProjectFailed}.Terminal())
	assert.True(t, Event{Type: TypeProjectCancelled}.Terminal())

	assert.False(t, Event{Type: TypeProjectStarted}.Terminal())
	assert.False(t, Event{Type: TypeTaskCompleted}.Terminal())
	assert.False(t, Event{Type: TypePaused}.Terminal())
}

func TestEvent_JSON(t *testing.T) {
	evt := Event{
		Type:      TypeGitCommit,
		RunID:     "run-9",
		Data:      map[string]any{"task_id": "t3", "commit_ref": "abc1234"},
		Timestamp: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(evt)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, TypeGitCommit, decoded.Type)
	assert.Equal(t, "run-9", decoded.RunID)
	assert.Equal(t, "abc1234", decoded.Data["commit_ref"])
	assert.True(t, decoded.Timestamp.Equal(evt.Timestamp))
}

func TestEvent_JSON_OmitsEmptyData(t *testing.T) {
	data, err := json.Marshal(Event{Type: TypePaused, RunID: "run-1"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"data"`)
}

func TestGlobalRunsChannel(t *testing.T) {
	assert.Equal(t, "runs", GlobalRunsChannel)
}
