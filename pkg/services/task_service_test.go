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

func TestTaskService_CreateAndList(t *testing.T) {
	pool := newTestPool(t)
	runSvc := NewRunService(pool)
	svc := NewTaskService(pool)
	ctx := context.Background()

	now := time.Now().UTC()
	run := mustCreateRun(t, runSvc, newQueuedRun("graph", now))

	first := newPendingTask(run.ID, "add schema", now.Add(-2*time.Second))
	second := newPendingTask(run.ID, "add handler", now.Add(-time.Second))
	second.DependsOn = []string{first.ID}
	second.TargetFiles = []string{"pkg/api/handler.go"}
	second.Gates = []models.QualityGate{models.GateTestsPass, models.GateLintClean}
	second.Priority = 5

	require.NoError(t, svc.CreateTasks(ctx, []*models.Task{first, second}))

	tasks, err := svc.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, first.ID, tasks[0].ID, "creation order")
	assert.Equal(t, second.ID, tasks[1].ID)

	got := tasks[1]
	assert.Equal(t, "add handler", got.Title)
	assert.Equal(t, "implementer", got.Agent)
	assert.Equal(t, []string{first.ID}, got.DependsOn)
	assert.Equal(t, []models.QualityGate{models.GateTestsPass, models.GateLintClean}, got.Gates)
	assert.Equal(t, []string{"pkg/api/handler.go"}, got.TargetFiles)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Nil(t, tasks[0].TargetFiles, "absent target files stay nil")
	assert.Empty(t, tasks[0].DependsOn)
}

func TestTaskService_CreateTasks_AtomicOnFailure(t *testing.T) {
	pool := newTestPool(t)
	runSvc := NewRunService(pool)
	svc := NewTaskService(pool)
	ctx := context.Background()

	run := mustCreateRun(t, runSvc, newQueuedRun("atomic", time.Now().UTC()))

	good := newPendingTask(run.ID, "good", time.Now().UTC())
	bad := newPendingTask(uuid.New().String(), "bad run fk", time.Now().UTC())

	err := svc.CreateTasks(ctx, []*models.Task{good, bad})
	require.Error(t, err, "foreign key violation fails the batch")

	tasks, err := svc.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks, "no partial graph is left behind")
}

func TestTaskService_GetNotFound(t *testing.T) {
	svc := NewTaskService(newTestPool(t))

	_, err := svc.Get(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskService_Update(t *testing.T) {
	pool := newTestPool(t)
	runSvc := NewRunService(pool)
	svc := NewTaskService(pool)
	ctx := context.Background()

	run := mustCreateRun(t, runSvc, newQueuedRun("update", time.Now().UTC()))
	task := newPendingTask(run.ID, "flaky task", time.Now().UTC())
	require.NoError(t, svc.CreateTasks(ctx, []*models.Task{task}))

	started := time.Now().UTC()
	result := "done, see commit"
	commit := "abc1234"
	task.Status = models.TaskStatusCompleted
	task.Attempt = 2
	task.Result = &result
	task.CommitRef = &commit
	task.StartedAt = &started
	task.Verification = map[string]models.GateResult{
		string(models.GateTestsPass): {Gate: models.GateTestsPass, Passed: true, CheckedAt: started},
	}

	require.NoError(t, svc.Update(ctx, task))

	got, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempt)
	require.NotNil(t, got.Result)
	assert.Equal(t, result, *got.Result)
	require.NotNil(t, got.CommitRef)
	assert.Equal(t, commit, *got.CommitRef)
	require.Contains(t, got.Verification, string(models.GateTestsPass))
	assert.True(t, got.Verification[string(models.GateTestsPass)].Passed)

	missing := newPendingTask(run.ID, "missing", time.Now().UTC())
	assert.ErrorIs(t, svc.Update(ctx, missing), ErrNotFound)
}

func TestTaskService_Attempts(t *testing.T) {
	pool := newTestPool(t)
	runSvc := NewRunService(pool)
	svc := NewTaskService(pool)
	ctx := context.Background()

	run := mustCreateRun(t, runSvc, newQueuedRun("attempts", time.Now().UTC()))
	task := newPendingTask(run.ID, "retry me", time.Now().UTC())
	require.NoError(t, svc.CreateTasks(ctx, []*models.Task{task}))

	started := time.Now().UTC()
	ended := started.Add(30 * time.Second)
	feedback := "tests failed\n\n2 assertions broke"
	firstAttempt := &models.Attempt{
		TaskID:   task.ID,
		RunID:    run.ID,
		Seq:      1,
		Response: "I changed the handler",
		GateResults: []models.GateResult{
			{Gate: models.GateTestsPass, Passed: false, Error: "2 test(s) failed", CheckedAt: ended},
		},
		Feedback:  &feedback,
		StartedAt: started,
		EndedAt:   &ended,
	}
	require.NoError(t, svc.RecordAttempt(ctx, firstAttempt))
	assert.NotEmpty(t, firstAttempt.ID, "id assigned on insert")

	commit := "def5678"
	secondEnded := ended.Add(time.Minute)
	require.NoError(t, svc.RecordAttempt(ctx, &models.Attempt{
		TaskID:    task.ID,
		RunID:     run.ID,
		Seq:       2,
		Response:  "fixed the assertion",
		CommitRef: &commit,
		StartedAt: ended,
		EndedAt:   &secondEnded,
	}))

	attempts, err := svc.ListAttempts(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Seq)
	assert.Equal(t, 2, attempts[1].Seq)

	require.Len(t, attempts[0].GateResults, 1)
	assert.Equal(t, models.GateTestsPass, attempts[0].GateResults[0].Gate)
	assert.False(t, attempts[0].GateResults[0].Passed)
	require.NotNil(t, attempts[0].Feedback)
	assert.Contains(t, *attempts[0].Feedback, "tests failed")

	assert.Nil(t, attempts[1].GateResults)
	require.NotNil(t, attempts[1].CommitRef)
	assert.Equal(t, commit, *attempts[1].CommitRef)
}

func TestTaskService_TaskLogs(t *testing.T) {
	pool := newTestPool(t)
	runSvc := NewRunService(pool)
	svc := NewTaskService(pool)
	ctx := context.Background()

	run := mustCreateRun(t, runSvc, newQueuedRun("logs", time.Now().UTC()))
	task := newPendingTask(run.ID, "logged", time.Now().UTC())
	require.NoError(t, svc.CreateTasks(ctx, []*models.Task{task}))

	toolID := "fs_write"
	now := time.Now().UTC()
	require.NoError(t, svc.AppendTaskLog(ctx, &models.TaskLogEntry{
		RunID:     run.ID,
		TaskID:    task.ID,
		Message:   "wrote pkg/api/handler.go",
		ToolID:    &toolID,
		ToolArgs:  map[string]any{"path": "pkg/api/handler.go"},
		CreatedAt: now.Add(-time.Second),
	}))
	require.NoError(t, svc.AppendTaskLog(ctx, &models.TaskLogEntry{
		RunID:     run.ID,
		TaskID:    task.ID,
		Level:     "warn",
		Message:   "lint reported one issue",
		CreatedAt: now,
	}))

	entries, err := svc.ListTaskLogs(ctx, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "info", entries[0].Level, "level defaults to info")
	require.NotNil(t, entries[0].ToolID)
	assert.Equal(t, toolID, *entries[0].ToolID)
	assert.Equal(t, "pkg/api/handler.go", entries[0].ToolArgs["path"])
	assert.Equal(t, "warn", entries[1].Level)
	assert.Nil(t, entries[1].ToolArgs)

	limited, err := svc.ListTaskLogs(ctx, task.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
