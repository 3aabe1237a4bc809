package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewline/foreman/pkg/models"
	testdb "github.com/crewline/foreman/test/database"
)

// newTestPool returns a connection pool scoped to a fresh per-test schema
// with migrations applied.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	return testdb.NewTestClient(t).Pool()
}

// newQueuedRun builds a minimal queued run. createdAt is explicit because
// claim and list ordering depend on it.
func newQueuedRun(name string, createdAt time.Time) *models.Run {
	return &models.Run{
		ID:            uuid.New().String(),
		Name:          name,
		Prompt:        "add a health endpoint to the service",
		WorkspacePath: "/tmp/ws",
		Config: models.RunConfig{
			ParallelTasks: 2,
			MaxAttempts:   3,
			AutoCommit:    true,
			GitMode:       models.GitModeLocal,
		},
		State:     models.RunStateQueued,
		CreatedAt: createdAt,
	}
}

// newPendingTask builds a minimal pending task for runID.
func newPendingTask(runID, title string, createdAt time.Time) *models.Task {
	return &models.Task{
		ID:          uuid.New().String(),
		RunID:       runID,
		Title:       title,
		Description: "implement " + title,
		Agent:       "implementer",
		Gates:       []models.QualityGate{models.GateTestsPass},
		MaxAttempts: 3,
		Status:      models.TaskStatusPending,
		CreatedAt:   createdAt,
	}
}

// mustCreateRun persists a run for tests that only need the foreign key.
func mustCreateRun(t *testing.T, svc *RunService, run *models.Run) *models.Run {
	t.Helper()
	if err := svc.Create(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}
