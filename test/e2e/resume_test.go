package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/foreman/pkg/agents"
	"github.com/crewline/foreman/pkg/events"
	"github.com/crewline/foreman/pkg/models"
)

// TestRunResumesAfterWorkerRestart interrupts a run mid-task by stopping the
// worker pool, then brings up a replacement pool and verifies the run picks
// up where it left off: completed tasks stay done, the interrupted task gets
// a fresh attempt, and the original SSE stream sees the terminal frame.
func TestRunResumesAfterWorkerRestart(t *testing.T) {
	plan := `Two steps, implement then integrate.

[
  {"title": "Implement the feature", "description": "Write the feature code.", "agent": "coder", "gates": []},
  {"title": "Integrate the feature", "description": "Wire the feature in.", "agent": "builder", "depends_on": [0], "gates": []}
]`
	architect := newScriptedAgent("architect", plan)
	coder := newScriptedAgent("coder", "Feature implemented.")
	builder := newBlockingAgent("builder", "Feature integrated.")

	app := startApp(t, []agents.Agent{architect, coder, builder})

	runID, stream := startRun(t, app, startBody(app, "Build the feature"))

	// Wait until the second task is parked inside its agent call, then pull
	// the pool out from under it.
	select {
	case <-builder.started:
	case <-time.After(30 * time.Second):
		t.Fatal("second task never reached its agent")
	}
	app.StopWorkers()

	awaitCondition(t, 15*time.Second, 50*time.Millisecond, "interrupted run never requeued", func() bool {
		run, err := app.Runs.Get(context.Background(), runID)
		return err == nil && run.State == models.RunStateQueued && run.ClaimedBy == nil
	})

	coderCallsBeforeRestart := coder.callCount()

	tasks, err := app.Tasks.ListByRun(context.Background(), runID)
	require.NoError(t, err)
	implemented := taskByTitle(t, tasks, "Implement the feature")
	assert.Equal(t, models.TaskStatusCompleted, implemented.Status)

	// Restart: a fresh pool on the same queue, the parked agent now answers.
	close(builder.release)
	app.StartFreshPool(t, "e2e-pod-restarted")

	stream.awaitDone(t, 60*time.Second)

	detail := runDetail(t, app, runID)
	assert.Equal(t, models.RunStateDone, detail.Run.State)
	require.Len(t, detail.Tasks, 2)

	implemented = taskByTitle(t, detail.Tasks, "Implement the feature")
	assert.Equal(t, models.TaskStatusCompleted, implemented.Status)
	assert.Equal(t, 1, implemented.Attempt)
	assert.Equal(t, coderCallsBeforeRestart, coder.callCount(),
		"the completed task must not re-execute on resume")

	integrated := taskByTitle(t, detail.Tasks, "Integrate the feature")
	assert.Equal(t, models.TaskStatusCompleted, integrated.Status)
	assert.Equal(t, 2, integrated.Attempt, "the interrupted claim consumed the first attempt")

	requireSubsequence(t, stream.types(),
		events.TypeProjectStarted,
		events.TypeTaskCompleted,
		events.TypeProjectCompleted,
	)
}
