package e2e

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/foreman/pkg/agents"
	"github.com/crewline/foreman/pkg/events"
	"github.com/crewline/foreman/pkg/models"
)

const greetingPlan = `Two steps, write then review.

[
  {"title": "Write the greeting file", "description": "Create greeting.txt with a short greeting.", "agent": "coder", "gates": ["tests-pass"]},
  {"title": "Review the greeting", "description": "Check the greeting reads well.", "agent": "coder", "depends_on": [0], "gates": ["review-approved"]}
]`

const writeGreetingCall = `Writing the file now.

<tool_call>{"tool": "filesystem", "args": {"action": "write", "path": "greeting.txt", "content": "hello from the run\n"}}</tool_call>`

func startBody(app *TestApp, prompt string) string {
	return fmt.Sprintf(`{"name": "e2e", "prompt": %q, "git_mode": "none", "workspace_path": %q}`,
		prompt, app.WorkspaceRoot)
}

// TestRunCompletesOverHTTP drives a two-task plan through the whole stack:
// HTTP intake, queue claim, planning, a tool-calling implementation task with
// a tester gate, a dependent review task, and the SSE stream closing on the
// terminal frame.
func TestRunCompletesOverHTTP(t *testing.T) {
	architect := newScriptedAgent("architect", greetingPlan)
	coder := newScriptedAgent("coder",
		writeGreetingCall,
		"The greeting file is in place.",
		"Double-checked the greeting file, it reads well.")
	tester := newScriptedAgent("tester", "Ran the suite. all tests pass")
	reviewer := newScriptedAgent("reviewer", "approved, the greeting looks good")

	app := startApp(t, []agents.Agent{architect, coder, tester, reviewer})

	runID, stream := startRun(t, app, startBody(app, "Create a greeting file"))
	stream.awaitDone(t, 60*time.Second)

	types := stream.types()
	requireSubsequence(t, types,
		events.TypeProjectStarted,
		events.TypePlanningStarted,
		events.TypePlanningCompleted,
		events.TypeTaskStarted,
		events.TypeQualityGatePassed,
		events.TypeTaskCompleted,
		events.TypeTaskStarted,
		events.TypeTaskCompleted,
		events.TypeProjectCompleted,
	)

	planned := stream.framesOfType(events.TypePlanningCompleted)
	require.Len(t, planned, 1)
	data, ok := planned[0]["data"].(map[string]any)
	require.True(t, ok, "planning_completed frame carries no data: %v", planned[0])
	assert.EqualValues(t, 2, data["task_count"])

	content, err := os.ReadFile(filepath.Join(app.WorkspaceRoot, "greeting.txt"))
	require.NoError(t, err, "the coder's write never landed in the workspace")
	assert.Equal(t, "hello from the run\n", string(content))

	detail := runDetail(t, app, runID)
	assert.Equal(t, models.RunStateDone, detail.Run.State)
	assert.NotNil(t, detail.Run.CompletedAt)
	require.Len(t, detail.Tasks, 2)
	for _, task := range detail.Tasks {
		assert.Equal(t, models.TaskStatusCompleted, task.Status)
		assert.Equal(t, 1, task.Attempt)
	}

	assert.Equal(t, 3, coder.callCount())
	assert.Equal(t, 1, tester.callCount())
	assert.Equal(t, 1, reviewer.callCount())
}

// TestGateFailureRetriesWithFeedback verifies the quality-gate retry loop end
// to end: a failing tester verdict produces a second attempt whose prompt
// carries the structured feedback, and the stream shows the fixing frame.
func TestGateFailureRetriesWithFeedback(t *testing.T) {
	plan := `One task covers it.

[
  {"title": "Fix the greeting handler", "description": "Repair the nil check.", "agent": "coder", "gates": ["tests-pass"]}
]`
	architect := newScriptedAgent("architect", plan)
	coder := newScriptedAgent("coder",
		"I adjusted the handler.",
		"I added the missing nil check.")
	tester := newScriptedAgent("tester",
		"3 tests failed: TestGreeting, TestGreetingEmpty, TestGreetingUnicode",
		"Re-ran everything. all tests pass")

	app := startApp(t, []agents.Agent{architect, coder, tester})

	runID, stream := startRun(t, app, startBody(app, "Fix the greeting handler"))
	stream.awaitDone(t, 60*time.Second)

	requireSubsequence(t, stream.types(),
		events.TypeQualityGateFailed,
		events.TypeTaskFixing,
		events.TypeTaskStarted,
		events.TypeQualityGatePassed,
		events.TypeTaskCompleted,
		events.TypeProjectCompleted,
	)

	fixing := stream.framesOfType(events.TypeTaskFixing)
	require.Len(t, fixing, 1)
	data, ok := fixing[0]["data"].(map[string]any)
	require.True(t, ok)
	feedback, _ := data["feedback"].(string)
	assert.Contains(t, feedback, "3 test(s) failed")

	// The retry prompt must carry the gate feedback forward.
	second := coder.prompt(1)
	assert.Contains(t, second, "Previous Attempt Feedback")
	assert.Contains(t, second, "3 test(s) failed")

	detail := runDetail(t, app, runID)
	assert.Equal(t, models.RunStateDone, detail.Run.State)
	require.Len(t, detail.Tasks, 1)
	task := detail.Tasks[0]
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, 2, task.Attempt)

	attempts, err := app.Tasks.ListAttempts(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.NotNil(t, attempts[0].Feedback)
	assert.Contains(t, *attempts[0].Feedback, "3 test(s) failed")
}
