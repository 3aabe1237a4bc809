package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/foreman/pkg/agents"
	"github.com/crewline/foreman/pkg/events"
	"github.com/crewline/foreman/pkg/gates"
	"github.com/crewline/foreman/pkg/guardrails"
	"github.com/crewline/foreman/pkg/models"
	"github.com/crewline/foreman/pkg/policy"
	"github.com/crewline/foreman/pkg/recovery"
	"github.com/crewline/foreman/pkg/redact"
	"github.com/crewline/foreman/pkg/sandbox"
	"github.com/crewline/foreman/pkg/services"
	testdb "github.com/crewline/foreman/test/database"
)

// scriptedAgent replays canned responses in call order; the last script
// repeats once the list is exhausted. The last message of every call is
// recorded so tests can assert on the prompts the engine built.
type scriptedAgent struct {
	id string

	mu      sync.Mutex
	scripts []string
	calls   int
	prompts []string
}

func newScriptedAgent(id string, scripts ...string) *scriptedAgent {
	return &scriptedAgent{id: id, scripts: scripts}
}

func (a *scriptedAgent) ID() string { return a.id }

func (a *scriptedAgent) Chat(_ context.Context, messages []agents.Message, _ agents.ChatOptions) (<-chan agents.Chunk, error) {
	a.mu.Lock()
	idx := a.calls
	a.calls++
	if idx >= len(a.scripts) {
		idx = len(a.scripts) - 1
	}
	text := a.scripts[idx]
	if len(messages) > 0 {
		a.prompts = append(a.prompts, messages[len(messages)-1].Content)
	}
	a.mu.Unlock()

	ch := make(chan agents.Chunk, 2)
	ch <- &agents.TextChunk{Content: text}
	ch <- &agents.DoneChunk{}
	close(ch)
	return ch, nil
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *scriptedAgent) prompt(i int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.prompts) {
		return ""
	}
	return a.prompts[i]
}

// blockingAgent parks every call until release is closed or the caller's
// context ends, signalling started once a call is parked. Used to hold a task
// in flight while the test flips the run's control state.
type blockingAgent struct {
	id      string
	text    string
	release chan struct{}
	started chan struct{}
}

func newBlockingAgent(id, text string) *blockingAgent {
	return &blockingAgent{
		id:      id,
		text:    text,
		release: make(chan struct{}),
		started: make(chan struct{}, 8),
	}
}

func (a *blockingAgent) ID() string { return a.id }

func (a *blockingAgent) Chat(ctx context.Context, _ []agents.Message, _ agents.ChatOptions) (<-chan agents.Chunk, error) {
	select {
	case a.started <- struct{}{}:
	default:
	}
	ch := make(chan agents.Chunk, 2)
	go func() {
		defer close(ch)
		select {
		case <-a.release:
			ch <- &agents.TextChunk{Content: a.text}
			ch <- &agents.DoneChunk{}
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// capturePublisher records every emitted event in order.
type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Emit(_ context.Context, eventType, runID string, data map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events.New(eventType, runID, data))
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func (p *capturePublisher) byType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// requireSubsequence asserts that want appears within got in order, ignoring
// events in between.
func requireSubsequence(t *testing.T, got []string, want ...string) {
	t.Helper()
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	require.Equal(t, len(want), i, "wanted subsequence %v in %v", want, got)
}

type engineEnv struct {
	runs      *services.RunService
	tasks     *services.TaskService
	publisher *capturePublisher
	engine    *Engine
}

func newEngineEnv(t *testing.T, cfg Config, agentList ...agents.Agent) *engineEnv {
	t.Helper()
	pool := testdb.NewTestClient(t).Pool()

	registry := agents.NewRegistry()
	for _, a := range agentList {
		registry.Register(a)
	}

	sb, err := sandbox.NewValidator([]string{t.TempDir()}, 4)
	require.NoError(t, err)
	guards := guardrails.New(policy.NewResolver(nil), sb, nil, nil, redact.NewPipeline(redact.Options{}))

	env := &engineEnv{
		runs:      services.NewRunService(pool),
		tasks:     services.NewTaskService(pool),
		publisher: &capturePublisher{},
	}
	env.engine = New(cfg, env.runs, env.tasks, services.NewArtifactService(pool), registry, guards, env.publisher)
	return env
}

func testEngineConfig() Config {
	return Config{
		PlannerAgent: "architect",
		DefaultAgent: "coder",
		AgentDescriptions: map[string]string{
			"architect": "decomposes requests into task plans",
			"coder":     "implements code changes",
		},
		Gates:        gates.DefaultConfig(),
		ScheduleTick: 25 * time.Millisecond,
	}
}

func createEngineRun(t *testing.T, env *engineEnv, prompt string, mutate func(*models.Run)) *models.Run {
	t.Helper()
	run := &models.Run{
		ID:            uuid.New().String(),
		Name:          "engine test run",
		Prompt:        prompt,
		WorkspacePath: t.TempDir(),
		Config: models.RunConfig{
			ParallelTasks: 2,
			MaxAttempts:   3,
			GitMode:       models.GitModeNone,
		},
		State:     models.RunStateQueued,
		CreatedAt: time.Now().UTC(),
	}
	if mutate != nil {
		mutate(run)
	}
	require.NoError(t, env.runs.Create(context.Background(), run))
	return run
}

func taskByTitle(t *testing.T, tasks []*models.Task, title string) *models.Task {
	t.Helper()
	for _, task := range tasks {
		if task.Title == title {
			return task
		}
	}
	t.Fatalf("no task titled %q", title)
	return nil
}

const linearPlan = `Two steps, the second builds on the first.

[
  {"title": "Add health endpoint", "description": "Add GET /health returning 200.", "agent": "coder", "gates": ["tests-pass"]},
  {"title": "Document health endpoint", "description": "Describe /health in the README.", "agent": "coder", "depends_on": [0], "gates": ["tests-pass"]}
]`

const singlePlan = `One task covers it.

[
  {"title": "Fix the handler", "description": "Repair the nil check in the handler.", "agent": "coder", "gates": ["tests-pass"]}
]`

func TestExecuteRunsPlanToCompletion(t *testing.T) {
	architect := newScriptedAgent("architect", linearPlan)
	coder := newScriptedAgent("coder", "I made the change and verified it locally.")
	tester := newScriptedAgent("tester", "Ran the suite. all tests pass")
	env := newEngineEnv(t, testEngineConfig(), architect, coder, tester)
	run := createEngineRun(t, env, "Add a health check endpoint", nil)

	state, err := env.engine.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDone, state)

	got, err := env.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDone, got.State)
	assert.NotNil(t, got.CompletedAt)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.Error)
	assert.Contains(t, got.PlanJSON, "tasks")
	assert.Contains(t, got.GraphSnapshot, "nodes")

	tasks, err := env.tasks.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, models.TaskStatusCompleted, task.Status)
		assert.Equal(t, 1, task.Attempt)
		assert.NotNil(t, task.Result)

		attempts, err := env.tasks.ListAttempts(context.Background(), task.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, 1, attempts[0].Seq)
		assert.NotEmpty(t, attempts[0].Response)
	}

	assert.Equal(t, 2, coder.callCount())
	assert.Equal(t, 2, tester.callCount())

	types := env.publisher.types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeProjectStarted, types[0])
	assert.Equal(t, events.TypeProjectCompleted, types[len(types)-1])
	requireSubsequence(t, types,
		events.TypeProjectStarted,
		events.TypePlanningStarted,
		events.TypePlanningCompleted,
		events.TypeTaskStarted,
		events.TypeQualityGateCheck,
		events.TypeQualityGatePassed,
		events.TypeTaskCompleted,
		events.TypeTaskStarted,
		events.TypeTaskCompleted,
		events.TypeProjectCompleted,
	)

	planned := env.publisher.byType(events.TypePlanningCompleted)
	require.Len(t, planned, 1)
	assert.Equal(t, 2, planned[0].Data["task_count"])
}

func TestExecuteRetriesUntilGatesPass(t *testing.T) {
	architect := newScriptedAgent("architect", singlePlan)
	coder := newScriptedAgent("coder",
		"I adjusted the handler.",
		"I added the missing nil check.")
	tester := newScriptedAgent("tester",
		"2 tests failed: TestHandler and TestHandlerNil panic on nil input",
		"Re-ran the suite. all tests pass")
	env := newEngineEnv(t, testEngineConfig(), architect, coder, tester)
	run := createEngineRun(t, env, "Fix the handler crash", nil)

	state, err := env.engine.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDone, state)

	tasks, err := env.tasks.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, 2, task.Attempt)

	attempts, err := env.tasks.ListAttempts(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.NotNil(t, attempts[0].Feedback)
	assert.Contains(t, *attempts[0].Feedback, "2 test(s) failed")
	assert.Nil(t, attempts[1].Feedback)

	// The second coder prompt must carry the gate feedback.
	second := coder.prompt(1)
	assert.Contains(t, second, "Previous Attempt Feedback")
	assert.Contains(t, second, "2 test(s) failed")

	types := env.publisher.types()
	requireSubsequence(t, types,
		events.TypeQualityGateFailed,
		events.TypeTaskFixing,
		events.TypeTaskStarted,
		events.TypeQualityGatePassed,
		events.TypeTaskCompleted,
	)
}

func TestExecuteFallsBackToSingleTaskPlan(t *testing.T) {
	architect := newScriptedAgent("architect", "I cannot break this request into separate steps.")
	coder := newScriptedAgent("coder", "Change made as requested.")
	tester := newScriptedAgent("tester", "all tests pass")
	env := newEngineEnv(t, testEngineConfig(), architect, coder, tester)
	run := createEngineRun(t, env, "Add request logging to the API server", nil)

	state, err := env.engine.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDone, state)

	tasks, err := env.tasks.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Add request logging to the API server", tasks[0].Title)
	assert.Equal(t, "coder", tasks[0].Agent)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)
}

func TestExecuteBlocksDependentsOfFailedTask(t *testing.T) {
	plan := `[
  {"title": "Fix the parser", "description": "Make the parser accept empty input.", "agent": "coder", "gates": ["tests-pass"]},
  {"title": "Extend the CLI", "description": "Expose the parser fix on the CLI.", "agent": "coder", "depends_on": [0], "gates": ["tests-pass"]}
]`
	architect := newScriptedAgent("architect", plan)
	coder := newScriptedAgent("coder", "I attempted the parser fix.")
	tester := newScriptedAgent("tester", "tests failed\nTestParser is still red")

	cfg := testEngineConfig()
	// No fallback agents: exhausting the budget must fail the task.
	cfg.Recovery = recovery.NewPolicy(map[string][]string{})
	env := newEngineEnv(t, cfg, architect, coder, tester)
	run := createEngineRun(t, env, "Fix the parser", func(r *models.Run) {
		r.Config.MaxAttempts = 2
	})

	state, err := env.engine.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateFailed, state)

	got, err := env.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "2 of 2 tasks did not complete")

	tasks, err := env.tasks.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	parser := taskByTitle(t, tasks, "Fix the parser")
	assert.Equal(t, models.TaskStatusFailed, parser.Status)
	assert.Equal(t, 2, parser.Attempt)
	require.NotNil(t, parser.Error)
	assert.Contains(t, *parser.Error, "tests failed")

	cli := taskByTitle(t, tasks, "Extend the CLI")
	assert.Equal(t, models.TaskStatusBlocked, cli.Status)
	require.NotNil(t, cli.BlockedBy)
	assert.Equal(t, parser.ID, *cli.BlockedBy)

	requireSubsequence(t, env.publisher.types(),
		events.TypeTaskFailed,
		events.TypeProjectFailed,
	)
	assert.Equal(t, 2, tester.callCount(), "the blocked task never reaches its gates")
}

func TestExecuteStopsAtIterationCeiling(t *testing.T) {
	architect := newScriptedAgent("architect", linearPlan)
	coder := newScriptedAgent("coder", "Step done.")
	tester := newScriptedAgent("tester", "all tests pass")
	env := newEngineEnv(t, testEngineConfig(), architect, coder, tester)
	run := createEngineRun(t, env, "Add a health check endpoint", func(r *models.Run) {
		r.Config.MaxTotalIterations = 1
	})

	state, err := env.engine.Execute(context.Background(), run)
	assert.Equal(t, models.RunStateFailed, state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max total iterations")

	got, err := env.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "max total iterations")

	tasks, err := env.tasks.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	first := taskByTitle(t, tasks, "Add health endpoint")
	assert.Equal(t, models.TaskStatusCompleted, first.Status, "the budgeted attempt still lands")

	require.NotEmpty(t, env.publisher.byType(events.TypeProjectFailed))
}

func TestExecuteHonorsCancelRequest(t *testing.T) {
	plan := `[
  {"title": "Long running refactor", "description": "Touch everything.", "agent": "coder", "gates": ["tests-pass"]}
]`
	architect := newScriptedAgent("architect", plan)
	coder := newBlockingAgent("coder", "never delivered")
	tester := newScriptedAgent("tester", "all tests pass")
	env := newEngineEnv(t, testEngineConfig(), architect, coder, tester)
	run := createEngineRun(t, env, "Refactor the world", nil)

	type execResult struct {
		state models.RunState
		err   error
	}
	resCh := make(chan execResult, 1)
	go func() {
		state, err := env.engine.Execute(context.Background(), run)
		resCh <- execResult{state, err}
	}()

	select {
	case <-coder.started:
	case <-time.After(15 * time.Second):
		t.Fatal("task never reached its agent")
	}
	require.NoError(t, env.runs.UpdateState(context.Background(), run.ID, models.RunStateCancelled))

	var res execResult
	select {
	case res = <-resCh:
	case <-time.After(15 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	require.NoError(t, res.err)
	assert.Equal(t, models.RunStateCancelled, res.state)

	got, err := env.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCancelled, got.State)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "cancelled")

	require.NotEmpty(t, env.publisher.byType(events.TypeProjectCancelled))
	assert.Empty(t, env.publisher.byType(events.TypeTaskCompleted))
}

func TestExecutePausesAndResumes(t *testing.T) {
	plan := `[
  {"title": "Implement parser", "description": "Write the parser.", "agent": "coder", "gates": ["tests-pass"]},
  {"title": "Wire parser into CLI", "description": "Use the parser from the CLI.", "agent": "builder", "depends_on": [0], "gates": ["tests-pass"]}
]`
	architect := newScriptedAgent("architect", plan)
	coder := newScriptedAgent("coder", "Parser implemented.")
	builder := newBlockingAgent("builder", "Parser wired into the CLI.")
	tester := newScriptedAgent("tester", "all tests pass")

	cfg := testEngineConfig()
	cfg.AgentDescriptions["builder"] = "wires components together"
	env := newEngineEnv(t, cfg, architect, coder, builder, tester)
	run := createEngineRun(t, env, "Build the parser feature", nil)

	type execResult struct {
		state models.RunState
		err   error
	}
	resCh := make(chan execResult, 1)
	go func() {
		state, err := env.engine.Execute(context.Background(), run)
		resCh <- execResult{state, err}
	}()

	// Pause while the second task is parked inside its agent call.
	select {
	case <-builder.started:
	case <-time.After(15 * time.Second):
		t.Fatal("second task never reached its agent")
	}
	require.NoError(t, env.runs.UpdateState(context.Background(), run.ID, models.RunStatePaused))

	var res execResult
	select {
	case res = <-resCh:
	case <-time.After(15 * time.Second):
		t.Fatal("Execute did not return after pause")
	}
	require.NoError(t, res.err)
	assert.Equal(t, models.RunStatePaused, res.state)

	paused, err := env.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatePaused, paused.State)
	require.NotNil(t, paused.ResumeState)
	assert.Equal(t, "executing", *paused.ResumeState)
	assert.NotNil(t, paused.PausedAt)
	assert.Contains(t, paused.GraphSnapshot, "nodes")

	tasks, err := env.tasks.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	done := taskByTitle(t, tasks, "Implement parser")
	assert.Equal(t, models.TaskStatusCompleted, done.Status)

	// Resume: requeue, reload, execute again. The parked agent now answers.
	close(builder.release)
	require.NoError(t, env.runs.UpdateState(context.Background(), run.ID, models.RunStateQueued))
	resumed, err := env.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)

	state, err := env.engine.Execute(context.Background(), resumed)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDone, state)

	final, err := env.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDone, final.State)
	assert.Nil(t, final.ResumeState)
	assert.Nil(t, final.PausedAt)

	tasks, err = env.tasks.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	wired := taskByTitle(t, tasks, "Wire parser into CLI")
	assert.Equal(t, models.TaskStatusCompleted, wired.Status)
	assert.Equal(t, 2, wired.Attempt, "the interrupted claim consumed the first attempt")

	requireSubsequence(t, env.publisher.types(),
		events.TypePaused,
		events.TypeResumed,
		events.TypeTaskCompleted,
		events.TypeProjectCompleted,
	)
	resumedEvents := env.publisher.byType(events.TypeResumed)
	require.Len(t, resumedEvents, 1)
	assert.Equal(t, "executing", resumedEvents[0].Data["from"])
}

func TestExecuteSpawnsDynamicTask(t *testing.T) {
	plan := `[
  {"title": "Add endpoint", "description": "Add the endpoint.", "agent": "coder", "gates": ["tests-pass"]}
]`
	architect := newScriptedAgent("architect", plan)
	coder := newScriptedAgent("coder",
		"Endpoint added.\n[SPAWN:coder] Write usage docs for the new endpoint",
		"Docs written.")
	tester := newScriptedAgent("tester", "all tests pass")
	env := newEngineEnv(t, testEngineConfig(), architect, coder, tester)
	run := createEngineRun(t, env, "Add an endpoint", nil)

	state, err := env.engine.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDone, state)

	tasks, err := env.tasks.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	parent := taskByTitle(t, tasks, "Add endpoint")
	spawned := taskByTitle(t, tasks, "Write usage docs for the new endpoint")
	assert.Equal(t, models.TaskStatusCompleted, spawned.Status)
	assert.Equal(t, []string{parent.ID}, spawned.DependsOn)
	assert.Equal(t, "coder", spawned.Agent)

	created := env.publisher.byType(events.TypeTaskCreated)
	require.Len(t, created, 1)
	assert.Equal(t, spawned.ID, created[0].Data["task_id"])
	assert.Equal(t, parent.ID, created[0].Data["spawned_by"])

	assert.Equal(t, 2, coder.callCount())
}
