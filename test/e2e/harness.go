// Package e2e boots a complete foreman instance — database, event
// streaming, guardrails, worker pool, HTTP API — and exercises it through
// the public surface the way an operator's client would.
package e2e

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewline/foreman/pkg/agents"
	"github.com/crewline/foreman/pkg/api"
	"github.com/crewline/foreman/pkg/approval"
	"github.com/crewline/foreman/pkg/audit"
	"github.com/crewline/foreman/pkg/config"
	"github.com/crewline/foreman/pkg/database"
	"github.com/crewline/foreman/pkg/engine"
	"github.com/crewline/foreman/pkg/events"
	"github.com/crewline/foreman/pkg/gates"
	"github.com/crewline/foreman/pkg/guardrails"
	"github.com/crewline/foreman/pkg/models"
	"github.com/crewline/foreman/pkg/policy"
	"github.com/crewline/foreman/pkg/queue"
	"github.com/crewline/foreman/pkg/recovery"
	"github.com/crewline/foreman/pkg/redact"
	"github.com/crewline/foreman/pkg/sandbox"
	"github.com/crewline/foreman/pkg/services"
	"github.com/crewline/foreman/pkg/session"
	testdb "github.com/crewline/foreman/test/database"
)

// TestApp is a full foreman instance wired against a per-test database
// schema. The HTTP server runs on a loopback listener; everything behind it
// is the production wiring from cmd/foreman, with scripted agents standing
// in for the backend.
type TestApp struct {
	Cfg           *config.Config
	DB            *database.Client
	WorkspaceRoot string

	Runs      *services.RunService
	Tasks     *services.TaskService
	Audit     *services.AuditService
	Approvals *approval.Manager

	Engine *engine.Engine
	Server *httptest.Server

	sink       *audit.Sink
	workerPool *queue.WorkerPool
	stopped    bool
}

type appConfig struct {
	policies map[string]policy.Policy
	engine   func(*engine.Config)
}

type appOption func(*appConfig)

// withPolicies sets the per-agent guardrail policies. Agents without an
// entry fall back to deny-all.
func withPolicies(policies map[string]policy.Policy) appOption {
	return func(c *appConfig) { c.policies = policies }
}

// withEngine mutates the engine configuration before the engine is built.
func withEngine(mutate func(*engine.Config)) appOption {
	return func(c *appConfig) { c.engine = mutate }
}

// permissiveCoderPolicies allows the coder full filesystem access inside the
// jail with default budgets. The baseline for scenarios not about policy.
func permissiveCoderPolicies() map[string]policy.Policy {
	return map[string]policy.Policy{
		"coder": {
			AgentID:      "coder",
			AllowedTools: []string{"filesystem"},
		},
	}
}

// e2eQueueConfig keeps the pool responsive at test time scales.
func e2eQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		WorkerCount:             2,
		MaxConcurrentRuns:       10,
		PollInterval:            50 * time.Millisecond,
		PollIntervalJitter:      0,
		RunTimeout:              60 * time.Second,
		GracefulShutdownTimeout: 10 * time.Second,
		HeartbeatInterval:       1 * time.Second,
		OrphanScanInterval:      1 * time.Hour, // Quiet unless a test shortens it
		OrphanThreshold:         5 * time.Second,
	}
}

// approvalEventNotifier mirrors the bridge in cmd/foreman: approval
// lifecycle changes surface on the run's event channel. Session ids are run
// ids, so the record routes itself.
type approvalEventNotifier struct {
	publisher *events.Publisher
}

func (n *approvalEventNotifier) ApprovalRequested(ctx context.Context, rec models.PendingApproval) {
	n.publisher.EmitBestEffort(ctx, events.TypeApprovalRequested, rec.SessionID, map[string]any{
		"approval_id": rec.ID,
		"agent":       rec.Agent,
		"action":      string(rec.Action),
		"target":      rec.Target,
	})
}

func (n *approvalEventNotifier) ApprovalResolved(ctx context.Context, rec models.PendingApproval) {
	n.publisher.EmitBestEffort(ctx, events.TypeApprovalResolved, rec.SessionID, map[string]any{
		"approval_id": rec.ID,
		"status":      string(rec.Status),
		"note":        rec.ApproverNote,
	})
}

// startApp boots the full stack with the given agents registered. Cleanup
// stops the pool, drains the audit sink, and closes everything down.
func startApp(t *testing.T, agentList []agents.Agent, opts ...appOption) *TestApp {
	t.Helper()
	ctx := context.Background()

	ac := &appConfig{policies: permissiveCoderPolicies()}
	for _, opt := range opts {
		opt(ac)
	}

	client := testdb.NewTestClient(t)
	pool := client.Pool()
	workspaceRoot := t.TempDir()

	cfg := &config.Config{
		Server:      &config.ServerConfig{ListenAddr: ":0"},
		Workspace:   &config.WorkspaceConfig{Root: workspaceRoot},
		Queue:       e2eQueueConfig(),
		RunDefaults: config.DefaultRunDefaults(),
	}

	runService := services.NewRunService(pool)
	taskService := services.NewTaskService(pool)
	artifactService := services.NewArtifactService(pool)
	auditService := services.NewAuditService(pool)
	sessionService := services.NewSessionService(pool)
	messageService := services.NewMessageService(pool)
	eventService := services.NewEventService(pool)

	publisher := events.NewPublisher(pool)
	connManager := events.NewConnectionManager(events.NewEventServiceAdapter(eventService), 2*time.Second)

	listener := events.NewNotifyListener(client.ConnString(), connManager)
	require.NoError(t, listener.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		listener.Stop(stopCtx)
	})
	connManager.SetListener(listener)

	sink := audit.NewSink(auditService, 0)
	approvals := approval.NewManager(15*time.Second, &approvalEventNotifier{publisher: publisher}, sink)

	sb, err := sandbox.NewValidator([]string{workspaceRoot}, sandbox.DefaultMaxSymlinkDepth)
	require.NoError(t, err)

	redactor := redact.NewPipeline(redact.Options{})
	guards := guardrails.New(policy.NewResolver(ac.policies), sb, approvals, sink, redactor)

	registry := agents.NewRegistry()
	descriptions := map[string]string{}
	for _, a := range agentList {
		registry.Register(a)
		descriptions[a.ID()] = "scripted e2e agent"
	}

	engCfg := engine.Config{
		PlannerAgent:      "architect",
		DefaultAgent:      "coder",
		AgentDescriptions: descriptions,
		Gates:             gates.DefaultConfig(),
		Recovery:          recovery.NewPolicy(map[string][]string{}),
		ScheduleTick:      25 * time.Millisecond,
		CallTimeout:       10 * time.Second,
	}
	if ac.engine != nil {
		ac.engine(&engCfg)
	}

	eng := engine.New(engCfg, runService, taskService, artifactService, registry, guards, publisher)

	workerPool := queue.NewWorkerPool("e2e-pod", runService, cfg.Queue, eng)
	require.NoError(t, workerPool.Start(ctx))

	resolver := session.NewResolver(sessionService, messageService, redactor, engCfg.DefaultAgent)

	server := api.NewServer(cfg, client, runService, taskService, sessionService, workerPool, connManager)
	server.SetEventPublisher(publisher)
	server.SetApprovalManager(approvals)
	server.SetSessionResolver(resolver)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	app := &TestApp{
		Cfg:           cfg,
		DB:            client,
		WorkspaceRoot: workspaceRoot,
		Runs:          runService,
		Tasks:         taskService,
		Audit:         auditService,
		Approvals:     approvals,
		Engine:        eng,
		Server:        httpServer,
		sink:          sink,
		workerPool:    workerPool,
	}
	t.Cleanup(func() {
		app.StopWorkers()
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sink.Close(drainCtx)
	})
	return app
}

// StopWorkers shuts the worker pool down, interrupting in-flight runs so
// they snapshot and requeue. Safe to call more than once.
func (a *TestApp) StopWorkers() {
	if a.stopped {
		return
	}
	a.stopped = true
	a.workerPool.Stop()
}

// StartFreshPool brings up a replacement worker pool over the same engine,
// simulating a restarted replica picking the queue back up.
func (a *TestApp) StartFreshPool(t *testing.T, podID string) *queue.WorkerPool {
	t.Helper()
	fresh := queue.NewWorkerPool(podID, a.Runs, a.Cfg.Queue, a.Engine)
	require.NoError(t, fresh.Start(context.Background()))
	t.Cleanup(fresh.Stop)
	return fresh
}
