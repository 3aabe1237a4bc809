// Foreman orchestrator server — provides the HTTP API, manages queue
// workers, and drives autonomous multi-agent development runs.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/crewline/foreman/pkg/agents"
	"github.com/crewline/foreman/pkg/api"
	"github.com/crewline/foreman/pkg/approval"
	"github.com/crewline/foreman/pkg/audit"
	"github.com/crewline/foreman/pkg/channels"
	"github.com/crewline/foreman/pkg/cleanup"
	"github.com/crewline/foreman/pkg/config"
	"github.com/crewline/foreman/pkg/database"
	"github.com/crewline/foreman/pkg/engine"
	"github.com/crewline/foreman/pkg/events"
	"github.com/crewline/foreman/pkg/gates"
	"github.com/crewline/foreman/pkg/guardrails"
	"github.com/crewline/foreman/pkg/models"
	"github.com/crewline/foreman/pkg/queue"
	"github.com/crewline/foreman/pkg/recovery"
	"github.com/crewline/foreman/pkg/redact"
	"github.com/crewline/foreman/pkg/sandbox"
	"github.com/crewline/foreman/pkg/services"
	"github.com/crewline/foreman/pkg/session"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// approvalNotifier bridges approval lifecycle changes onto the run's event
// channel. Enforcer session ids are run ids, so the record routes itself.
type approvalNotifier struct {
	publisher *events.Publisher
}

func (n *approvalNotifier) ApprovalRequested(ctx context.Context, rec models.PendingApproval) {
	n.publisher.EmitBestEffort(ctx, events.TypeApprovalRequested, rec.SessionID, map[string]any{
		"approval_id": rec.ID,
		"agent":       rec.Agent,
		"action":      string(rec.Action),
		"target":      rec.Target,
	})
}

func (n *approvalNotifier) ApprovalResolved(ctx context.Context, rec models.PendingApproval) {
	n.publisher.EmitBestEffort(ctx, events.TypeApprovalResolved, rec.SessionID, map[string]any{
		"approval_id": rec.ID,
		"status":      string(rec.Status),
		"note":        rec.ApproverNote,
	})
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()

	slog.Info("Starting foreman", "pod_id", podID, "config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// 3. Domain services
	pool := dbClient.Pool()
	runService := services.NewRunService(pool)
	taskService := services.NewTaskService(pool)
	artifactService := services.NewArtifactService(pool)
	auditService := services.NewAuditService(pool)
	sessionService := services.NewSessionService(pool)
	messageService := services.NewMessageService(pool)
	eventService := services.NewEventService(pool)
	slog.Info("Services initialized")

	// 4. One-time startup orphan requeue: reclaim runs this pod's previous
	// incarnation died holding, so they resume instead of waiting out the
	// orphan threshold.
	if err := queue.RequeueStartupOrphans(ctx, runService, podID, cfg.Queue.WorkerCount); err != nil {
		slog.Error("Failed to requeue startup orphans", "error", err)
		// Non-fatal — the periodic orphan scan covers the remainder
	}

	// 5. Streaming infrastructure
	publisher := events.NewPublisher(pool)
	connManager := events.NewConnectionManager(events.NewEventServiceAdapter(eventService), 10*time.Second)

	// NotifyListener holds a dedicated connection for LISTEN
	notifyListener := events.NewNotifyListener(dbClient.ConnString(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start NotifyListener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)
	connManager.SetListener(notifyListener)
	slog.Info("Streaming infrastructure initialized")

	// 6. Guardrail collaborators: audit sink, diff-first approvals, sandbox,
	// redaction
	sink := audit.NewSink(auditService, 0)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sink.Close(drainCtx); err != nil {
			slog.Error("Audit sink drain failed", "error", err)
		}
	}()

	approvals := approval.NewManager(0, &approvalNotifier{publisher: publisher}, sink)

	sb, err := sandbox.NewValidator([]string{cfg.Workspace.Root}, sandbox.DefaultMaxSymlinkDepth)
	if err != nil {
		slog.Error("Failed to build sandbox validator", "root", cfg.Workspace.Root, "error", err)
		os.Exit(1)
	}

	redactor := redact.NewPipeline(cfg.Redaction)
	guards := guardrails.New(cfg.PolicyRegistry.Resolver(), sb, approvals, sink, redactor)

	// 7. Agent registry over the agent-runner backend
	backendCfg := agents.BackendConfig{
		BaseURL:        cfg.Backend.BaseURL,
		APIKey:         os.Getenv(cfg.Backend.APIKeyEnv),
		ConnectTimeout: cfg.Backend.ConnectTimeout,
	}
	registry := agents.NewRegistry()
	for id, agentCfg := range cfg.AgentRegistry.GetAll() {
		registry.Register(agents.NewHTTPAgent(id, agentCfg.Model, backendCfg))
	}
	slog.Info("Agent registry initialized", "agents", cfg.AgentRegistry.Len())

	// 8. Orchestration engine
	gateCfg := gates.DefaultConfig()
	gateCfg.TesterAgent = cfg.Engine.TesterAgent
	gateCfg.ReviewerAgent = cfg.Engine.ReviewerAgent

	eng := engine.New(engine.Config{
		PlannerAgent:       cfg.Engine.PlannerAgent,
		DefaultAgent:       cfg.Engine.DefaultAgent,
		AgentDescriptions:  cfg.AgentRegistry.Descriptions(),
		Gates:              gateCfg,
		Recovery:           recovery.NewPolicy(cfg.AgentRegistry.Fallbacks()),
		ParallelTasks:      cfg.RunDefaults.ParallelTasks,
		MaxAttempts:        cfg.RunDefaults.MaxAttempts,
		MaxRuntime:         cfg.Engine.MaxRuntime,
		MaxTotalIterations: cfg.RunDefaults.MaxTotalIterations,
		CallTimeout:        cfg.Engine.CallTimeout,
		ScheduleTick:       cfg.Engine.ScheduleTick,
		EventQueueSize:     cfg.Engine.EventQueueSize,
		Forge:              cfg.Forge.Command,
	}, runService, taskService, artifactService, registry, guards, publisher)

	// 9. Worker pool (before the HTTP server, so intake always has claimants)
	workerPool := queue.NewWorkerPool(podID, runService, cfg.Queue, eng)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 10. Retention cleanup
	cleanupService := cleanup.NewService(cfg.Retention, runService, auditService, eventService)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	// 11. Channel surfaces
	resolver := session.NewResolver(sessionService, messageService, redactor, cfg.Engine.DefaultAgent)

	var slackAdapter *channels.SlackAdapter
	if cfg.Slack.Enabled {
		slackAdapter = channels.NewSlackAdapter(channels.SlackConfig{
			BotToken:      os.Getenv(cfg.Slack.BotTokenEnv),
			SigningSecret: os.Getenv(cfg.Slack.SigningSecretEnv),
			Channel:       cfg.Slack.Channel,
		}, resolver)
		if slackAdapter == nil {
			slog.Warn("Slack enabled but credentials missing, surface disabled",
				"bot_token_env", cfg.Slack.BotTokenEnv,
				"signing_secret_env", cfg.Slack.SigningSecretEnv)
		}
	}

	// 12. HTTP server
	httpServer := api.NewServer(cfg, dbClient, runService, taskService, sessionService, workerPool, connManager)
	httpServer.SetEventPublisher(publisher)
	httpServer.SetApprovalManager(approvals)
	httpServer.SetSessionResolver(resolver)
	if slackAdapter != nil {
		httpServer.SetSlackAdapter(slackAdapter)
	}

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Server.ListenAddr
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Foreman started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	// 13. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 14. Graceful shutdown. Worker stop interrupts in-flight runs, which
	// snapshot and requeue themselves, so the wait only covers teardown.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Worker pool shutdown timeout exceeded")
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Foreman shutdown complete")
}
