// Package api is the HTTP surface: run intake and control, SSE and
// WebSocket event streaming, approvals, channel callbacks, session history,
// and health probes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewline/foreman/pkg/approval"
	"github.com/crewline/foreman/pkg/channels"
	"github.com/crewline/foreman/pkg/config"
	"github.com/crewline/foreman/pkg/database"
	"github.com/crewline/foreman/pkg/events"
	"github.com/crewline/foreman/pkg/queue"
	"github.com/crewline/foreman/pkg/services"
	"github.com/crewline/foreman/pkg/session"
)

// Server holds the handler dependencies and the running http.Server.
type Server struct {
	cfg      *config.Config
	dbClient *database.Client

	runService     *services.RunService
	taskService    *services.TaskService
	sessionService *services.SessionService

	workerPool  *queue.WorkerPool
	connManager *events.ConnectionManager

	// Optional components, attached with the Set* methods. Handlers answer
	// 503 when the surface they serve is not wired.
	publisher *events.Publisher
	approvals *approval.Manager
	resolver  *session.Resolver
	slack     *channels.SlackAdapter

	httpServer *http.Server
}

// NewServer wires the required dependencies.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	runService *services.RunService,
	taskService *services.TaskService,
	sessionService *services.SessionService,
	workerPool *queue.WorkerPool,
	connManager *events.ConnectionManager,
) *Server {
	return &Server{
		cfg:            cfg,
		dbClient:       dbClient,
		runService:     runService,
		taskService:    taskService,
		sessionService: sessionService,
		workerPool:     workerPool,
		connManager:    connManager,
	}
}

// SetEventPublisher attaches the transactional event publisher used for
// operator events on runs no worker holds.
func (s *Server) SetEventPublisher(p *events.Publisher) {
	s.publisher = p
}

// SetApprovalManager attaches the in-process approval manager.
func (s *Server) SetApprovalManager(m *approval.Manager) {
	s.approvals = m
}

// SetSessionResolver attaches the resolver serving channel ingestion and
// message history.
func (s *Server) SetSessionResolver(r *session.Resolver) {
	s.resolver = r
}

// SetSlackAdapter attaches the Slack Events API adapter. A nil adapter
// leaves the Slack callback endpoint answering 503.
func (s *Server) SetSlackAdapter(a *channels.SlackAdapter) {
	s.slack = a
}

// Handler builds the gin engine with all routes and middleware.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(securityHeaders())

	r.GET("/health", s.healthHandler)
	r.GET("/health/ready", s.readyHandler)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/start", s.startRunHandler)

		projects := v1.Group("/projects")
		{
			projects.GET("", s.listRunsHandler)
			projects.GET("/:id", s.getRunHandler)
			projects.GET("/:id/events", s.runEventsHandler)
			projects.POST("/:id/pause", s.pauseRunHandler)
			projects.POST("/:id/resume", s.resumeRunHandler)
			projects.POST("/:id/cancel", s.cancelRunHandler)
			projects.POST("/:id/tasks/:taskID/retry", s.retryTaskHandler)
		}

		approvals := v1.Group("/approvals")
		{
			approvals.GET("", s.listApprovalsHandler)
			approvals.POST("/:id/approve", s.approveApprovalHandler)
			approvals.POST("/:id/reject", s.rejectApprovalHandler)
		}

		sessions := v1.Group("/sessions")
		{
			sessions.GET("/:id", s.getSessionHandler)
			sessions.GET("/:id/messages", s.listMessagesHandler)
		}

		v1.POST("/channels/messages", s.channelMessageHandler)
		v1.POST("/channels/slack/events", s.slackEventsHandler)

		v1.GET("/ws", s.wsHandler)
	}

	return r
}

// Start begins serving on addr, blocking until the listener stops. Write
// timeouts stay unset: SSE attachments and WebSocket sessions are long-lived
// by design.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests up
// to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
