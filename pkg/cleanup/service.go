// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/crewline/foreman/pkg/config"
	"github.com/crewline/foreman/pkg/services"
)

// Service periodically enforces retention policies:
//   - Deletes terminal runs (tasks, attempts, artifacts, and task logs
//     follow via FK cascade) past the run retention window
//   - Deletes audit rows past the audit retention window
//   - Removes event rows past their TTL
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config       *config.RetentionConfig
	runService   *services.RunService
	auditService *services.AuditService
	eventService *services.EventService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(
	cfg *config.RetentionConfig,
	runService *services.RunService,
	auditService *services.AuditService,
	eventService *services.EventService,
) *Service {
	return &Service{
		config:       cfg,
		runService:   runService,
		auditService: auditService,
		eventService: eventService,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"run_retention_days", s.config.RunRetentionDays,
		"audit_retention_days", s.config.AuditRetentionDays,
		"event_ttl", s.config.EventTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.deleteOldRuns(ctx)
	s.deleteOldAuditRows(ctx)
	s.deleteOldEvents(ctx)
}

func (s *Service) deleteOldRuns(_ context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.RunRetentionDays)
	count, err := s.runService.DeleteTerminalRunsBefore(context.Background(), cutoff)
	if err != nil {
		slog.Error("Retention: run cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old terminal runs", "count", count)
	}
}

func (s *Service) deleteOldAuditRows(_ context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.AuditRetentionDays)
	count, err := s.auditService.DeleteBefore(context.Background(), cutoff)
	if err != nil {
		slog.Error("Retention: audit cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old audit rows", "count", count)
	}
}

func (s *Service) deleteOldEvents(_ context.Context) {
	cutoff := time.Now().UTC().Add(-s.config.EventTTL)
	count, err := s.eventService.DeleteEventsBefore(context.Background(), cutoff)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old events", "count", count)
	}
}
