// Package audit provides the append-only audit sink. Every guarded tool
// execution, file operation, agent exchange, and budget consultation lands
// here; nothing on the hot path ever reads these records back.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/foreman/pkg/models"
)

// DefaultBufferSize is the sink's write queue capacity.
const DefaultBufferSize = 256

// Store persists audit records. Implemented by services.AuditService.
type Store interface {
	InsertToolCall(ctx context.Context, rec *models.ToolCallAudit) error
	InsertFileOp(ctx context.Context, rec *models.FileOpAudit) error
	InsertLLMExchange(ctx context.Context, rec *models.LLMExchangeAudit) error
	InsertBudgetCheck(ctx context.Context, rec *models.BudgetCheckAudit) error
	InsertEvent(ctx context.Context, rec *models.AuditEvent) error
}

type writeOp func(ctx context.Context, store Store) error

// Sink buffers audit writes and flushes them on a background goroutine so
// callers never block on the database. When the buffer is full, records are
// dropped and counted rather than stalling tool execution.
type Sink struct {
	store   Store
	ch      chan writeOp
	done    chan struct{}
	dropped atomic.Int64
}

// NewSink creates a sink writing to store and starts its flush goroutine.
// bufferSize <= 0 selects DefaultBufferSize.
func NewSink(store Store, bufferSize int) *Sink {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	s := &Sink{
		store: store,
		ch:    make(chan writeOp, bufferSize),
		done:  make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

func (s *Sink) flushLoop() {
	defer close(s.done)
	for op := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := op(ctx, s.store); err != nil {
			slog.Error("Audit write failed", "error", err)
		}
		cancel()
	}
}

func (s *Sink) enqueue(op writeOp) {
	select {
	case s.ch <- op:
	default:
		n := s.dropped.Add(1)
		slog.Warn("Audit buffer full, dropping record", "dropped_total", n)
	}
}

// Close stops accepting records and drains the queue. Returns ctx.Err() if
// the drain does not finish in time.
func (s *Sink) Close(ctx context.Context) error {
	close(s.ch)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit sink drain interrupted: %w", ctx.Err())
	}
}

// Dropped reports how many records were discarded due to a full buffer.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// ToolCall enqueues a tool-call record and returns its ID immediately,
// before the row is written. A caller-assigned ID is preserved so a
// pre-execution decision can link to the post-execution record.
func (s *Sink) ToolCall(rec models.ToolCallAudit) string {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = time.Now().UTC()
	s.enqueue(func(ctx context.Context, store Store) error {
		return store.InsertToolCall(ctx, &rec)
	})
	return rec.ID
}

// FileOp enqueues a file-operation record and returns its assigned ID.
func (s *Sink) FileOp(rec models.FileOpAudit) string {
	rec.ID = uuid.New().String()
	rec.CreatedAt = time.Now().UTC()
	s.enqueue(func(ctx context.Context, store Store) error {
		return store.InsertFileOp(ctx, &rec)
	})
	return rec.ID
}

// LLMExchange enqueues an agent-exchange record and returns its assigned ID.
func (s *Sink) LLMExchange(rec models.LLMExchangeAudit) string {
	rec.ID = uuid.New().String()
	rec.CreatedAt = time.Now().UTC()
	s.enqueue(func(ctx context.Context, store Store) error {
		return store.InsertLLMExchange(ctx, &rec)
	})
	return rec.ID
}

// BudgetCheck enqueues a budget-consultation record and returns its assigned ID.
func (s *Sink) BudgetCheck(rec models.BudgetCheckAudit) string {
	rec.ID = uuid.New().String()
	rec.CreatedAt = time.Now().UTC()
	s.enqueue(func(ctx context.Context, store Store) error {
		return store.InsertBudgetCheck(ctx, &rec)
	})
	return rec.ID
}

// Event enqueues a generic audit event and returns its assigned ID.
func (s *Sink) Event(rec models.AuditEvent) string {
	rec.ID = uuid.New().String()
	rec.CreatedAt = time.Now().UTC()
	s.enqueue(func(ctx context.Context, store Store) error {
		return store.InsertEvent(ctx, &rec)
	})
	return rec.ID
}
