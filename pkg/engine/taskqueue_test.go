package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/foreman/pkg/events"
)

func TestEventQueuePreservesOrder(t *testing.T) {
	q := newEventQueue(8)
	for i := 0; i < 3; i++ {
		q.push(events.TypeTaskProgress, map[string]any{"seq": i})
	}

	got, dropped := q.popAll()
	require.Len(t, got, 3)
	assert.Zero(t, dropped)
	for i, ev := range got {
		assert.Equal(t, events.TypeTaskProgress, ev.eventType)
		assert.Equal(t, i, ev.data["seq"])
	}

	got, dropped = q.popAll()
	assert.Empty(t, got)
	assert.Zero(t, dropped)
}

func TestEventQueueDropsOldestWhenFull(t *testing.T) {
	q := newEventQueue(2)
	for i := 0; i < 5; i++ {
		q.push(events.TypeTaskAgentOutput, map[string]any{"seq": i})
	}

	got, dropped := q.popAll()
	require.Len(t, got, 2)
	assert.Equal(t, 3, dropped)
	assert.Equal(t, 3, got[0].data["seq"])
	assert.Equal(t, 4, got[1].data["seq"])

	// The drop counter resets with each drain.
	q.push(events.TypeTaskAgentOutput, map[string]any{"seq": 5})
	got, dropped = q.popAll()
	require.Len(t, got, 1)
	assert.Zero(t, dropped)
}

func TestEventQueuePushAfterCloseIsIgnored(t *testing.T) {
	q := newEventQueue(4)
	q.close()
	q.close() // idempotent

	q.push(events.TypeTaskProgress, nil)
	got, dropped := q.popAll()
	assert.Empty(t, got)
	assert.Zero(t, dropped)
}

func TestEventQueueDrainFlushesOnClose(t *testing.T) {
	q := newEventQueue(16)

	var mu sync.Mutex
	var published []queuedEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.drain(context.Background(), func(eventType string, data map[string]any) {
			mu.Lock()
			published = append(published, queuedEvent{eventType: eventType, data: data})
			mu.Unlock()
		})
	}()

	for i := 0; i < 10; i++ {
		q.push(events.TypeTaskAgentOutput, map[string]any{"text": fmt.Sprintf("line %d", i)})
	}
	q.close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drainer did not exit after close")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 10)
	for i, ev := range published {
		assert.Equal(t, events.TypeTaskAgentOutput, ev.eventType)
		assert.Equal(t, fmt.Sprintf("line %d", i), ev.data["text"])
	}
}

func TestEventQueueDrainReportsDrops(t *testing.T) {
	// Capacity one and no drainer running yet: pushes evict each other.
	q := newEventQueue(1)
	q.push(events.TypeTaskAgentOutput, map[string]any{"seq": 0})
	q.push(events.TypeTaskAgentOutput, map[string]any{"seq": 1})
	q.push(events.TypeTaskAgentOutput, map[string]any{"seq": 2})

	var mu sync.Mutex
	var published []queuedEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.drain(context.Background(), func(eventType string, data map[string]any) {
			mu.Lock()
			published = append(published, queuedEvent{eventType: eventType, data: data})
			mu.Unlock()
		})
	}()
	q.close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drainer did not exit after close")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 2)
	assert.Equal(t, 2, published[0].data["seq"], "only the newest event survives")
	assert.Equal(t, events.TypeTaskProgress, published[1].eventType)
	assert.Equal(t, 2, published[1].data["dropped"])
}

func TestEventQueueDrainStopsOnContextCancel(t *testing.T) {
	q := newEventQueue(4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.drain(ctx, func(string, map[string]any) {})
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("drainer did not exit after context cancel")
	}
}
