package engine

import (
	"context"
	"sync"

	"github.com/crewline/foreman/pkg/events"
)

// queuedEvent is one buffered progress event awaiting publication.
type queuedEvent struct {
	eventType string
	data      map[string]any
}

// eventQueue is the bounded per-task buffer between a task goroutine and the
// event stream. Pushes never block: when the buffer is full the oldest entry
// is dropped so a slow publisher throttles that task's progress events, not
// its execution. Lifecycle events (started, completed, failed) bypass the
// queue and are emitted synchronously by the engine.
type eventQueue struct {
	mu      sync.Mutex
	buf     []queuedEvent
	head    int
	n       int
	dropped int
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &eventQueue{
		buf:  make([]queuedEvent, capacity),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push appends an event, evicting the oldest when full.
func (q *eventQueue) push(eventType string, data map[string]any) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.n == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		q.dropped++
	}
	q.buf[(q.head+q.n)%len(q.buf)] = queuedEvent{eventType: eventType, data: data}
	q.n++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// popAll drains the buffer and resets the drop counter. The second return is
// how many events were evicted since the previous drain.
func (q *eventQueue) popAll() ([]queuedEvent, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil, q.takeDroppedLocked()
	}
	out := make([]queuedEvent, 0, q.n)
	for i := 0; i < q.n; i++ {
		out = append(out, q.buf[(q.head+i)%len(q.buf)])
	}
	q.head = 0
	q.n = 0
	return out, q.takeDroppedLocked()
}

func (q *eventQueue) takeDroppedLocked() int {
	d := q.dropped
	q.dropped = 0
	return d
}

// close stops accepting pushes and signals the drainer to flush and exit.
func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

// drain publishes buffered events until the queue is closed, then flushes
// whatever remains. Runs on its own goroutine, one per task.
func (q *eventQueue) drain(ctx context.Context, publish func(eventType string, data map[string]any)) {
	flush := func() {
		buffered, dropped := q.popAll()
		for _, ev := range buffered {
			publish(ev.eventType, ev.data)
		}
		if dropped > 0 {
			publish(events.TypeTaskProgress, map[string]any{"dropped": dropped})
		}
	}

	for {
		select {
		case <-q.done:
			flush()
			return
		case <-ctx.Done():
			return
		case <-q.wake:
			flush()
		}
	}
}
