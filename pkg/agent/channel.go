package agent

import (
	"context"
	"sync"

	"github.com/openonion/connectonion/pkg/protocol"
)

// Queue is an unbounded thread-safe FIFO of events. The agent side never
// blocks on a slow consumer; the pump drains quickly, but bursts are
// absorbed here rather than in socket buffers.
type Queue struct {
	mu     sync.Mutex
	items  []protocol.Event
	wake   chan struct{}
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push enqueues an event. Pushes after Close are dropped.
func (q *Queue) Push(e protocol.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop dequeues the next event, blocking until one is available, the queue is
// closed and drained, or ctx is done. ok is false when nothing more will
// arrive.
func (q *Queue) Pop(ctx context.Context) (e protocol.Event, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e = q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.wake:
		}
	}
}

// TryPop dequeues without blocking.
func (q *Queue) TryPop() (e protocol.Event, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	e = q.items[0]
	q.items = q.items[1:]
	return e, true
}

// Close marks the queue finished. Queued events remain poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Channel is the per-invocation event pair between one agent and one client:
// Outgoing carries agent events toward the client, Incoming carries client
// replies (approval responses, answers) back to the agent. A channel lives
// exactly as long as one invocation.
type Channel struct {
	Outgoing *Queue
	Incoming *Queue
}

// NewChannel creates a fresh channel pair.
func NewChannel() *Channel {
	return &Channel{Outgoing: NewQueue(), Incoming: NewQueue()}
}

// Emit pushes a server-stamped event (unique id, monotonic ts) onto the
// outgoing queue.
func (c *Channel) Emit(eventType string, fields map[string]any) {
	c.Outgoing.Push(protocol.NewEvent(eventType, fields))
}

// Ask emits an event that expects a client reply and blocks for the next
// incoming message.
func (c *Channel) Ask(ctx context.Context, eventType string, fields map[string]any) (protocol.Event, bool) {
	c.Emit(eventType, fields)
	return c.Incoming.Pop(ctx)
}

// Close closes both queues. Called by the pump on client disconnect and by
// the invoker when the agent finishes.
func (c *Channel) Close() {
	c.Outgoing.Close()
	c.Incoming.Close()
}
