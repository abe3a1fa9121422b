// Package outbox carries vector-sync events from graph commits to the
// vector store: an in-memory coalescing buffer deduplicates bursts, and a
// durable drainer persists events through Redis with retry.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lattice-backend/internal/vector"
)

// Operation is the vector store action an event carries.
type Operation string

const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// Event is one pending vector-store synchronization. Vectors is set for
// upserts, PrunedIDs for deletes; at least one is non-empty.
type Event struct {
	EventID    string          `json:"event_id"`
	Collection string          `json:"collection"`
	NodeID     string          `json:"node_id"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Operation  Operation       `json:"operation"`
	Vectors    []vector.Record `json:"vectors,omitempty"`
	PrunedIDs  []string        `json:"pruned_ids,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
}

// NewEvent builds an event with a fresh ID.
func NewEvent(collection, nodeID string, op Operation) Event {
	return Event{
		EventID:    uuid.NewString(),
		Collection: collection,
		NodeID:     nodeID,
		Operation:  op,
		EnqueuedAt: time.Now(),
	}
}

type coalesceKey struct {
	collection string
	nodeID     string
}

// Sink receives flushed events.
type Sink func(ctx context.Context, events []Event)

// CoalescingOutbox deduplicates events by (collection, node) within a
// flush window: a hundred rapid enqueues of one node flush as one event,
// and the latest operation wins, so an upsert enqueued after a delete
// overrides it.
type CoalescingOutbox struct {
	mu      sync.Mutex
	pending map[coalesceKey]Event
	window  time.Duration
	sink    Sink
	logger  *zap.Logger
	done    chan struct{}
	stop    sync.Once
}

// NewCoalescingOutbox creates an outbox flushing to sink every window.
func NewCoalescingOutbox(window time.Duration, sink Sink, logger *zap.Logger) *CoalescingOutbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	return &CoalescingOutbox{
		pending: make(map[coalesceKey]Event),
		window:  window,
		sink:    sink,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Enqueue buffers an event, replacing any pending event for the same
// (collection, node).
func (o *CoalescingOutbox) Enqueue(event Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[coalesceKey{event.Collection, event.NodeID}] = event
}

// Pending returns the buffered event count.
func (o *CoalescingOutbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Flush drains the buffer to the sink immediately.
func (o *CoalescingOutbox) Flush(ctx context.Context) int {
	o.mu.Lock()
	if len(o.pending) == 0 {
		o.mu.Unlock()
		return 0
	}
	events := make([]Event, 0, len(o.pending))
	for _, e := range o.pending {
		events = append(events, e)
	}
	o.pending = make(map[coalesceKey]Event)
	o.mu.Unlock()

	o.sink(ctx, events)
	return len(events)
}

// Start flushes on the window interval until ctx is cancelled, then does a
// final flush.
func (o *CoalescingOutbox) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				o.Flush(context.Background())
				close(o.done)
				return
			case <-ticker.C:
				o.Flush(ctx)
			}
		}
	}()
}

// Wait blocks until the flush loop has exited after Start's ctx ended.
func (o *CoalescingOutbox) Wait() { <-o.done }
