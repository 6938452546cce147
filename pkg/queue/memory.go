package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBus is a process-local bus for tests and single-node
// deployments. Receive does not long-poll past the first available
// message; redelivery happens when an event is never acked and the
// visibility window elapses.
type MemoryBus struct {
	mu       sync.Mutex
	pending  []memoryMessage
	inflight map[string]memoryMessage
	closed   bool
	notify   chan struct{}

	// VisibilityTimeout controls redelivery of unacked messages
	VisibilityTimeout time.Duration
}

type memoryMessage struct {
	event      Event
	receipt    string
	takenAt    time.Time
	deliveries int
}

// NewMemoryBus creates an in-memory bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		inflight:          make(map[string]memoryMessage),
		notify:            make(chan struct{}, 1),
		VisibilityTimeout: 30 * time.Second,
	}
}

// Publish appends one event
func (b *MemoryBus) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	b.pending = append(b.pending, memoryMessage{event: event})
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns up to maxMessages events, waiting up to waitSeconds
// for the first
func (b *MemoryBus) Receive(ctx context.Context, maxMessages int32, waitSeconds int32) ([]Event, []string, error) {
	deadline := time.Now().Add(time.Duration(waitSeconds) * time.Second)
	for {
		events, receipts := b.take(int(maxMessages))
		if len(events) > 0 || waitSeconds <= 0 || time.Now().After(deadline) {
			return events, receipts, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-b.notify:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (b *MemoryBus) take(max int) ([]Event, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Requeue inflight messages whose visibility window lapsed
	now := time.Now()
	for receipt, msg := range b.inflight {
		if now.Sub(msg.takenAt) > b.VisibilityTimeout {
			delete(b.inflight, receipt)
			b.pending = append(b.pending, msg)
		}
	}

	var events []Event
	var receipts []string
	for len(b.pending) > 0 && len(events) < max {
		msg := b.pending[0]
		b.pending = b.pending[1:]
		msg.receipt = uuid.NewString()
		msg.takenAt = now
		msg.deliveries++
		b.inflight[msg.receipt] = msg
		events = append(events, msg.event)
		receipts = append(receipts, msg.receipt)
	}
	return events, receipts
}

// Ack drops one inflight message; unknown receipts are ignored
func (b *MemoryBus) Ack(_ context.Context, receipt string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, receipt)
	return nil
}

// HealthCheck reports whether the bus accepts events
func (b *MemoryBus) HealthCheck(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close makes the bus report unhealthy; used to exercise the pipeline's
// synchronous fallback
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Depth returns the number of pending events
func (b *MemoryBus) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
