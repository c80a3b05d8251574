// Package queue provides the trade-message transports: an in-memory queue
// for tests and local mode, and a Redis Streams queue for production.
// Neither transport guarantees FIFO delivery; phase ordering is enforced by
// the run state machine, not here.
package queue

import (
	"context"
	"sync"
	"time"

	"rebalancer/internal/core"
)

// MemoryQueue is a channel-backed TradeQueue with trade-id deduplication
type MemoryQueue struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	buf    chan core.QueueMessage
	closed bool
}

var _ core.TradeQueue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue holding at most capacity in-flight messages
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		seen: make(map[string]struct{}),
		buf:  make(chan core.QueueMessage, capacity),
	}
}

func (q *MemoryQueue) Send(ctx context.Context, msg core.TradeMessage, _, dedupID string) error {
	q.mu.Lock()
	if _, dup := q.seen[dedupID]; dup {
		q.mu.Unlock()
		return nil
	}
	q.seen[dedupID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.buf <- core.QueueMessage{Body: msg, ReceiptID: dedupID, Attempt: 1}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]core.QueueMessage, error) {
	if max <= 0 {
		max = 1
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var out []core.QueueMessage
	for len(out) < max {
		select {
		case m := <-q.buf:
			out = append(out, m)
		case <-timer.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
		// Drain whatever else is immediately available
		for len(out) < max {
			select {
			case m := <-q.buf:
				out = append(out, m)
			default:
				return out, nil
			}
		}
	}
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, _ core.QueueMessage) error { return nil }

// Nack requeues the message with the attempt count bumped
func (q *MemoryQueue) Nack(ctx context.Context, msg core.QueueMessage) error {
	msg.Attempt++
	select {
	case q.buf <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports how many messages are currently buffered
func (q *MemoryQueue) Len() int { return len(q.buf) }
