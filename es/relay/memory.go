package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue. Redelivered messages are dropped by event id.
type MemoryQueue struct {
	seen     map[uuid.UUID]struct{}
	messages []Message
	mu       sync.Mutex
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{seen: make(map[uuid.UUID]struct{})}
}

// Publish appends msg unless its event id was already published.
func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.seen[msg.EventID]; ok {
		return nil
	}
	q.seen[msg.EventID] = struct{}{}
	q.messages = append(q.messages, msg)
	return nil
}

// Messages returns a copy of the published messages in publish order.
func (q *MemoryQueue) Messages() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.messages))
	copy(out, q.messages)
	return out
}

// Len returns the number of published messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
