package taskqueue

import (
	"context"
)

// MemoryQueue is a Queue backed by a buffered channel.
// It is safe for concurrent use.
type MemoryQueue struct {
	ch chan Message
}

// NewMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		ch: make(chan Message, capacity),
	}
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Enqueue(ctx context.Context, m Message) error {
	select {
	case q.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Message, error) {
	select {
	case m := <-q.ch:
		return &m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Len() int {
	return len(q.ch)
}
