// Package taskqueue provides the queue backends behind the mesh's
// queue-post protocol adapter. A message enqueued by the adapter is
// consumed on the receiving side by a worker.QueueConsumer.
package taskqueue

import (
	"context"
	"time"
)

// Message is one queue-posted payload addressed to a service.
type Message struct {
	ID string

	// Service is the dispatch key on the consuming side.
	Service string

	Payload map[string]any

	EnqueuedAt time.Time
}

// Queue is the pluggable backend interface.
type Queue interface {
	// Enqueue adds a message to the queue. It should respect ctx for
	// cancellation.
	Enqueue(ctx context.Context, m Message) error

	// Dequeue removes and returns the next message, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Message, error)

	// Len returns the approximate number of messages queued.
	Len() int
}
