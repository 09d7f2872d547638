// Package worker provides the consuming side of the mesh's queue-post
// protocol: a QueueConsumer drains posted messages from a queue backend
// and dispatches them to per-service handlers.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/weftworks/weft/internal/taskqueue"
	"github.com/weftworks/weft/pkg/api"
)

// MessageHandler processes one queue-posted message for a service.
type MessageHandler func(ctx context.Context, payload map[string]any) error

// QueueConsumer pulls messages from a Queue and dispatches them to
// registered handlers by service name.
type QueueConsumer struct {
	queue taskqueue.Queue
	log   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]MessageHandler

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a QueueConsumer over the given queue backend. A nil logger
// falls back to slog.Default().
func New(q taskqueue.Queue, logger *slog.Logger) *QueueConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueConsumer{
		queue:    q,
		log:      logger,
		handlers: make(map[string]MessageHandler),
	}
}

// Handle registers the handler for one service name. Registering twice
// replaces the earlier handler.
func (c *QueueConsumer) Handle(service string, h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[service] = h
}

// ProcessOne pulls a single message from the queue and dispatches it.
// Returns (processed, error):
//   - processed == false: no message was obtained (ctx cancelled).
//   - processed == true: a message was dispatched; err reports whether
//     the handler succeeded.
func (c *QueueConsumer) ProcessOne(ctx context.Context) (bool, error) {
	m, err := c.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}

	c.mu.RLock()
	h, ok := c.handlers[m.Service]
	c.mu.RUnlock()
	if !ok {
		return true, api.Errorf(api.KindUnknownService, "no handler for service %s", m.Service)
	}

	if herr := c.invoke(ctx, h, m); herr != nil {
		return true, api.Wrap(api.KindHandlerError, herr, "handler for %s", m.Service)
	}
	return true, nil
}

func (c *QueueConsumer) invoke(ctx context.Context, h MessageHandler, m *taskqueue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.Errorf(api.KindHandlerError, "handler panic: %v", r)
		}
	}()
	return h(ctx, m.Payload)
}

// Start runs concurrency consumer goroutines that call ProcessOne until
// Stop is called or ctx is cancelled. Calling Start twice without Stop
// is an error.
func (c *QueueConsumer) Start(ctx context.Context, concurrency int) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return api.Errorf(api.KindInvalidInput, "consumer already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer c.wg.Done()
			for {
				processed, err := c.ProcessOne(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					// A bad message must not kill the consumer loop.
					c.log.Error("queue consumer error", slog.Any("error", err))
					continue
				}
				if !processed {
					return
				}
			}
		}()
	}
	return nil
}

// Stop cancels the consumer goroutines started by Start and waits for
// them to exit.
func (c *QueueConsumer) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}
