package bus

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

// subscription is a standing interest in one event type (or a wildcard
// subtree). Each subscription owns a pending queue and a single delivery
// goroutine, which preserves FIFO order per subscription.
type subscription struct {
	id      string
	pattern string
	filter  func(api.Event) bool
	handler api.Handler
	batch   *api.BatchPolicy

	queue chan api.Delivery
	quit  chan struct{} // tells the loop to drain and exit
	done  chan struct{} // closed when the loop has exited

	processed    atomic.Int64
	failed       atomic.Int64
	lastDelivery atomic.Int64 // unix nanos
}

// matchType reports whether a subscription pattern matches an event type.
// Patterns are exact dotted names, a trailing-wildcard subtree like
// "workflow.*", or the catch-all "*".
func matchType(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}

// offer enqueues a delivery without blocking. A full queue means the
// subscription has fallen behind past its burst allowance; the caller
// reports that as overflow.
func (s *subscription) offer(d api.Delivery) bool {
	select {
	case s.queue <- d:
		return true
	default:
		return false
	}
}

func (s *subscription) stats() api.SubscriptionStats {
	var last time.Time
	if ns := s.lastDelivery.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return api.SubscriptionStats{
		ID:           s.id,
		Type:         s.pattern,
		Processed:    s.processed.Load(),
		Failed:       s.failed.Load(),
		Pending:      len(s.queue),
		LastDelivery: last,
	}
}

// run is the delivery loop. It exits after s.quit is closed and the
// pending queue has been drained (batched subscriptions flush first).
func (s *subscription) run(b *Bus) {
	defer close(s.done)
	if s.batch == nil {
		s.runSingle(b)
		return
	}
	s.runBatched(b)
}

func (s *subscription) runSingle(b *Bus) {
	for {
		select {
		case d := <-s.queue:
			s.deliver(b, []api.Delivery{d})
		case <-s.quit:
			for {
				select {
				case d := <-s.queue:
					s.deliver(b, []api.Delivery{d})
				default:
					return
				}
			}
		}
	}
}

func (s *subscription) runBatched(b *Bus) {
	interval := s.batch.FlushInterval
	if interval <= 0 {
		interval = b.cfg.BatchFlushInterval
	}
	size := s.batch.Size
	if size <= 0 {
		size = 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pending := make([]api.Delivery, 0, size)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		s.deliver(b, pending)
		pending = make([]api.Delivery, 0, size)
	}

	for {
		select {
		case d := <-s.queue:
			pending = append(pending, d)
			if len(pending) >= size {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.quit:
			// Drain whatever is queued, then flush the final batch.
			for {
				select {
				case d := <-s.queue:
					pending = append(pending, d)
					if len(pending) >= size {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver invokes the handler once for a batch, recovering panics and
// recording the outcome on the subscription's counters. Handler faults
// are surfaced as bus.subscription_error events, never to the publisher.
func (s *subscription) deliver(b *Bus, batch []api.Delivery) {
	ctx := context.Background()
	err := s.invoke(ctx, batch)
	s.lastDelivery.Store(time.Now().UnixNano())
	if err == nil {
		s.processed.Add(int64(len(batch)))
	} else {
		s.failed.Add(int64(len(batch)))
	}
	b.obs.OnEventDelivered(ctx, s.id, len(batch), err)
	if err != nil {
		b.reportSubscriptionError(ctx, s, batch[0].Event.Type, err)
	}
}

func (s *subscription) invoke(ctx context.Context, batch []api.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.Errorf(api.KindHandlerError, "subscriber panic: %v", r)
		}
	}()
	if herr := s.handler(ctx, batch); herr != nil {
		return api.Wrap(api.KindHandlerError, herr, "subscriber %s", s.id)
	}
	return nil
}
