package bus

import (
	"context"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

// Replay implements api.Bus. Matching events are re-delivered to the
// current subscribers of each event's type, wrapped in envelopes marked
// Replayed. Replay never feeds the correlation engine and leaves the
// history untouched, so replaying the same range twice delivers the same
// events in the same order.
func (b *Bus) Replay(ctx context.Context, aggregateID string, from, to time.Time) (int, error) {
	if !b.cfg.EnableReplay {
		return 0, api.Errorf(api.KindReplayDisabled, "replay is disabled")
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return 0, api.Errorf(api.KindClosed, "bus is closed")
	}

	cutoff := time.Now().Add(-b.cfg.RetentionPeriod)
	if to.Before(cutoff) {
		return 0, api.Errorf(api.KindHistoryExhausted,
			"range [%s, %s] falls before the retention cutoff %s",
			from.Format(time.RFC3339), to.Format(time.RFC3339), cutoff.Format(time.RFC3339))
	}

	events := b.History(aggregateID)

	count := 0
	for _, ev := range events {
		if ev.Time.Before(from) || ev.Time.After(to) {
			continue
		}
		select {
		case <-ctx.Done():
			return count, api.Wrap(api.KindTimeout, ctx.Err(), "replay interrupted")
		default:
		}
		b.redeliver(api.Delivery{Event: ev, Replayed: true})
		count++
	}

	_, _ = b.Publish(ctx, api.TopicBusEventsReplayed, map[string]any{
		"aggregate_id": aggregateID,
		"count":        count,
	}, api.PublishOptions{Source: "bus"})

	return count, nil
}

// redeliver fans a replayed envelope out to matching subscriptions. A
// subscription that is already saturated simply misses the replayed
// event; replay reports how many events matched, not per-subscriber
// delivery.
func (b *Bus) redeliver(d api.Delivery) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !matchType(s.pattern, d.Event.Type) {
			continue
		}
		if s.filter != nil && !s.filter(d.Event) {
			continue
		}
		_ = s.offer(d)
	}
}
