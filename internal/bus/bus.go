// Package bus implements the event bus: typed publish with fail-closed
// schema validation, bounded per-aggregate history, filtered and batched
// subscriber delivery, replay over a time range, and a correlation engine
// that matches sequence patterns against the recent-events window.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/pkg/api"
)

// Bus is the event bus implementation. Construct with New; the zero
// value is not usable.
type Bus struct {
	cfg api.BusConfig
	log *slog.Logger
	obs api.Observer

	nextID atomic.Int64

	// mu guards the subscription and schema registries. Publish takes it
	// read-locked; subscribe/unsubscribe serialize on the write lock.
	mu      sync.RWMutex
	subs    map[string]*subscription
	schemas map[string]api.Schema
	closed  bool

	// hmu guards the history rings. Publish is the single writer;
	// replay, snapshot and the correlation scan read consistent copies.
	hmu        sync.Mutex
	aggregates map[string]*ring
	recent     *ring

	rules *correlator

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

// Option customizes a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger. Nil falls back to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// WithObserver sets the bus observer.
func WithObserver(o api.Observer) Option {
	return func(b *Bus) {
		if o != nil {
			b.obs = o
		}
	}
}

// New creates a Bus and starts its retention sweep.
func New(cfg api.BusConfig, opts ...Option) *Bus {
	def := api.DefaultBusConfig()
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = def.RetentionPeriod
	}
	if cfg.BatchFlushInterval <= 0 {
		cfg.BatchFlushInterval = def.BatchFlushInterval
	}
	if cfg.SingleBuffer <= 0 {
		cfg.SingleBuffer = def.SingleBuffer
	}
	if cfg.BurstFactor <= 0 {
		cfg.BurstFactor = def.BurstFactor
	}
	if cfg.MaxCascadeDepth <= 0 {
		cfg.MaxCascadeDepth = def.MaxCascadeDepth
	}
	if cfg.MaxMatchesPerScan <= 0 {
		cfg.MaxMatchesPerScan = def.MaxMatchesPerScan
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	b := &Bus{
		cfg:        cfg,
		log:        slog.Default(),
		obs:        api.NoopObserver{},
		subs:       make(map[string]*subscription),
		schemas:    make(map[string]api.Schema),
		aggregates: make(map[string]*ring),
		recent:     newRing(minRecentWindow),
		rules:      newCorrelator(),
		stopSweep:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(1)
	go b.sweepLoop()

	return b
}

var _ api.Bus = (*Bus)(nil)

// Publish implements api.Bus.
func (b *Bus) Publish(ctx context.Context, eventType string, payload map[string]any, opts api.PublishOptions) (int64, error) {
	return b.publishDraft(ctx, api.EventDraft{
		Type:          eventType,
		Payload:       payload,
		Source:        opts.Source,
		CorrelationID: opts.CorrelationID,
		AggregateID:   opts.AggregateID,
	}, 0)
}

// publishDraft is the single publish path; correlation emissions re-enter
// here with an incremented depth.
func (b *Bus) publishDraft(ctx context.Context, draft api.EventDraft, depth int) (int64, error) {
	if draft.Type == "" {
		return 0, api.Errorf(api.KindInvalidInput, "event type is required")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0, api.Errorf(api.KindClosed, "bus is closed")
	}
	schema, hasSchema := b.schemas[draft.Type]
	b.mu.RUnlock()

	// Validation is atomic with respect to storage and delivery: a
	// rejected event leaves no trace.
	if hasSchema {
		if err := validate(draft.Type, schema, draft.Payload); err != nil {
			return 0, err
		}
	}

	seq := b.nextID.Add(1)
	ev := api.Event{
		ID:            seq,
		Type:          draft.Type,
		Payload:       draft.Payload,
		Source:        draft.Source,
		CorrelationID: draft.CorrelationID,
		AggregateID:   draft.AggregateID,
		Time:          time.Now(),
		Seq:           seq,
	}

	window := b.appendHistory(ev)

	overflow := b.fanOut(api.Delivery{Event: ev, Depth: depth})

	b.obs.OnEventPublished(ctx, ev)

	if b.cfg.EnableCorrelation {
		b.rules.scan(ctx, b, window, ev, depth)
	}

	return ev.ID, overflow
}

// appendHistory stores ev in its aggregate ring and the recent window,
// returning a consistent copy of the window for the correlation scan.
func (b *Bus) appendHistory(ev api.Event) []api.Event {
	b.hmu.Lock()
	defer b.hmu.Unlock()

	r, ok := b.aggregates[ev.AggregateID]
	if !ok {
		r = newRing(b.cfg.MaxHistory)
		b.aggregates[ev.AggregateID] = r
	}
	r.append(ev)

	if want := b.recentWindowSize(); want > b.recent.capacity() {
		b.recent.resize(want)
	}
	b.recent.append(ev)

	return b.recent.events()
}

func (b *Bus) recentWindowSize() int {
	n := b.rules.maxPatternLen() * recentWindowFactor
	if n < minRecentWindow {
		n = minRecentWindow
	}
	return n
}

// fanOut enqueues the delivery to every matching subscription. A full
// subscription misses the event; the publisher gets a joined
// SubscriberOverflow error naming it, while everyone else still receives
// the event.
func (b *Bus) fanOut(d api.Delivery) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var overflow []error
	for _, s := range b.subs {
		if !matchType(s.pattern, d.Event.Type) {
			continue
		}
		if s.filter != nil && !s.filter(d.Event) {
			continue
		}
		if !s.offer(d) {
			overflow = append(overflow, api.Errorf(api.KindSubscriberOverflow,
				"subscription %s (%s) overflowed", s.id, s.pattern))
		}
	}
	return errors.Join(overflow...)
}

// Subscribe implements api.Bus.
func (b *Bus) Subscribe(eventType string, handler api.Handler, opts api.SubscribeOptions) (string, error) {
	if eventType == "" {
		return "", api.Errorf(api.KindInvalidInput, "subscription type is required")
	}
	if handler == nil {
		return "", api.Errorf(api.KindInvalidInput, "subscription handler is required")
	}
	if opts.Batch != nil && opts.Batch.Size <= 0 {
		return "", api.Errorf(api.KindInvalidInput, "batch size must be positive")
	}

	s := &subscription{
		id:      uuid.NewString(),
		pattern: eventType,
		filter:  opts.Filter,
		handler: handler,
		batch:   opts.Batch,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	capacity := b.cfg.SingleBuffer
	if opts.Batch != nil {
		capacity = opts.Batch.Size * b.cfg.BurstFactor
	} else if opts.Buffer > 0 {
		capacity = opts.Buffer
	}
	s.queue = make(chan api.Delivery, capacity)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", api.Errorf(api.KindClosed, "bus is closed")
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		s.run(b)
	}()

	_, _ = b.Publish(context.Background(), api.TopicBusSubscriptionCreated, map[string]any{
		"subscription_id": s.id,
		"event_type":      eventType,
	}, api.PublishOptions{Source: "bus"})

	return s.id, nil
}

// Unsubscribe implements api.Bus. It blocks until the subscription's
// pending buffer has drained.
func (b *Bus) Unsubscribe(subID string) bool {
	b.mu.Lock()
	s, ok := b.subs[subID]
	if ok {
		delete(b.subs, subID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	close(s.quit)
	<-s.done
	return true
}

// RegisterSchema implements api.Bus.
func (b *Bus) RegisterSchema(eventType string, schema api.Schema) error {
	if eventType == "" {
		return api.Errorf(api.KindInvalidInput, "event type is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return api.Errorf(api.KindClosed, "bus is closed")
	}
	b.schemas[eventType] = schema
	return nil
}

// UnregisterType implements api.Bus. All subscriptions on the exact type
// are drained and closed before the type's schema is dropped, so no
// subscription outlives its type.
func (b *Bus) UnregisterType(eventType string) error {
	if eventType == "" {
		return api.Errorf(api.KindInvalidInput, "event type is required")
	}

	b.mu.Lock()
	delete(b.schemas, eventType)
	var victims []*subscription
	for id, s := range b.subs {
		if s.pattern == eventType {
			victims = append(victims, s)
			delete(b.subs, id)
		}
	}
	b.mu.Unlock()

	for _, s := range victims {
		close(s.quit)
		<-s.done
	}
	return nil
}

// AddCorrelationRule implements api.Bus.
func (b *Bus) AddCorrelationRule(rule api.CorrelationRule) error {
	return b.rules.add(rule)
}

// RemoveCorrelationRule implements api.Bus.
func (b *Bus) RemoveCorrelationRule(name string) bool {
	return b.rules.remove(name)
}

// RuleStats returns per-rule correlation counters.
func (b *Bus) RuleStats() []api.RuleStats {
	return b.rules.stats()
}

// History implements api.Bus.
func (b *Bus) History(aggregateID string) []api.Event {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	r, ok := b.aggregates[aggregateID]
	if !ok {
		return nil
	}
	return r.events()
}

// Stats implements api.Bus.
func (b *Bus) Stats() []api.SubscriptionStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]api.SubscriptionStats, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.stats())
	}
	return out
}

// Snapshot implements api.Bus.
func (b *Bus) Snapshot() api.BusSnapshot {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	snap := api.BusSnapshot{
		NextID:     b.nextID.Load(),
		Aggregates: make(map[string][]api.Event, len(b.aggregates)),
		Recent:     b.recent.events(),
		TakenAt:    time.Now(),
	}
	for agg, r := range b.aggregates {
		snap.Aggregates[agg] = r.events()
	}
	return snap
}

// Restore implements api.Bus. It replaces the retained history with the
// snapshot's; subscriptions and rules are untouched.
func (b *Bus) Restore(snap api.BusSnapshot) error {
	b.hmu.Lock()
	defer b.hmu.Unlock()

	if cur := b.nextID.Load(); snap.NextID > cur {
		b.nextID.Store(snap.NextID)
	}

	b.aggregates = make(map[string]*ring, len(snap.Aggregates))
	for agg, evs := range snap.Aggregates {
		r := newRing(b.cfg.MaxHistory)
		for _, ev := range evs {
			r.append(ev)
		}
		b.aggregates[agg] = r
	}

	b.recent = newRing(b.recentWindowSize())
	for _, ev := range snap.Recent {
		b.recent.append(ev)
	}
	return nil
}

// Close implements api.Bus. It stops intake, drains every subscription's
// pending buffer and stops the sweep.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	close(b.stopSweep)
	for _, s := range subs {
		close(s.quit)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return api.Wrap(api.KindTimeout, ctx.Err(), "bus close")
	}
}

// reportSubscriptionError emits bus.subscription_error for a handler
// fault. Faults while delivering that very event type are only logged,
// which keeps the bus from recursing on its own lifecycle events.
func (b *Bus) reportSubscriptionError(ctx context.Context, s *subscription, eventType string, err error) {
	if eventType == api.TopicBusSubscriptionError {
		b.log.Error("subscriber failed on bus.subscription_error",
			slog.String("subscription", s.id),
			slog.Any("error", err),
		)
		return
	}
	_, _ = b.Publish(ctx, api.TopicBusSubscriptionError, map[string]any{
		"subscription_id": s.id,
		"event_type":      eventType,
		"error":           err.Error(),
	}, api.PublishOptions{Source: "bus"})
}

func (b *Bus) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweep(time.Now().Add(-b.cfg.RetentionPeriod))
		case <-b.stopSweep:
			return
		}
	}
}

// sweep applies time-based eviction to every ring. Size-based eviction
// happens inline on publish; the sweep only enforces RetentionPeriod.
func (b *Bus) sweep(cutoff time.Time) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	for agg, r := range b.aggregates {
		r.pruneBefore(cutoff)
		if r.len() == 0 {
			delete(b.aggregates, agg)
		}
	}
	b.recent.pruneBefore(cutoff)
}
