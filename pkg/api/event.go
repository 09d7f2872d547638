package api

import (
	"context"
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(Event{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Event is an immutable record on the bus. Events are identified by a
// process-monotonic ID and partitioned into per-aggregate histories by
// AggregateID.
type Event struct {
	// ID is unique and strictly increasing within a process.
	ID int64

	// Type is a hierarchical dotted name, e.g. "market.trade".
	Type string

	// Payload is the opaque event body.
	Payload map[string]any

	// Source identifies the publisher, if it chose to say.
	Source string

	// CorrelationID links events belonging to the same logical flow.
	CorrelationID string

	// AggregateID partitions the history. Empty means the default aggregate.
	AggregateID string

	// Time is the wall-clock publish time.
	Time time.Time

	// Seq is the logical timestamp: a monotonically increasing counter
	// shared by all events in the process.
	Seq int64
}

// Delivery is the transient envelope a handler receives. It wraps the
// event with delivery-time flags; the event itself is never mutated.
type Delivery struct {
	Event Event

	// Replayed is true when this delivery was produced by Bus.Replay
	// rather than a live publish.
	Replayed bool

	// Depth counts how many correlation-emitted events are between this
	// event and the original external publish. Used to cap cascades.
	Depth int
}

// EventDraft is what publishers (and correlation actions) hand to the bus.
// The bus assigns ID, Seq and Time on acceptance.
type EventDraft struct {
	Type          string
	Payload       map[string]any
	Source        string
	CorrelationID string
	AggregateID   string
}

// FieldType is the semantic type a schema requires of a payload field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldArray  FieldType = "array"
	FieldMap    FieldType = "map"
)

// Schema declares the required payload fields for an event type.
// Every listed field must be present and of the declared type;
// validation fails closed on publish.
type Schema struct {
	Fields map[string]FieldType
}

// Handler consumes deliveries for a subscription. In batch mode the slice
// holds up to BatchPolicy.Size deliveries in publish order; in single mode
// it always has length one.
type Handler func(ctx context.Context, deliveries []Delivery) error

// BatchPolicy makes a subscription accumulate deliveries and flush either
// when Size events are pending or when FlushInterval elapses, whichever
// comes first.
type BatchPolicy struct {
	Size          int
	FlushInterval time.Duration // zero means the bus default
}

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// Filter, if non-nil, drops events for which it returns false.
	Filter func(Event) bool

	// Batch enables batched delivery. Nil means single-event delivery.
	Batch *BatchPolicy

	// Buffer overrides the pending-queue capacity for single-event
	// subscriptions. Zero means the bus default.
	Buffer int
}

// SubscriptionStats is a point-in-time snapshot of a subscription's counters.
type SubscriptionStats struct {
	ID           string
	Type         string
	Processed    int64
	Failed       int64
	Pending      int
	LastDelivery time.Time
}

// PublishOptions carries the optional metadata for a publish call.
type PublishOptions struct {
	Source        string
	CorrelationID string
	AggregateID   string
}

// BusSnapshot is an opaque, gob-serializable copy of the bus's retained
// state: sequence counters plus per-aggregate histories. It is the unit
// the snapshot stores persist.
type BusSnapshot struct {
	NextID     int64
	Aggregates map[string][]Event
	Recent     []Event
	TakenAt    time.Time
}

// Bus is the event bus surface. Implementations live in internal/bus;
// construct one through the root package.
type Bus interface {
	// Publish validates, stores and fans out one event, returning its ID.
	// Subscriber faults never fail a publish; overflow of an individual
	// subscription is reported with KindSubscriberOverflow alongside a
	// valid event ID.
	Publish(ctx context.Context, eventType string, payload map[string]any, opts PublishOptions) (int64, error)

	// Subscribe registers a handler for an event type. Type may end in
	// ".*" (or be "*") to match a subtree of the dotted namespace.
	Subscribe(eventType string, handler Handler, opts SubscribeOptions) (string, error)

	// Unsubscribe removes a subscription after draining its pending buffer.
	Unsubscribe(subID string) bool

	// Replay re-delivers the events of one aggregate within [from, to]
	// to current subscribers, marked Replayed. Returns the number of
	// events re-delivered.
	Replay(ctx context.Context, aggregateID string, from, to time.Time) (int, error)

	// RegisterSchema installs fail-closed validation for an event type.
	RegisterSchema(eventType string, schema Schema) error

	// UnregisterType removes the schema and closes every subscription on
	// the type, draining in-flight batches first.
	UnregisterType(eventType string) error

	// AddCorrelationRule installs a named sequence-pattern rule.
	AddCorrelationRule(rule CorrelationRule) error

	// RemoveCorrelationRule removes a rule by name.
	RemoveCorrelationRule(name string) bool

	// History returns a copy of one aggregate's retained events.
	History(aggregateID string) []Event

	// Stats returns snapshots for all live subscriptions.
	Stats() []SubscriptionStats

	// Snapshot captures the retained state; Restore rebuilds it.
	Snapshot() BusSnapshot
	Restore(snap BusSnapshot) error

	// Close stops timers and delivery loops, draining pending batches.
	Close(ctx context.Context) error
}
