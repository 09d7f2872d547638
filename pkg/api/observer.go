package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the fabric's three components for
// logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay the hot paths.
type Observer interface {
	// OnWorkflowStart is called once when an instance begins executing,
	// before the first wave.
	OnWorkflowStart(ctx context.Context, snap InstanceSnapshot)

	// OnWorkflowFinished is called when an instance reaches a terminal
	// status. err is nil for StatusCompleted.
	OnWorkflowFinished(ctx context.Context, snap InstanceSnapshot, err error)

	// OnStepStart is called before a step action runs.
	OnStepStart(ctx context.Context, workflowID, stepID string)

	// OnStepFinished is called after a step action returns, for both
	// successes and failures.
	OnStepFinished(ctx context.Context, workflowID, stepID string, err error, duration time.Duration)

	// OnEventPublished is called after an event has been accepted by the bus.
	OnEventPublished(ctx context.Context, ev Event)

	// OnEventDelivered is called after one delivery attempt to one
	// subscription, with the batch size and handler error.
	OnEventDelivered(ctx context.Context, subID string, count int, err error)

	// OnMeshCall is called after a Send completes, including fast
	// failures like CircuitOpen.
	OnMeshCall(ctx context.Context, service string, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, snap InstanceSnapshot)               {}
func (NoopObserver) OnWorkflowFinished(ctx context.Context, snap InstanceSnapshot, err error) {}
func (NoopObserver) OnStepStart(ctx context.Context, workflowID, stepID string)               {}
func (NoopObserver) OnStepFinished(ctx context.Context, workflowID, stepID string, err error, d time.Duration) {
}
func (NoopObserver) OnEventPublished(ctx context.Context, ev Event)                    {}
func (NoopObserver) OnEventDelivered(ctx context.Context, subID string, n int, err error) {}
func (NoopObserver) OnMeshCall(ctx context.Context, service string, err error, d time.Duration) {
}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards callbacks to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, snap InstanceSnapshot) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, snap)
	}
}

func (c *CompositeObserver) OnWorkflowFinished(ctx context.Context, snap InstanceSnapshot, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFinished(ctx, snap, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, workflowID, stepID string) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, workflowID, stepID)
	}
}

func (c *CompositeObserver) OnStepFinished(ctx context.Context, workflowID, stepID string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepFinished(ctx, workflowID, stepID, err, d)
	}
}

func (c *CompositeObserver) OnEventPublished(ctx context.Context, ev Event) {
	for _, o := range c.observers {
		o.OnEventPublished(ctx, ev)
	}
}

func (c *CompositeObserver) OnEventDelivered(ctx context.Context, subID string, n int, err error) {
	for _, o := range c.observers {
		o.OnEventDelivered(ctx, subID, n, err)
	}
}

func (c *CompositeObserver) OnMeshCall(ctx context.Context, service string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnMeshCall(ctx, service, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs fabric lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, snap InstanceSnapshot) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("template", snap.Template),
		slog.String("instance_id", snap.ID),
	)
}

func (o *LoggingObserver) OnWorkflowFinished(ctx context.Context, snap InstanceSnapshot, err error) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "workflow_finished",
		slog.String("template", snap.Template),
		slog.String("instance_id", snap.ID),
		slog.String("status", string(snap.Status)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, workflowID, stepID string) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("instance_id", workflowID),
		slog.String("step", stepID),
	)
}

func (o *LoggingObserver) OnStepFinished(ctx context.Context, workflowID, stepID string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_finished",
		slog.String("instance_id", workflowID),
		slog.String("step", stepID),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnEventPublished(ctx context.Context, ev Event) {
	o.Logger.DebugContext(ctx, "event_published",
		slog.String("type", ev.Type),
		slog.Int64("event_id", ev.ID),
		slog.String("aggregate", ev.AggregateID),
	)
}

func (o *LoggingObserver) OnEventDelivered(ctx context.Context, subID string, n int, err error) {
	if err == nil {
		return
	}
	o.Logger.ErrorContext(ctx, "delivery_failed",
		slog.String("subscription", subID),
		slog.Int("batch", n),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnMeshCall(ctx context.Context, service string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "mesh_call",
		slog.String("service", service),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	stepsCompleted     atomic.Int64
	totalStepDuration  atomic.Int64 // nanoseconds

	eventsPublished  atomic.Int64
	deliveries       atomic.Int64
	deliveryFailures atomic.Int64

	meshCalls    atomic.Int64
	meshFailures atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64

	StepsCompleted  int64
	AvgStepDuration time.Duration

	EventsPublished  int64
	Deliveries       int64
	DeliveryFailures int64

	MeshCalls    int64
	MeshFailures int64
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, snap InstanceSnapshot) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFinished(ctx context.Context, snap InstanceSnapshot, err error) {
	if err == nil {
		m.workflowsCompleted.Add(1)
	} else {
		m.workflowsFailed.Add(1)
	}
}

func (m *BasicMetrics) OnStepFinished(ctx context.Context, workflowID, stepID string, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnEventPublished(ctx context.Context, ev Event) {
	m.eventsPublished.Add(1)
}

func (m *BasicMetrics) OnEventDelivered(ctx context.Context, subID string, n int, err error) {
	m.deliveries.Add(1)
	if err != nil {
		m.deliveryFailures.Add(1)
	}
}

func (m *BasicMetrics) OnMeshCall(ctx context.Context, service string, err error, d time.Duration) {
	m.meshCalls.Add(1)
	if err != nil {
		m.meshFailures.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   m.workflowsStarted.Load(),
		WorkflowsCompleted: m.workflowsCompleted.Load(),
		WorkflowsFailed:    m.workflowsFailed.Load(),
		StepsCompleted:     steps,
		AvgStepDuration:    avg,
		EventsPublished:    m.eventsPublished.Load(),
		Deliveries:         m.deliveries.Load(),
		DeliveryFailures:   m.deliveryFailures.Load(),
		MeshCalls:          m.meshCalls.Load(),
		MeshFailures:       m.meshFailures.Load(),
	}
}
