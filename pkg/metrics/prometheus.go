// Package metrics exports fabric activity to Prometheus. The
// PrometheusObserver implements api.Observer for in-process callbacks
// and can additionally attach to a bus to count lifecycle events the
// way an external metrics collaborator would.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/weftworks/weft/pkg/api"
)

// PrometheusObserver registers fabric metrics on a Prometheus registerer
// and updates them from Observer callbacks.
type PrometheusObserver struct {
	api.NoopObserver

	workflowsStarted  prometheus.Counter
	workflowsFinished *prometheus.CounterVec
	stepDuration      prometheus.Histogram
	stepsTotal        *prometheus.CounterVec

	eventsPublished *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec

	meshCalls    *prometheus.CounterVec
	meshDuration prometheus.Histogram

	lifecycleEvents *prometheus.CounterVec
}

// NewPrometheusObserver registers the fabric's metrics on reg. A nil reg
// uses the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusObserver{
		workflowsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "workflows_started_total",
			Help:      "Workflow instances started",
		}),
		workflowsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "workflows_finished_total",
			Help:      "Workflow instances finished, by terminal status",
		}, []string{"status"}),
		stepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "weft",
			Name:      "step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "steps_total",
			Help:      "Workflow steps finished, by outcome",
		}, []string{"outcome"}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "events_published_total",
			Help:      "Events accepted by the bus, by type",
		}, []string{"type"}),
		deliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "deliveries_total",
			Help:      "Subscriber deliveries, by outcome",
		}, []string{"outcome"}),
		meshCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "mesh_calls_total",
			Help:      "Mesh sends, by service and outcome",
		}, []string{"service", "outcome"}),
		meshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "weft",
			Name:      "mesh_call_duration_seconds",
			Help:      "Mesh send duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		lifecycleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events observed on the bus, by type",
		}, []string{"type"}),
	}
}

var _ api.Observer = (*PrometheusObserver)(nil)

func (p *PrometheusObserver) OnWorkflowStart(ctx context.Context, snap api.InstanceSnapshot) {
	p.workflowsStarted.Inc()
}

func (p *PrometheusObserver) OnWorkflowFinished(ctx context.Context, snap api.InstanceSnapshot, err error) {
	p.workflowsFinished.WithLabelValues(string(snap.Status)).Inc()
}

func (p *PrometheusObserver) OnStepFinished(ctx context.Context, workflowID, stepID string, err error, d time.Duration) {
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	p.stepsTotal.WithLabelValues(outcome).Inc()
	if err == nil {
		p.stepDuration.Observe(d.Seconds())
	}
}

func (p *PrometheusObserver) OnEventPublished(ctx context.Context, ev api.Event) {
	p.eventsPublished.WithLabelValues(ev.Type).Inc()
}

func (p *PrometheusObserver) OnEventDelivered(ctx context.Context, subID string, n int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.deliveriesTotal.WithLabelValues(outcome).Inc()
}

func (p *PrometheusObserver) OnMeshCall(ctx context.Context, service string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = string(api.KindOf(err))
	}
	p.meshCalls.WithLabelValues(service, outcome).Inc()
	p.meshDuration.Observe(d.Seconds())
}

// Attach subscribes to all lifecycle events on the bus, counting them by
// type. This mirrors how an external metrics collaborator consumes the
// fabric: read-only, never mutating state. Returns the subscription id.
func (p *PrometheusObserver) Attach(b api.Bus) (string, error) {
	return b.Subscribe("*", func(ctx context.Context, deliveries []api.Delivery) error {
		for _, d := range deliveries {
			p.lifecycleEvents.WithLabelValues(d.Event.Type).Inc()
		}
		return nil
	}, api.SubscribeOptions{})
}
