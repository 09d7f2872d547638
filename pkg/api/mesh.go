package api

import (
	"context"
	"time"
)

// Transform normalizes a payload on its way in or out of a service.
// A transform error counts as a failure against the service's breaker.
type Transform func(payload map[string]any) (map[string]any, error)

// ServiceDescriptor declares a remote service to the mesh.
type ServiceDescriptor struct {
	Name string

	// BaseURL is the service's base endpoint. Endpoint names resolve
	// against it via the Endpoints map.
	BaseURL string

	// Protocol selects the adapter: "http", "stream" or "queue" out of
	// the box, or any tag registered via Mesh.RegisterAdapter.
	Protocol string

	// Headers are sent with every request where the protocol supports them.
	Headers map[string]string

	// Endpoints maps logical endpoint names to paths, e.g.
	// "trade" -> "/v1/trades". An unknown endpoint name is used verbatim.
	Endpoints map[string]string

	// Outbound and Inbound normalize payloads before send and after
	// receive. Either may be nil.
	Outbound Transform
	Inbound  Transform

	// HealthURL is probed on HealthInterval; zero interval falls back to
	// the mesh-wide default. Empty HealthURL disables probing.
	HealthURL      string
	HealthInterval time.Duration
}

// Adapter carries a message to a concrete endpoint over one protocol.
// Implementations must honor ctx for cancellation and deadline.
type Adapter interface {
	Send(ctx context.Context, endpoint string, msg map[string]any) (map[string]any, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, endpoint string, msg map[string]any) (map[string]any, error)

func (f AdapterFunc) Send(ctx context.Context, endpoint string, msg map[string]any) (map[string]any, error) {
	return f(ctx, endpoint, msg)
}

// SendOptions tunes a single Mesh.Send call.
type SendOptions struct {
	// Endpoint is the logical endpoint name; empty means the base URL.
	Endpoint string

	// Timeout bounds the call; zero means the mesh default.
	Timeout time.Duration
}

// Outcome is one target's result within a Broadcast.
type Outcome struct {
	Service string
	Result  map[string]any
	Err     error
}

// BreakerState is the circuit breaker's admission state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// HealthState is the last observed health of a service.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// Mesh is the inter-service messaging surface. Implementations live in
// internal/mesh; construct one through the root package.
type Mesh interface {
	// Register validates the descriptor, installs a closed breaker and
	// starts the health probe. Fails on a duplicate name.
	Register(desc ServiceDescriptor) error

	// Deregister stops the probe, waits out in-flight calls and removes
	// the breaker. Returns whether the service was registered.
	Deregister(name string) bool

	// Send routes one message to a named service through its adapter,
	// under the protection of its circuit breaker.
	Send(ctx context.Context, service string, msg map[string]any, opts SendOptions) (map[string]any, error)

	// Broadcast sends msg to each target (default: all registered
	// services). Outcomes are independent; one failure aborts nothing.
	Broadcast(ctx context.Context, msg map[string]any, targets ...string) []Outcome

	// Discover probes the configured candidate list and returns the
	// names matching pattern whose probe currently succeeds.
	Discover(ctx context.Context, pattern string) ([]string, error)

	// Health returns the last probed health of a service.
	Health(name string) HealthState

	// Breaker returns the current breaker state of a service.
	Breaker(name string) BreakerState

	// RegisterAdapter installs an adapter under a protocol tag, making
	// it available to service descriptors.
	RegisterAdapter(protocol string, a Adapter)

	// Services returns the names of all registered services.
	Services() []string

	// Close stops all probes and waits for in-flight calls.
	Close(ctx context.Context) error
}
