// Package mesh implements the service mesh: a registry of named remote
// services, each with a protocol adapter, a circuit breaker and a health
// probe. Failing services are isolated by their breaker; outcomes of
// broadcasts are independent per target.
package mesh

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weftworks/weft/internal/taskqueue"
	"github.com/weftworks/weft/pkg/api"
)

// Mesh is the service mesh implementation. Construct with New; the zero
// value is not usable.
type Mesh struct {
	cfg api.MeshConfig
	log *slog.Logger
	obs api.Observer
	bus api.Bus // optional lifecycle-event sink

	mu       sync.RWMutex
	services map[string]*service
	adapters map[string]api.Adapter
	closed   bool
}

type service struct {
	desc    api.ServiceDescriptor
	adapter api.Adapter
	brk     *breaker

	health atomic.Value // api.HealthState

	stopProbe chan struct{}
	probeDone chan struct{}

	// calls tracks in-flight sends so Deregister can drain them.
	calls sync.WaitGroup
}

// Option customizes a Mesh.
type Option func(*Mesh)

// WithLogger sets the mesh logger. Nil falls back to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Mesh) {
		if l != nil {
			m.log = l
		}
	}
}

// WithObserver sets the mesh observer.
func WithObserver(o api.Observer) Option {
	return func(m *Mesh) {
		if o != nil {
			m.obs = o
		}
	}
}

// WithBus attaches the event bus the mesh publishes its lifecycle events
// to (mesh.message_sent, mesh.circuit_opened, ...).
func WithBus(b api.Bus) Option {
	return func(m *Mesh) { m.bus = b }
}

// WithQueue registers the queue-post adapter over the given backend.
func WithQueue(q taskqueue.Queue) Option {
	return func(m *Mesh) {
		m.adapters[ProtocolQueue] = NewQueueAdapter(q)
	}
}

// New creates a Mesh with the built-in http and stream adapters
// installed. The queue adapter needs a backend; wire one with WithQueue.
func New(cfg api.MeshConfig, opts ...Option) *Mesh {
	def := api.DefaultMeshConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.HealthProbeInterval <= 0 {
		cfg.HealthProbeInterval = def.HealthProbeInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	m := &Mesh{
		cfg:      cfg,
		log:      slog.Default(),
		obs:      api.NoopObserver{},
		services: make(map[string]*service),
		adapters: make(map[string]api.Adapter),
	}
	m.adapters[ProtocolHTTP] = NewHTTPAdapter(nil)
	m.adapters[ProtocolStream] = NewStreamAdapter(nil)

	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ api.Mesh = (*Mesh)(nil)

// RegisterAdapter implements api.Mesh.
func (m *Mesh) RegisterAdapter(protocol string, a api.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[protocol] = a
}

// Register implements api.Mesh.
func (m *Mesh) Register(desc api.ServiceDescriptor) error {
	if desc.Name == "" {
		return api.Errorf(api.KindInvalidInput, "service name is required")
	}
	if desc.Protocol == "" {
		desc.Protocol = ProtocolHTTP
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return api.Errorf(api.KindClosed, "mesh is closed")
	}
	if _, ok := m.services[desc.Name]; ok {
		return api.Errorf(api.KindInvalidInput, "service %s is already registered", desc.Name)
	}
	adapter, ok := m.adapters[desc.Protocol]
	if !ok {
		return api.Errorf(api.KindInvalidInput, "service %s uses unknown protocol %q", desc.Name, desc.Protocol)
	}

	name := desc.Name
	svc := &service{
		desc:      desc,
		adapter:   adapter,
		stopProbe: make(chan struct{}),
		probeDone: make(chan struct{}),
	}
	svc.brk = newBreaker(m.cfg.Breaker, func(from, to api.BreakerState) {
		m.onBreakerTransition(name, from, to)
	})
	svc.health.Store(api.HealthUnknown)
	m.services[name] = svc

	if desc.HealthURL != "" {
		go m.probeLoop(svc)
	} else {
		close(svc.probeDone)
	}
	return nil
}

// Deregister implements api.Mesh.
func (m *Mesh) Deregister(name string) bool {
	m.mu.Lock()
	svc, ok := m.services[name]
	if ok {
		delete(m.services, name)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	close(svc.stopProbe)
	<-svc.probeDone
	svc.calls.Wait()
	return true
}

// Send implements api.Mesh.
func (m *Mesh) Send(ctx context.Context, name string, msg map[string]any, opts api.SendOptions) (map[string]any, error) {
	m.mu.RLock()
	svc, ok := m.services[name]
	m.mu.RUnlock()
	if !ok {
		return nil, api.Errorf(api.KindUnknownService, "service %s is not registered", name)
	}

	svc.calls.Add(1)
	defer svc.calls.Done()

	start := time.Now()
	result, err := m.callWithRetry(ctx, svc, msg, opts)
	elapsed := time.Since(start)

	m.obs.OnMeshCall(ctx, name, err, elapsed)
	if err != nil {
		m.emit(api.TopicMeshMessageFailed, map[string]any{
			"service":     name,
			"error":       err.Error(),
			"kind":        string(api.KindOf(err)),
			"duration_ms": elapsed.Milliseconds(),
		})
		return nil, err
	}
	m.emit(api.TopicMeshMessageSent, map[string]any{
		"service":     name,
		"duration_ms": elapsed.Milliseconds(),
	})
	return result, nil
}

// callWithRetry runs call up to 1+MaxRetries times. Each attempt is
// admitted and recorded by the breaker on its own; an open circuit or a
// done caller context ends the retrying early.
func (m *Mesh) callWithRetry(ctx context.Context, svc *service, msg map[string]any, opts api.SendOptions) (map[string]any, error) {
	for attempt := 0; ; attempt++ {
		result, err := m.call(ctx, svc, msg, opts)
		if err == nil {
			return result, nil
		}
		if attempt >= m.cfg.MaxRetries || api.IsKind(err, api.KindCircuitOpen) || ctx.Err() != nil {
			return nil, err
		}
	}
}

// call runs one send under the breaker's protection. Transform failures
// count against the breaker exactly like transport failures.
func (m *Mesh) call(ctx context.Context, svc *service, msg map[string]any, opts api.SendOptions) (map[string]any, error) {
	probe, err := svc.brk.allow()
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := resolveEndpoint(svc.desc, opts.Endpoint)

	out := msg
	if svc.desc.Outbound != nil {
		out, err = applyTransform(svc.desc.Outbound, msg)
		if err != nil {
			svc.brk.record(false, probe)
			return nil, err
		}
	}

	result, err := svc.adapter.Send(ctx, endpoint, out)
	if err != nil {
		svc.brk.record(false, probe)
		return nil, err
	}

	if svc.desc.Inbound != nil {
		result, err = applyTransform(svc.desc.Inbound, result)
		if err != nil {
			svc.brk.record(false, probe)
			return nil, err
		}
	}

	svc.brk.record(true, probe)
	return result, nil
}

func applyTransform(t api.Transform, payload map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = api.Errorf(api.KindTransformError, "transform panic: %v", r)
		}
	}()
	out, terr := t(payload)
	if terr != nil {
		return nil, api.Wrap(api.KindTransformError, terr, "transform failed")
	}
	return out, nil
}

// resolveEndpoint maps a logical endpoint name to a concrete endpoint
// string. Unknown names are used verbatim as paths; a fully empty result
// falls back to the service name, which is how queue-post descriptors
// address their consumer.
func resolveEndpoint(desc api.ServiceDescriptor, endpoint string) string {
	p := endpoint
	if mapped, ok := desc.Endpoints[endpoint]; ok {
		p = mapped
	}
	full := desc.BaseURL + p
	if full == "" {
		return desc.Name
	}
	return full
}

// Broadcast implements api.Mesh. Every target is attempted; one target's
// failure never aborts the others.
func (m *Mesh) Broadcast(ctx context.Context, msg map[string]any, targets ...string) []api.Outcome {
	if len(targets) == 0 {
		targets = m.Services()
	}

	outcomes := make([]api.Outcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range targets {
		i, name := i, name
		g.Go(func() error {
			result, err := m.Send(gctx, name, msg, api.SendOptions{})
			outcomes[i] = api.Outcome{Service: name, Result: result, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Discover implements api.Mesh. Candidates come from MeshConfig; the
// pattern is a path.Match glob over candidate names.
func (m *Mesh) Discover(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}

	type candidate struct {
		name string
		url  string
	}
	var picked []candidate
	for name, url := range m.cfg.Candidates {
		ok, err := path.Match(pattern, name)
		if err != nil {
			return nil, api.Wrap(api.KindInvalidInput, err, "bad discovery pattern %q", pattern)
		}
		if ok {
			picked = append(picked, candidate{name: name, url: url})
		}
	}

	healthy := make([]string, 0, len(picked))
	var hmu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range picked {
		c := c
		g.Go(func() error {
			if probeURL(gctx, c.url, m.cfg.DefaultTimeout) {
				hmu.Lock()
				healthy = append(healthy, c.name)
				hmu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(healthy)
	return healthy, nil
}

// Health implements api.Mesh.
func (m *Mesh) Health(name string) api.HealthState {
	m.mu.RLock()
	svc, ok := m.services[name]
	m.mu.RUnlock()
	if !ok {
		return api.HealthUnknown
	}
	return svc.health.Load().(api.HealthState)
}

// Breaker implements api.Mesh.
func (m *Mesh) Breaker(name string) api.BreakerState {
	m.mu.RLock()
	svc, ok := m.services[name]
	m.mu.RUnlock()
	if !ok {
		return ""
	}
	return svc.brk.current()
}

// Services implements api.Mesh.
func (m *Mesh) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close implements api.Mesh.
func (m *Mesh) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	svcs := make([]*service, 0, len(m.services))
	for _, svc := range m.services {
		svcs = append(svcs, svc)
	}
	m.services = make(map[string]*service)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, svc := range svcs {
			close(svc.stopProbe)
			<-svc.probeDone
			svc.calls.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return api.Wrap(api.KindTimeout, ctx.Err(), "mesh close")
	}
}

func (m *Mesh) onBreakerTransition(name string, from, to api.BreakerState) {
	m.log.Info("circuit transition",
		slog.String("service", name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	switch to {
	case api.BreakerOpen:
		m.emit(api.TopicMeshCircuitOpened, map[string]any{"service": name})
	case api.BreakerClosed:
		m.emit(api.TopicMeshCircuitClosed, map[string]any{"service": name})
	}
}

func (m *Mesh) emit(eventType string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	if _, err := m.bus.Publish(context.Background(), eventType, payload, api.PublishOptions{Source: "mesh"}); err != nil {
		m.log.Debug("mesh event dropped",
			slog.String("type", eventType),
			slog.Any("error", err),
		)
	}
}
