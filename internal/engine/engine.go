// Package engine implements the workflow engine: declarative DAG
// templates executed as dependency-ordered waves with parallel fan-out,
// instance-level retry with exponential backoff, pause/resume/cancel and
// lifecycle events published on the bus.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/weftworks/weft/pkg/api"
)

// Engine is the workflow engine implementation. Construct with New; the
// zero value is not usable.
type Engine struct {
	cfg api.EngineConfig
	log *slog.Logger
	obs api.Observer
	bus api.Bus // optional lifecycle-event sink

	mu        sync.RWMutex
	templates map[string]api.Template
	actions   map[string]api.Action
	instances map[string]*instance
	closed    bool

	// sem caps concurrently executing instances.
	sem *semaphore.Weighted

	schedMu   sync.Mutex
	schedules map[string]*schedule

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Nil falls back to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithObserver sets the engine observer.
func WithObserver(o api.Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.obs = o
		}
	}
}

// WithBus attaches the event bus the engine publishes workflow lifecycle
// events to.
func WithBus(b api.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// New creates an Engine.
func New(cfg api.EngineConfig, opts ...Option) *Engine {
	def := api.DefaultEngineConfig()
	if cfg.MaxConcurrentInstances <= 0 {
		cfg.MaxConcurrentInstances = def.MaxConcurrentInstances
	}
	if cfg.MaxStepsPerTemplate <= 0 {
		cfg.MaxStepsPerTemplate = def.MaxStepsPerTemplate
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = def.BaseRetryDelay
	}
	if cfg.RetryJitter < 0 {
		cfg.RetryJitter = 0
	}
	if cfg.RetryJitter > 0.25 {
		cfg.RetryJitter = 0.25
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}

	e := &Engine{
		cfg:       cfg,
		log:       slog.Default(),
		obs:       api.NoopObserver{},
		templates: make(map[string]api.Template),
		actions:   make(map[string]api.Action),
		instances: make(map[string]*instance),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentInstances)),
		schedules: make(map[string]*schedule),
		shutdown:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ api.Engine = (*Engine)(nil)

// instance is the mutable execution state of one workflow. Its executor
// owns the control flow; observers only ever see deep-copied snapshots.
type instance struct {
	mu sync.Mutex

	id      string
	tpl     api.Template
	params  map[string]any
	timeout time.Duration

	status  api.InstanceStatus
	steps   map[string]*stepState
	order   []string // template step order, for stable snapshots
	err     error
	retries int
	started time.Time
	ended   time.Time

	// resume is non-nil while paused; closing it releases the executor.
	resume chan struct{}

	// cancel tears down the in-flight execution context.
	cancel    context.CancelFunc
	cancelled bool
}

type stepState struct {
	status   api.StepStatus
	result   map[string]any
	err      error
	started  time.Time
	ended    time.Time
	attempts int
}

// RegisterTemplate implements api.Engine.
func (e *Engine) RegisterTemplate(tpl api.Template) error {
	if err := validateTemplate(tpl, e.cfg.MaxStepsPerTemplate); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return api.Errorf(api.KindClosed, "engine is closed")
	}
	if _, ok := e.templates[tpl.Name]; ok {
		return api.Errorf(api.KindInvalidInput, "template %s is already registered", tpl.Name)
	}
	e.templates[tpl.Name] = tpl
	return nil
}

// RegisterAction implements api.Engine.
func (e *Engine) RegisterAction(a api.Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[a.Name()] = a
}

// Create implements api.Engine.
func (e *Engine) Create(templateName string, opts api.CreateOptions) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", api.Errorf(api.KindClosed, "engine is closed")
	}
	tpl, ok := e.templates[templateName]
	if !ok {
		return "", api.Errorf(api.KindUnknownTemplate, "template %s is not registered", templateName)
	}

	active := 0
	for _, inst := range e.instances {
		inst.mu.Lock()
		if !inst.status.Terminal() {
			active++
		}
		inst.mu.Unlock()
	}
	if active >= e.cfg.MaxConcurrentInstances {
		return "", api.Errorf(api.KindCapacityExceeded,
			"%d instances active, maximum is %d", active, e.cfg.MaxConcurrentInstances)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = tpl.Timeout
	}
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	inst := &instance{
		id:      uuid.NewString(),
		tpl:     tpl,
		params:  mergeParams(tpl.Params, opts.Params),
		timeout: timeout,
		status:  api.StatusCreated,
		steps:   make(map[string]*stepState, len(tpl.Steps)),
	}
	for _, s := range tpl.Steps {
		inst.steps[s.ID] = &stepState{status: api.StepPending}
		inst.order = append(inst.order, s.ID)
	}
	e.instances[inst.id] = inst

	e.emit(api.TopicWorkflowCreated, inst.id, map[string]any{
		"workflow_id": inst.id,
		"template":    tpl.Name,
	})
	return inst.id, nil
}

// Get implements api.Engine.
func (e *Engine) Get(instanceID string) (api.InstanceSnapshot, error) {
	e.mu.RLock()
	inst, ok := e.instances[instanceID]
	e.mu.RUnlock()
	if !ok {
		return api.InstanceSnapshot{}, api.Errorf(api.KindUnknownInstance, "instance %s not found", instanceID)
	}
	return inst.snapshot(), nil
}

// List implements api.Engine.
func (e *Engine) List(status api.InstanceStatus) []api.InstanceSnapshot {
	e.mu.RLock()
	insts := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		insts = append(insts, inst)
	}
	e.mu.RUnlock()

	out := make([]api.InstanceSnapshot, 0, len(insts))
	for _, inst := range insts {
		snap := inst.snapshot()
		if status == "" || snap.Status == status {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pause implements api.Engine. The executor finishes its current wave
// and then waits for Resume.
func (e *Engine) Pause(instanceID string) bool {
	e.mu.RLock()
	inst, ok := e.instances[instanceID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.status != api.StatusRunning {
		return false
	}
	inst.status = api.StatusPaused
	inst.resume = make(chan struct{})
	return true
}

// Resume implements api.Engine.
func (e *Engine) Resume(instanceID string) bool {
	e.mu.RLock()
	inst, ok := e.instances[instanceID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.status != api.StatusPaused {
		return false
	}
	inst.status = api.StatusRunning
	if inst.resume != nil {
		close(inst.resume)
		inst.resume = nil
	}
	return true
}

// Cancel implements api.Engine. The cancellation signal propagates into
// in-flight steps; the executor unwinds through on_error hooks.
func (e *Engine) Cancel(instanceID string) bool {
	e.mu.RLock()
	inst, ok := e.instances[instanceID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	inst.mu.Lock()
	if inst.status != api.StatusRunning && inst.status != api.StatusPaused {
		inst.mu.Unlock()
		return false
	}
	inst.cancelled = true
	cancel := inst.cancel
	if inst.resume != nil {
		// Unblock a paused executor so it can observe the cancellation.
		close(inst.resume)
		inst.resume = nil
		inst.status = api.StatusRunning
	}
	inst.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// Close implements api.Engine.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	insts := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		insts = append(insts, inst)
	}
	e.mu.Unlock()

	close(e.shutdown)
	e.stopSchedules()

	for _, inst := range insts {
		inst.mu.Lock()
		if inst.cancel != nil {
			inst.cancel()
		}
		inst.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return api.Wrap(api.KindTimeout, ctx.Err(), "engine close")
	}
}

func (e *Engine) action(name string) (api.Action, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actions[name]
	return a, ok
}

// emit publishes a lifecycle event with the instance id as aggregate.
func (e *Engine) emit(eventType, instanceID string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	if _, err := e.bus.Publish(context.Background(), eventType, payload, api.PublishOptions{
		Source:      "engine",
		AggregateID: instanceID,
	}); err != nil {
		e.log.Debug("lifecycle event dropped",
			slog.String("type", eventType),
			slog.Any("error", err),
		)
	}
}

func mergeParams(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// snapshot deep-copies the instance state for observers.
func (inst *instance) snapshot() api.InstanceSnapshot {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	snap := api.InstanceSnapshot{
		ID:       inst.id,
		Template: inst.tpl.Name,
		Status:   inst.status,
		Params:   copyMap(inst.params),
		Steps:    make(map[string]api.StepState, len(inst.steps)),
		Retries:  inst.retries,
		Started:  inst.started,
		Ended:    inst.ended,
	}
	if inst.err != nil {
		snap.Error = inst.err.Error()
	}
	for id, st := range inst.steps {
		out := api.StepState{
			ID:       id,
			Status:   st.status,
			Result:   copyMap(st.result),
			Started:  st.started,
			Ended:    st.ended,
			Attempts: st.attempts,
		}
		if st.err != nil {
			out.Error = st.err.Error()
		}
		snap.Steps[id] = out
	}
	return snap
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
