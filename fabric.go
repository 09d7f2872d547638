package weft

import (
	"context"
	"errors"
	"log/slog"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/mesh"
	"github.com/weftworks/weft/pkg/api"
)

// Config holds the configuration of all three fabric components. It is
// field-compatible with config.File, so a loaded file converts directly:
//
//	f, err := config.Load("weft.yaml")
//	fab := weft.NewFabric(weft.Config(f))
type Config struct {
	Bus    BusConfig
	Engine EngineConfig
	Mesh   MeshConfig
}

// DefaultConfig returns the component defaults.
func DefaultConfig() Config {
	return Config{
		Bus:    api.DefaultBusConfig(),
		Engine: api.DefaultEngineConfig(),
		Mesh:   api.DefaultMeshConfig(),
	}
}

// FabricOption configures NewFabric.
type FabricOption func(*fabricOptions)

type fabricOptions struct {
	log   *slog.Logger
	obs   api.Observer
	queue Queue
}

// WithLogger sets the logger shared by all three components.
func WithLogger(l *slog.Logger) FabricOption {
	return func(o *fabricOptions) { o.log = l }
}

// WithObserver sets the observer shared by all three components.
func WithObserver(obs Observer) FabricOption {
	return func(o *fabricOptions) { o.obs = obs }
}

// WithQueue installs a queue backend, enabling the "queue" protocol for
// mesh services. Messages are consumed with a worker.QueueConsumer.
func WithQueue(q Queue) FabricOption {
	return func(o *fabricOptions) { o.queue = q }
}

// Fabric bundles a Bus, a Mesh and an Engine with their cross-wiring
// done: engine and mesh lifecycle events are published on the bus, and
// the mesh.send action is registered so workflow steps can call
// services.
type Fabric struct {
	Bus    Bus
	Mesh   Mesh
	Engine Engine

	log *slog.Logger
}

// NewFabric composes the three components from cfg.
func NewFabric(cfg Config, opts ...FabricOption) *Fabric {
	var fo fabricOptions
	for _, opt := range opts {
		opt(&fo)
	}
	if fo.log == nil {
		fo.log = slog.Default()
	}

	busOpts := []bus.Option{bus.WithLogger(fo.log)}
	if fo.obs != nil {
		busOpts = append(busOpts, bus.WithObserver(fo.obs))
	}
	b := bus.New(cfg.Bus, busOpts...)

	meshOpts := []mesh.Option{mesh.WithLogger(fo.log), mesh.WithBus(b)}
	if fo.obs != nil {
		meshOpts = append(meshOpts, mesh.WithObserver(fo.obs))
	}
	if fo.queue != nil {
		meshOpts = append(meshOpts, mesh.WithQueue(fo.queue))
	}
	m := mesh.New(cfg.Mesh, meshOpts...)

	engOpts := []engine.Option{engine.WithLogger(fo.log), engine.WithBus(b)}
	if fo.obs != nil {
		engOpts = append(engOpts, engine.WithObserver(fo.obs))
	}
	e := engine.New(cfg.Engine, engOpts...)

	e.RegisterAction(MeshSendAction(m))

	return &Fabric{Bus: b, Mesh: m, Engine: e, log: fo.log}
}

// Close shuts the fabric down in dependency order: the engine first so
// no new lifecycle events are produced, then the mesh, then the bus so
// pending deliveries drain. Errors are joined, not short-circuited.
func (f *Fabric) Close(ctx context.Context) error {
	return errors.Join(
		f.Engine.Close(ctx),
		f.Mesh.Close(ctx),
		f.Bus.Close(ctx),
	)
}
