package weft

import (
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/mesh"
	"github.com/weftworks/weft/internal/taskqueue"
	"github.com/weftworks/weft/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Bus               = api.Bus
	Engine            = api.Engine
	Mesh              = api.Mesh
	Event             = api.Event
	EventDraft        = api.EventDraft
	Delivery          = api.Delivery
	Handler           = api.Handler
	Schema            = api.Schema
	FieldType         = api.FieldType
	BatchPolicy       = api.BatchPolicy
	SubscribeOptions  = api.SubscribeOptions
	PublishOptions    = api.PublishOptions
	CorrelationRule   = api.CorrelationRule
	Template          = api.Template
	Step              = api.Step
	Action            = api.Action
	ActionFunc        = api.ActionFunc
	ActionRequest     = api.ActionRequest
	RetryPolicy       = api.RetryPolicy
	Hook              = api.Hook
	Phase             = api.Phase
	InstanceSnapshot  = api.InstanceSnapshot
	InstanceStatus    = api.InstanceStatus
	StepStatus        = api.StepStatus
	CreateOptions     = api.CreateOptions
	ServiceDescriptor = api.ServiceDescriptor
	Adapter           = api.Adapter
	AdapterFunc       = api.AdapterFunc
	SendOptions       = api.SendOptions
	Outcome           = api.Outcome
	Transform         = api.Transform
	BreakerState      = api.BreakerState
	HealthState       = api.HealthState
	BusConfig         = api.BusConfig
	EngineConfig      = api.EngineConfig
	MeshConfig        = api.MeshConfig
	BreakerConfig     = api.BreakerConfig
	Error             = api.Error
	Kind              = api.Kind
	Observer          = api.Observer
	NoopObserver      = api.NoopObserver
	CompositeObserver = api.CompositeObserver
	LoggingObserver   = api.LoggingObserver
	BasicMetrics      = api.BasicMetrics
)

// Re-export common observer and error helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	KindOf               = api.KindOf
	IsKind               = api.IsKind
)

// Re-export status values for convenience.

const (
	StatusCreated   = api.StatusCreated
	StatusRunning   = api.StatusRunning
	StatusPaused    = api.StatusPaused
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled

	BreakerClosed   = api.BreakerClosed
	BreakerOpen     = api.BreakerOpen
	BreakerHalfOpen = api.BreakerHalfOpen

	HealthUnknown   = api.HealthUnknown
	HealthHealthy   = api.HealthHealthy
	HealthUnhealthy = api.HealthUnhealthy
)

// Component constructors
// These wrap the internal packages so external callers never need to
// import them. NewFabric composes all three with cross-wiring done.

// NewBus returns a standalone event bus.
func NewBus(cfg BusConfig) Bus {
	return bus.New(cfg)
}

// NewBusWithObserver returns an event bus reporting to the given Observer.
func NewBusWithObserver(cfg BusConfig, obs Observer) Bus {
	return bus.New(cfg, bus.WithObserver(obs))
}

// NewEngine returns a standalone workflow engine. Lifecycle events are
// published on b when non-nil.
func NewEngine(cfg EngineConfig, b Bus) Engine {
	opts := []engine.Option{}
	if b != nil {
		opts = append(opts, engine.WithBus(b))
	}
	return engine.New(cfg, opts...)
}

// NewEngineWithObserver returns a workflow engine reporting to the given
// Observer.
func NewEngineWithObserver(cfg EngineConfig, b Bus, obs Observer) Engine {
	opts := []engine.Option{engine.WithObserver(obs)}
	if b != nil {
		opts = append(opts, engine.WithBus(b))
	}
	return engine.New(cfg, opts...)
}

// NewMesh returns a standalone service mesh. Lifecycle events are
// published on b when non-nil.
func NewMesh(cfg MeshConfig, b Bus) Mesh {
	opts := []mesh.Option{}
	if b != nil {
		opts = append(opts, mesh.WithBus(b))
	}
	return mesh.New(cfg, opts...)
}

// NewMeshWithObserver returns a service mesh reporting to the given
// Observer.
func NewMeshWithObserver(cfg MeshConfig, b Bus, obs Observer) Mesh {
	opts := []mesh.Option{mesh.WithObserver(obs)}
	if b != nil {
		opts = append(opts, mesh.WithBus(b))
	}
	return mesh.New(cfg, opts...)
}

// Queue backends for the mesh's queue-post protocol. The consuming side
// lives in pkg/worker.

type (
	Queue        = taskqueue.Queue
	QueueMessage = taskqueue.Message
)

// NewMemoryQueue returns an in-process queue with the given capacity
// (<= 0 uses the default).
func NewMemoryQueue(capacity int) Queue {
	return taskqueue.NewMemoryQueue(capacity)
}

// NewSQLiteQueue returns a queue persisted in a SQLite database.
func NewSQLiteQueue(db *sql.DB) (Queue, error) {
	return taskqueue.NewSQLiteQueue(db)
}

// NewRedisQueue returns a queue backed by a Redis list. An empty prefix
// uses the default key prefix.
func NewRedisQueue(client *redis.Client, prefix string) Queue {
	return taskqueue.NewRedisQueue(client, prefix)
}
