package api

import "time"

// BusConfig configures the event bus.
type BusConfig struct {
	// MaxHistory bounds each aggregate's history ring; the oldest event
	// is evicted when a publish would exceed it.
	MaxHistory int `yaml:"max_history" env:"WEFT_BUS_MAX_HISTORY"`

	// RetentionPeriod makes events older than this eligible for eviction
	// on the periodic sweep.
	RetentionPeriod time.Duration `yaml:"retention_period" env:"WEFT_BUS_RETENTION_PERIOD"`

	EnableReplay      bool `yaml:"enable_replay" env:"WEFT_BUS_ENABLE_REPLAY"`
	EnableCorrelation bool `yaml:"enable_correlation" env:"WEFT_BUS_ENABLE_CORRELATION"`

	// BatchFlushInterval is the default flush cadence for batched
	// subscriptions that do not set their own.
	BatchFlushInterval time.Duration `yaml:"batch_flush_interval" env:"WEFT_BUS_BATCH_FLUSH_INTERVAL"`

	// SingleBuffer is the pending-queue capacity for single-delivery
	// subscriptions.
	SingleBuffer int `yaml:"single_buffer" env:"WEFT_BUS_SINGLE_BUFFER"`

	// BurstFactor multiplies a batched subscription's batch size to get
	// its pending-queue capacity; beyond that the subscription overflows.
	BurstFactor int `yaml:"burst_factor" env:"WEFT_BUS_BURST_FACTOR"`

	// MaxCascadeDepth caps correlation-emitted event chains.
	MaxCascadeDepth int `yaml:"max_cascade_depth" env:"WEFT_BUS_MAX_CASCADE_DEPTH"`

	// MaxMatchesPerScan bounds the correlation scan after each publish.
	MaxMatchesPerScan int `yaml:"max_matches_per_scan" env:"WEFT_BUS_MAX_MATCHES_PER_SCAN"`

	// SweepInterval is the cadence of the time-based retention sweep.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"WEFT_BUS_SWEEP_INTERVAL"`
}

// DefaultBusConfig returns the bus defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		MaxHistory:         1000,
		RetentionPeriod:    time.Hour,
		EnableReplay:       true,
		EnableCorrelation:  true,
		BatchFlushInterval: time.Second,
		SingleBuffer:       256,
		BurstFactor:        4,
		MaxCascadeDepth:    8,
		MaxMatchesPerScan:  16,
		SweepInterval:      time.Minute,
	}
}

// EngineConfig configures the workflow engine.
type EngineConfig struct {
	MaxConcurrentInstances int `yaml:"max_concurrent_instances" env:"WEFT_ENGINE_MAX_CONCURRENT_INSTANCES"`
	MaxStepsPerTemplate    int `yaml:"max_steps_per_template" env:"WEFT_ENGINE_MAX_STEPS_PER_TEMPLATE"`

	// DefaultTimeout bounds each step unless the template overrides it.
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"WEFT_ENGINE_DEFAULT_TIMEOUT"`

	EnableRetry    bool          `yaml:"enable_retry" env:"WEFT_ENGINE_ENABLE_RETRY"`
	MaxRetries     int           `yaml:"max_retries" env:"WEFT_ENGINE_MAX_RETRIES"`
	BaseRetryDelay time.Duration `yaml:"base_retry_delay" env:"WEFT_ENGINE_BASE_RETRY_DELAY"`

	// RetryJitter is the +/- fraction applied to each retry delay,
	// clamped to [0, 0.25].
	RetryJitter float64 `yaml:"retry_jitter" env:"WEFT_ENGINE_RETRY_JITTER"`

	// CancelGrace is how long a cancelled step may keep running before
	// its eventual result is discarded.
	CancelGrace time.Duration `yaml:"cancel_grace" env:"WEFT_ENGINE_CANCEL_GRACE"`
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentInstances: 64,
		MaxStepsPerTemplate:    100,
		DefaultTimeout:         30 * time.Second,
		EnableRetry:            true,
		MaxRetries:             3,
		BaseRetryDelay:         100 * time.Millisecond,
		RetryJitter:            0.1,
		CancelGrace:            5 * time.Second,
	}
}

// BreakerConfig configures the per-service circuit breakers.
type BreakerConfig struct {
	// ErrorThreshold is the failure ratio over a full window that trips
	// the breaker open.
	ErrorThreshold float64 `yaml:"error_threshold" env:"WEFT_MESH_BREAKER_ERROR_THRESHOLD"`

	// WindowSize is the number of most recent call outcomes considered.
	WindowSize int `yaml:"window_size" env:"WEFT_MESH_BREAKER_WINDOW_SIZE"`

	// ResetTimeout is how long an open breaker waits before admitting a
	// half-open probe.
	ResetTimeout time.Duration `yaml:"reset_timeout" env:"WEFT_MESH_BREAKER_RESET_TIMEOUT"`

	// HalfOpenSuccesses is how many consecutive probe successes close a
	// half-open breaker.
	HalfOpenSuccesses int `yaml:"half_open_successes" env:"WEFT_MESH_BREAKER_HALF_OPEN_SUCCESSES"`
}

// MeshConfig configures the service mesh.
type MeshConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"WEFT_MESH_DEFAULT_TIMEOUT"`

	// MaxRetries is how many extra attempts a failed send gets. Every
	// attempt passes through the breaker; an open circuit stops the
	// retrying.
	MaxRetries int `yaml:"max_retries" env:"WEFT_MESH_MAX_RETRIES"`

	Breaker BreakerConfig `yaml:"breaker" envPrefix:""`

	HealthProbeInterval time.Duration `yaml:"health_probe_interval" env:"WEFT_MESH_HEALTH_PROBE_INTERVAL"`

	// Candidates maps service names to probe URLs for Discover.
	Candidates map[string]string `yaml:"candidates" env:"WEFT_MESH_CANDIDATES"`
}

// DefaultMeshConfig returns the mesh defaults.
func DefaultMeshConfig() MeshConfig {
	return MeshConfig{
		DefaultTimeout: 10 * time.Second,
		MaxRetries:     0,
		Breaker: BreakerConfig{
			ErrorThreshold:    0.5,
			WindowSize:        10,
			ResetTimeout:      30 * time.Second,
			HalfOpenSuccesses: 1,
		},
		HealthProbeInterval: 15 * time.Second,
	}
}
