// Package weft is an embeddable integration fabric for multi-service
// platforms: an event bus with durable replayable streams and temporal
// pattern correlation, a workflow engine executing declarative step
// graphs, and a service mesh with protocol adapters and circuit breakers.
//
// # Core Concepts
//
// The weft programming model is intentionally small:
//
//  1. Bus
//  2. Engine
//  3. Mesh
//  4. Fabric
//  5. TemplateBuilder
//
// # Bus
//
// The Bus accepts typed events, validates them against registered
// schemas, appends them to bounded per-aggregate history rings and fans
// them out to filtered subscribers — one at a time or in batches. A
// correlation engine matches ordered sequence patterns against the
// recent-events window and publishes derived events, enabling cascaded
// correlations up to a configurable depth. History can be replayed over
// a time range to all current subscribers.
//
// # Engine
//
// The Engine registers workflow templates (DAGs of steps with typed
// actions and dependency edges) and executes instances of them in
// dependency-ordered waves, with parallel fan-out inside each wave,
// instance-level retry with exponential backoff, pause/resume/cancel,
// and lifecycle events published on the Bus.
//
// # Mesh
//
// The Mesh routes outbound messages to named services through pluggable
// protocol adapters (HTTP, websocket stream, queue-post), isolates
// failing services behind per-service circuit breakers and probes
// service health on a fixed cadence.
//
// # Fabric
//
// Fabric bundles the three components with their cross-wiring done at
// composition time: engine and mesh publish lifecycle events on the bus,
// and the mesh.send step action lets workflows call out through the
// mesh. Snapshot stores (in-memory, SQLite, Redis, MongoDB) persist the
// bus history and instance snapshots.
//
//	cfg := weft.DefaultConfig()
//	fab := weft.NewFabric(cfg)
//	defer fab.Close(context.Background())
//
//	tpl := weft.NewTemplate("settlement").
//	    Step("validate", "validate-order").
//	    StepAfter("book", "book-trade", "validate").
//	    Template()
//	_ = fab.Engine.RegisterTemplate(tpl)
package weft
