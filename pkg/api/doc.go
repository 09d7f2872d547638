// Package api defines the public types and interfaces of the weft
// integration fabric: events and subscriptions for the bus, templates and
// instances for the workflow engine, service descriptors and adapters for
// the mesh, plus the shared error taxonomy, configuration structs and the
// Observer callback surface.
//
// Implementations live under internal/ and are constructed through the
// root weft package; this package is safe to import from anywhere.
package api
