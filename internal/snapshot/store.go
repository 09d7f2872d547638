// Package snapshot provides the stores behind the fabric's snapshotting
// hooks. A store persists opaque gob blobs keyed by kind ("bus",
// "instance") and key; the fabric decides what goes in them.
package snapshot

import (
	"context"
	"time"
)

// Kinds used by the fabric.
const (
	KindBus      = "bus"
	KindInstance = "instance"
)

// Record is one persisted snapshot blob.
type Record struct {
	Kind    string
	Key     string
	Data    []byte
	SavedAt time.Time
}

// Store is the pluggable persistence interface. Saving an existing
// (kind, key) pair overwrites it.
type Store interface {
	Save(ctx context.Context, rec Record) error

	// Load returns the record, or nil when it does not exist.
	Load(ctx context.Context, kind, key string) (*Record, error)

	// Keys lists the stored keys of one kind.
	Keys(ctx context.Context, kind string) ([]string, error)

	// Delete removes a record; deleting a missing record is not an error.
	Delete(ctx context.Context, kind, key string) error
}
