package weft

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/weftworks/weft/internal/snapshot"
	"github.com/weftworks/weft/pkg/api"
)

// Snapshot persistence. A SnapshotStore holds opaque gob blobs; the
// fabric decides what goes in them: the bus's retained state plus a
// snapshot per workflow instance.

type (
	SnapshotStore  = snapshot.Store
	SnapshotRecord = snapshot.Record
	BusSnapshot    = api.BusSnapshot
)

// NewMemorySnapshots returns an in-process snapshot store.
func NewMemorySnapshots() SnapshotStore {
	return snapshot.NewMemoryStore()
}

// NewSQLiteSnapshots returns a snapshot store persisted in a SQLite
// database.
func NewSQLiteSnapshots(db *sql.DB) (SnapshotStore, error) {
	return snapshot.NewSQLiteStore(db)
}

// NewRedisSnapshots returns a snapshot store backed by Redis. An empty
// prefix uses the default key prefix.
func NewRedisSnapshots(client *redis.Client, prefix string) SnapshotStore {
	return snapshot.NewRedisStore(client, prefix)
}

// NewMongoSnapshots returns a snapshot store over db's "snapshots"
// collection.
func NewMongoSnapshots(db *mongo.Database) SnapshotStore {
	return snapshot.NewMongoStore(db)
}

// busSnapshotKey is the single key under which the bus state is stored.
const busSnapshotKey = "bus"

// SaveSnapshot persists the bus's retained state and a snapshot of every
// workflow instance into store. Overwrites earlier snapshots of the same
// fabric.
func (f *Fabric) SaveSnapshot(ctx context.Context, store SnapshotStore) error {
	busSnap := f.Bus.Snapshot()
	data, err := snapshot.Encode(busSnap)
	if err != nil {
		return api.Wrap(api.KindInvalidInput, err, "encode bus snapshot")
	}
	if err := store.Save(ctx, SnapshotRecord{
		Kind:    snapshot.KindBus,
		Key:     busSnapshotKey,
		Data:    data,
		SavedAt: busSnap.TakenAt,
	}); err != nil {
		return err
	}

	now := time.Now()
	for _, inst := range f.Engine.List("") {
		data, err := snapshot.Encode(inst)
		if err != nil {
			return api.Wrap(api.KindInvalidInput, err, "encode instance %s", inst.ID)
		}
		if err := store.Save(ctx, SnapshotRecord{
			Kind:    snapshot.KindInstance,
			Key:     inst.ID,
			Data:    data,
			SavedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// LoadSnapshot restores the bus's retained state from store and returns
// the persisted instance snapshots for inspection. Instances are not
// resurrected as running workflows; their snapshots record how far each
// one got.
func (f *Fabric) LoadSnapshot(ctx context.Context, store SnapshotStore) ([]InstanceSnapshot, error) {
	rec, err := store.Load(ctx, snapshot.KindBus, busSnapshotKey)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		var busSnap BusSnapshot
		if err := snapshot.Decode(rec.Data, &busSnap); err != nil {
			return nil, api.Wrap(api.KindInvalidInput, err, "decode bus snapshot")
		}
		if err := f.Bus.Restore(busSnap); err != nil {
			return nil, err
		}
	}

	keys, err := store.Keys(ctx, snapshot.KindInstance)
	if err != nil {
		return nil, err
	}
	instances := make([]InstanceSnapshot, 0, len(keys))
	for _, key := range keys {
		rec, err := store.Load(ctx, snapshot.KindInstance, key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		var inst InstanceSnapshot
		if err := snapshot.Decode(rec.Data, &inst); err != nil {
			return nil, api.Wrap(api.KindInvalidInput, err, "decode instance %s", key)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}
