package snapshot

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// storeUnderTest runs the shared conformance checks against a backend.
func storeUnderTest(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing record loads as nil", func(t *testing.T) {
		rec, err := s.Load(ctx, KindInstance, "ghost")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("save and load", func(t *testing.T) {
		in := Record{
			Kind:    KindInstance,
			Key:     "wf-1",
			Data:    []byte("blob-one"),
			SavedAt: time.Now(),
		}
		require.NoError(t, s.Save(ctx, in))

		rec, err := s.Load(ctx, KindInstance, "wf-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, []byte("blob-one"), rec.Data)
		assert.Equal(t, KindInstance, rec.Kind)
	})

	t.Run("save overwrites", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, Record{
			Kind: KindInstance, Key: "wf-1", Data: []byte("blob-two"), SavedAt: time.Now(),
		}))
		rec, err := s.Load(ctx, KindInstance, "wf-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, []byte("blob-two"), rec.Data)
	})

	t.Run("keys list one kind", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, Record{
			Kind: KindInstance, Key: "wf-2", Data: []byte("x"), SavedAt: time.Now(),
		}))
		require.NoError(t, s.Save(ctx, Record{
			Kind: KindBus, Key: "bus", Data: []byte("y"), SavedAt: time.Now(),
		}))

		keys, err := s.Keys(ctx, KindInstance)
		require.NoError(t, err)
		assert.Equal(t, []string{"wf-1", "wf-2"}, keys)

		keys, err = s.Keys(ctx, KindBus)
		require.NoError(t, err)
		assert.Equal(t, []string{"bus"}, keys)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, KindInstance, "wf-1"))
		rec, err := s.Load(ctx, KindInstance, "wf-1")
		require.NoError(t, err)
		assert.Nil(t, rec)

		// Deleting a missing record is fine.
		require.NoError(t, s.Delete(ctx, KindInstance, "wf-1"))
	})
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	storeUnderTest(t, s)
}

func TestMemoryStoreIsolatesBuffers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	buf := []byte("original")
	require.NoError(t, s.Save(ctx, Record{Kind: KindBus, Key: "bus", Data: buf, SavedAt: time.Now()}))
	copy(buf, "mutated!")

	rec, err := s.Load(ctx, KindBus, "bus")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), rec.Data)

	// Mutating a loaded blob must not leak back into the store.
	copy(rec.Data, "mutated!")
	again, err := s.Load(ctx, KindBus, "bus")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again.Data)
}

func TestCodecRoundTrip(t *testing.T) {
	type payload struct {
		ID    string
		Count int
	}
	in := payload{ID: "wf-1", Count: 3}

	data, err := Encode(in)
	require.NoError(t, err)

	var out payload
	require.NoError(t, Decode(data, &out))
	assert.Equal(t, in, out)
}
