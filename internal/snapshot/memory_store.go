package snapshot

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a non-durable Store for tests and single-process use.
// It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]map[string]Record // kind -> key -> record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]map[string]Record)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.recs[rec.Kind]
	if !ok {
		byKey = make(map[string]Record)
		s.recs[rec.Kind] = byKey
	}
	// Copy the blob so callers can reuse their buffer.
	data := make([]byte, len(rec.Data))
	copy(data, rec.Data)
	rec.Data = data
	byKey[rec.Key] = rec
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, kind, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[kind][key]
	if !ok {
		return nil, nil
	}
	out := rec
	out.Data = make([]byte, len(rec.Data))
	copy(out.Data, rec.Data)
	return &out, nil
}

func (s *MemoryStore) Keys(ctx context.Context, kind string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.recs[kind]))
	for k := range s.recs[kind] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Delete(ctx context.Context, kind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs[kind], key)
	return nil
}
