package snapshot

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists snapshots in Redis.
//
// Layout:
//
//	<prefix>snap:<kind>:<key>  -> gob blob          (STRING)
//	<prefix>snapkeys:<kind>    -> member keys       (SET)
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a Redis-backed Store.
// prefix is optional but recommended (e.g. "weft:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "weft:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) dataKey(kind, key string) string { return s.prefix + "snap:" + kind + ":" + key }
func (s *RedisStore) indexKey(kind string) string     { return s.prefix + "snapkeys:" + kind }

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(rec.Kind, rec.Key), rec.Data, 0)
	pipe.SAdd(ctx, s.indexKey(rec.Kind), rec.Key)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Load(ctx context.Context, kind, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.dataKey(kind, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return &Record{
		Kind:    kind,
		Key:     key,
		Data:    data,
		SavedAt: time.Now(),
	}, nil
}

func (s *RedisStore) Keys(ctx context.Context, kind string) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey(kind)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) Delete(ctx context.Context, kind, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(kind, key))
	pipe.SRem(ctx, s.indexKey(kind), key)
	_, err := pipe.Exec(ctx)
	return err
}
