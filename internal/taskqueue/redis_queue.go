package taskqueue

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using a single Redis list:
//
//	<prefix>messages
//
// Values are gob-encoded Message structs.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "weft:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "weft:"
	}
	return &RedisQueue{
		client: client,
		key:    prefix + "messages",
	}
}

var _ Queue = (*RedisQueue)(nil)

// Enqueue pushes a message onto the Redis list (LPUSH).
func (q *RedisQueue) Enqueue(ctx context.Context, m Message) error {
	data, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Dequeue blocks on BRPOP until a message is available or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Message, error) {
	// BRPop returns [key, value].
	res, err := q.client.BRPop(ctx, 0, q.key).Result()
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		slog.Warn("redis queue: BRPop returned unexpected result", slog.Int("len", len(res)))
		return nil, nil
	}
	return DecodeMessage([]byte(res[1]))
}

// Len returns the approximate number of messages queued (LLEN).
func (q *RedisQueue) Len() int {
	n, err := q.client.LLen(context.Background(), q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
