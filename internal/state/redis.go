package state

import (
	"context"
	"fmt"

	"github.com/gomodule/redigo/redis"
)

// RedisSequencer keeps counters in redis so numbering survives restarts and
// is shared between replicas.
type RedisSequencer struct {
	pool   *redis.Pool
	prefix string
}

// NewRedisSequencer stores counters under <prefix>seq:<key>
func NewRedisSequencer(pool *redis.Pool, prefix string) *RedisSequencer {
	return &RedisSequencer{pool: pool, prefix: prefix}
}

func (r *RedisSequencer) counterKey(key string) string {
	return r.prefix + "seq:" + key
}

func (r *RedisSequencer) Next(ctx context.Context, key string) (uint64, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("redis sequencer: %w", err)
	}
	defer conn.Close()

	n, err := redis.Uint64(redis.DoContext(conn, ctx, "INCR", r.counterKey(key)))
	if err != nil {
		return 0, fmt.Errorf("redis sequencer: INCR %s: %w", key, err)
	}
	return n - 1, nil
}

// Close is a no-op; the pool belongs to the caller
func (r *RedisSequencer) Close() error { return nil }
