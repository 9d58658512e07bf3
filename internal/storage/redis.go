package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"

	"unilog/internal/config"
	"unilog/internal/metrics"
)

// RedisStore appends each object to the redis stream <prefix><streamID> with
// the fields "key" and "payload".
type RedisStore struct {
	pool   *redis.Pool
	prefix string
	closed atomic.Bool
}

// NewRedisStore creates a store backed by a redigo connection pool
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis store: address is required")
	}
	return NewRedisStoreWithPool(NewRedisPool(cfg), cfg.KeyPrefix), nil
}

// NewRedisStoreWithPool wraps an existing pool
func NewRedisStoreWithPool(pool *redis.Pool, prefix string) *RedisStore {
	return &RedisStore{pool: pool, prefix: prefix}
}

// NewRedisPool dials addr with the configured credentials
func NewRedisPool(cfg config.RedisConfig) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", cfg.Addr,
				redis.DialPassword(cfg.Password),
				redis.DialDatabase(cfg.DB),
			)
		},
	}
}

// StreamKey returns the redis stream holding objects of a stream
func (s *RedisStore) StreamKey(streamID string) string {
	return s.prefix + streamID
}

func (s *RedisStore) Persist(ctx context.Context, key string, payload []byte) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := validateKey(key); err != nil {
		return err
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis store: %w", err)
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "XADD", s.StreamKey(streamOf(key)), "*", "key", key, "payload", payload); err != nil {
		return fmt.Errorf("redis store: XADD %s: %w", key, err)
	}

	metrics.FailureStoreBytesWritten.WithLabelValues("redis").Add(float64(len(payload)))
	return nil
}

func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.pool.Close()
}
