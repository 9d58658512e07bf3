// Package storage persists captured failure objects. Every backend accepts
// an opaque key and payload; the caller owns the key layout.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"unilog/internal/config"
)

// Store errors
var (
	ErrStoreClosed = errors.New("store is closed")
	ErrInvalidKey  = errors.New("invalid object key")
)

// Store persists failure objects. Implementations are safe for concurrent
// use; Persist either stores the whole payload or returns an error.
type Store interface {
	Persist(ctx context.Context, key string, payload []byte) error
	Close() error
}

// New builds the store selected by the configuration
func New(cfg config.FailureStoreConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return NewFileStore(cfg.File.Dir)
	case config.BackendRedis:
		return NewRedisStore(cfg.Redis)
	case config.BackendKafka:
		return NewKafkaStore(cfg.Kafka)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, cfg.Backend)
	}
}

// validateKey rejects keys that could escape a store root
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// streamOf returns the first path segment of a key
func streamOf(key string) string {
	stream, _, _ := strings.Cut(key, "/")
	return stream
}
