// Package state keeps small pieces of durable pipeline state, currently the
// per-stream sequence numbers stamped on failure objects.
package state

import (
	"context"
	"sync"
)

// Sequencer hands out monotonically increasing numbers per key, starting at 0
type Sequencer interface {
	Next(ctx context.Context, key string) (uint64, error)
	Close() error
}

// MemorySequencer keeps counters in process memory. Numbers restart at 0
// after a restart; failure object keys stay unique through their timestamp.
type MemorySequencer struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{counters: make(map[string]uint64)}
}

func (m *MemorySequencer) Next(_ context.Context, key string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.counters[key]
	m.counters[key] = n + 1
	return n, nil
}

func (m *MemorySequencer) Close() error { return nil }
