// Package batcher accumulates the records of one logical stream and cuts
// batches on a size or time threshold, whichever fires first.
package batcher

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.chromium.org/luci/common/clock"

	"unilog/internal/metrics"
	"unilog/internal/models"
)

// State of a stream buffer
type State int

const (
	Empty State = iota
	Accumulating
	Flushing
	Closed
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Accumulating:
		return "accumulating"
	case Flushing:
		return "flushing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Trigger names what caused a flush
type Trigger string

const (
	TriggerSize     Trigger = "size"
	TriggerInterval Trigger = "interval"
	TriggerShutdown Trigger = "shutdown"
)

// ErrClosed is returned by Append after Close
var ErrClosed = errors.New("batcher is closed")

// Handoff receives every flushed batch. It is called with the batcher lock
// held, so successive batches arrive in flush order; it must not block and
// must not call back into the batcher. Ownership of the batch moves to the
// handoff target.
type Handoff func(batch *models.Batch, trigger Trigger)

// Config holds the thresholds of one stream
type Config struct {
	StreamID           string
	SizeThresholdBytes int
	Interval           time.Duration
}

// Batcher owns the buffer of a single stream. All methods may be called
// concurrently; buffer mutation is serialized by an internal mutex.
type Batcher struct {
	mu       sync.Mutex
	cfg      Config
	clk      clock.Clock
	handoff  Handoff
	state    State
	current  *models.Batch
	sequence uint64
}

// New creates a batcher. A nil clock selects the system clock.
func New(cfg Config, clk clock.Clock, handoff Handoff) *Batcher {
	if clk == nil {
		clk = clock.GetSystemClock()
	}
	return &Batcher{
		cfg:     cfg,
		clk:     clk,
		handoff: handoff,
		state:   Empty,
	}
}

// Append adds a transformed record to the current buffer, preserving arrival
// order. If the buffer reaches the size threshold it is flushed immediately.
func (b *Batcher) Append(rec models.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Closed {
		return ErrClosed
	}

	if b.current == nil {
		b.current = &models.Batch{
			StreamID:  b.cfg.StreamID,
			CreatedAt: b.clk.Now(),
		}
	}
	b.current.Records = append(b.current.Records, rec)
	b.current.SizeBytes += rec.Size()
	b.state = Accumulating

	if b.current.SizeBytes >= b.cfg.SizeThresholdBytes {
		b.flushLocked(TriggerSize)
	}
	return nil
}

// Tick flushes the buffer when it is non-empty and has been accumulating for
// at least the configured interval. It reports whether a flush happened.
func (b *Batcher) Tick() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil || b.state == Closed {
		return false
	}
	if b.clk.Now().Sub(b.current.CreatedAt) < b.cfg.Interval {
		return false
	}
	b.flushLocked(TriggerInterval)
	return true
}

// Close flushes whatever is buffered and rejects further appends.
// Calling Close more than once is a no-op.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Closed {
		return
	}
	if b.current != nil {
		b.flushLocked(TriggerShutdown)
	}
	b.state = Closed
}

// Take removes and returns the current buffer without handing it off.
// It returns nil when nothing is buffered.
func (b *Batcher) Take() *models.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil {
		return nil
	}
	batch := b.cut()
	if b.state != Closed {
		b.state = Empty
	}
	return batch
}

// State returns the current state
func (b *Batcher) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SizeBytes returns the payload size of the buffered records
func (b *Batcher) SizeBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return 0
	}
	return b.current.SizeBytes
}

// Len returns the number of buffered records
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.Len()
}

// Sequence returns the sequence number the next batch will carry
func (b *Batcher) Sequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequence
}

func (b *Batcher) flushLocked(trigger Trigger) {
	b.state = Flushing
	batch := b.cut()

	metrics.BatchesFlushedTotal.WithLabelValues(b.cfg.StreamID, string(trigger)).Inc()
	metrics.BatchSizeBytes.WithLabelValues(b.cfg.StreamID).Observe(float64(batch.SizeBytes))

	if b.handoff != nil {
		b.handoff(batch, trigger)
	}
	b.state = Empty
}

// cut detaches the current buffer and stamps it with id and sequence
func (b *Batcher) cut() *models.Batch {
	batch := b.current
	b.current = nil
	batch.ID = uuid.NewString()
	batch.Sequence = b.sequence
	b.sequence++
	return batch
}
