package pipeline

import (
	"sync"

	"unilog/internal/models"
)

// queue is an unbounded FIFO of flushed batches with a wake-up channel for
// the single consumer. push never blocks, so it is safe to call from the
// batcher handoff.
type queue struct {
	mu     sync.Mutex
	items  []*models.Batch
	closed bool
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

// push appends b. It reports false once the queue is closed.
func (q *queue) push(b *models.Batch) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, b)
	q.mu.Unlock()
	q.wake()
	return true
}

// pop removes the oldest batch
func (q *queue) pop() (*models.Batch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	b := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return b, true
}

// close stops further pushes; queued batches can still be popped
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// drained reports whether the queue is closed and empty
func (q *queue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
