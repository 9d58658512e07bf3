// Package pipeline runs the per-stream actors: a tick loop that enforces the
// flush interval and a delivery worker that drains flushed batches in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.chromium.org/luci/common/clock"

	"unilog/internal/batcher"
	"unilog/internal/config"
	"unilog/internal/delivery"
	"unilog/internal/logger"
	"unilog/internal/metrics"
	"unilog/internal/models"
)

// ErrQueueClosed is reported when a flush arrives after shutdown drained
// the delivery queue
var ErrQueueClosed = errors.New("delivery queue closed")

const maxTickPeriod = time.Second

// Stream owns everything belonging to one logical stream. Streams share no
// mutable state with each other.
type Stream struct {
	cfg      config.StreamConfig
	batcher  *batcher.Batcher
	client   *delivery.Client
	capturer delivery.Capturer
	queue    *queue
	log      zerolog.Logger

	tickCtx       context.Context
	stopTicking   context.CancelFunc
	deliverCtx    context.Context
	abortDelivery context.CancelFunc

	tickWG    sync.WaitGroup
	deliverWG sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once

	// Metrics
	appended      atomic.Uint64
	flushed       atomic.Uint64
	delivered     atomic.Uint64
	partial       atomic.Uint64
	captured      atomic.Uint64
	captureFailed atomic.Uint64
}

// NewStream builds the runtime of one stream. The clock and values carried
// by ctx are used for the stream's lifetime; its cancellation is not.
func NewStream(ctx context.Context, sc config.StreamConfig, sink delivery.Sink, capturer delivery.Capturer) *Stream {
	base := context.WithoutCancel(ctx)
	s := &Stream{
		cfg:      sc,
		capturer: capturer,
		queue:    newQueue(),
		log:      logger.WithStream("stream", sc.ID),
		client:   delivery.NewClient(delivery.ConfigFromStream(sc), sink, capturer),
	}
	s.tickCtx, s.stopTicking = context.WithCancel(base)
	s.deliverCtx, s.abortDelivery = context.WithCancel(base)

	s.batcher = batcher.New(batcher.Config{
		StreamID:           sc.ID,
		SizeThresholdBytes: sc.SizeThresholdBytes,
		Interval:           sc.Interval(),
	}, clock.Get(ctx), s.handoff)
	return s
}

// ID returns the stream id
func (s *Stream) ID() string { return s.cfg.ID }

// Start launches the tick loop and the delivery worker
func (s *Stream) Start() {
	s.startOnce.Do(func() {
		s.log.Info().
			Int("size_threshold_bytes", s.cfg.SizeThresholdBytes).
			Dur("interval", s.cfg.Interval()).
			Int("max_retries", s.cfg.MaxRetries).
			Msg("starting stream")

		s.tickWG.Add(1)
		go s.tickLoop()
		s.deliverWG.Add(1)
		go s.deliveryWorker()
	})
}

// Append buffers a transformed record. It fails with batcher.ErrClosed
// once the stream is shutting down.
func (s *Stream) Append(rec models.Record) error {
	if err := s.batcher.Append(rec); err != nil {
		return err
	}
	s.appended.Add(1)
	return nil
}

// Capture writes records directly to the failure store
func (s *Stream) Capture(ctx context.Context, recs []models.Record, reason models.FailureReason) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &models.Batch{
		ID:        uuid.NewString(),
		StreamID:  s.cfg.ID,
		Records:   recs,
		CreatedAt: clock.Now(ctx),
	}
	batch.SizeBytes = batch.ComputeSize()
	return s.capture(ctx, batch, reason)
}

// FailBatch abandons the records buffered so far and captures them together
// with bad
func (s *Stream) FailBatch(ctx context.Context, bad models.Record, reason models.FailureReason) error {
	batch := s.batcher.Take()
	if batch == nil {
		batch = &models.Batch{ID: uuid.NewString(), StreamID: s.cfg.ID, CreatedAt: clock.Now(ctx)}
	}
	batch.Records = append(batch.Records, bad)
	batch.SizeBytes = batch.ComputeSize()

	s.log.Warn().
		Str("batch_id", batch.ID).
		Int("records", batch.Len()).
		Msg("failing current batch after transform error")
	return s.capture(ctx, batch, reason)
}

// capture outlives the caller's context: a record already answered must
// still reach the failure store when the request is cancelled.
func (s *Stream) capture(ctx context.Context, batch *models.Batch, reason models.FailureReason) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.capturer.Capture(ctx, batch, reason); err != nil {
		s.captureFailed.Add(uint64(batch.Len()))
		return err
	}
	s.captured.Add(uint64(batch.Len()))
	return nil
}

// handoff runs under the batcher lock and must not block
func (s *Stream) handoff(batch *models.Batch, trigger batcher.Trigger) {
	s.flushed.Add(1)
	if !s.queue.push(batch) {
		// Only reachable if a flush races a completed drain. Capture rather
		// than lose the batch.
		go s.capture(s.deliverCtx, batch, models.FailureReason{Code: models.CodeShutdown, Message: ErrQueueClosed.Error()})
		return
	}
	metrics.DeliveryQueueDepth.WithLabelValues(s.cfg.ID).Set(float64(s.queue.len()))
	s.log.Debug().
		Str("batch_id", batch.ID).
		Uint64("sequence", batch.Sequence).
		Str("trigger", string(trigger)).
		Int("records", batch.Len()).
		Int("bytes", batch.SizeBytes).
		Msg("batch flushed")
}

// tickPeriod is how often the flush interval is checked
func (s *Stream) tickPeriod() time.Duration {
	p := s.cfg.Interval()
	if p <= 0 || p > maxTickPeriod {
		p = maxTickPeriod
	}
	return p
}

func (s *Stream) tickLoop() {
	defer s.tickWG.Done()
	period := s.tickPeriod()

	for {
		if tr := <-clock.After(s.tickCtx, period); tr.Incomplete() {
			return
		}
		s.tick()
	}
}

func (s *Stream) tick() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("tick panic recovered")
			metrics.PanicsRecovered.WithLabelValues("tick_loop").Inc()
		}
	}()
	s.batcher.Tick()
}

// deliveryWorker delivers batches one at a time in flush order until the
// queue is closed and empty
func (s *Stream) deliveryWorker() {
	defer s.deliverWG.Done()

	s.log.Info().Msg("delivery worker started")
	defer s.log.Info().Msg("delivery worker stopped")

	for {
		if batch, ok := s.queue.pop(); ok {
			metrics.DeliveryQueueDepth.WithLabelValues(s.cfg.ID).Set(float64(s.queue.len()))
			s.deliver(batch)
			continue
		}
		if s.queue.drained() {
			return
		}
		<-s.queue.notify
	}
}

func (s *Stream) deliver(batch *models.Batch) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("batch_id", batch.ID).
				Msg("delivery panic recovered")
			metrics.PanicsRecovered.WithLabelValues("delivery_worker").Inc()
			s.capture(s.deliverCtx, batch, models.FailureReason{
				Code:    models.CodeTransient,
				Message: fmt.Sprintf("delivery panic: %v", r),
			})
		}
	}()

	res := s.client.Resolve(s.deliverCtx, batch)
	switch res.State {
	case delivery.StateDelivered:
		s.delivered.Add(uint64(batch.Len()))
	case delivery.StateCaptured:
		s.delivered.Add(uint64(batch.Len() - res.Captured))
		s.captured.Add(uint64(res.Captured))
		if res.Outcome.Kind == models.OutcomePartiallyFailed {
			s.partial.Add(1)
		}
	case delivery.StateCaptureFailed:
		s.delivered.Add(uint64(batch.Len() - res.Captured))
		s.captured.Add(uint64(res.Captured - res.Lost))
		s.captureFailed.Add(uint64(res.Lost))
	}
}

// Close stops the tick loop, flushes the buffer, and drains the delivery
// queue. If ctx expires first, in-flight and queued batches stop retrying
// and go to the failure store; Close still waits for that to finish.
func (s *Stream) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.log.Info().Int("queued", s.queue.len()).Msg("stopping stream")

		s.stopTicking()
		s.tickWG.Wait()

		s.batcher.Close()
		s.queue.close()

		// Start is idempotent; a stream closed before Start still drains.
		s.Start()

		done := make(chan struct{})
		go func() {
			s.deliverWG.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			s.log.Warn().
				Int("queued", s.queue.len()).
				Msg("drain deadline reached, capturing remaining batches")
			err = fmt.Errorf("stream %s: %w", s.cfg.ID, ctx.Err())
			s.abortDelivery()
			<-done
		}
		s.abortDelivery()
		s.log.Info().Msg("stream stopped")
	})
	return err
}

// Stats returns a snapshot of the stream counters
func (s *Stream) Stats() Stats {
	return Stats{
		StreamID:       s.cfg.ID,
		State:          s.batcher.State().String(),
		BufferedBytes:  s.batcher.SizeBytes(),
		BufferedCount:  s.batcher.Len(),
		Queued:         s.queue.len(),
		Appended:       s.appended.Load(),
		Flushed:        s.flushed.Load(),
		Delivered:      s.delivered.Load(),
		PartialBatches: s.partial.Load(),
		Captured:       s.captured.Load(),
		CaptureFailed:  s.captureFailed.Load(),
	}
}

// Stats holds stream counters
type Stats struct {
	StreamID       string `json:"stream_id"`
	State          string `json:"state"`
	BufferedBytes  int    `json:"buffered_bytes"`
	BufferedCount  int    `json:"buffered_records"`
	Queued         int    `json:"queued_batches"`
	Appended       uint64 `json:"appended"`
	Flushed        uint64 `json:"flushed_batches"`
	Delivered      uint64 `json:"delivered"`
	PartialBatches uint64 `json:"partial_batches"`
	Captured       uint64 `json:"captured"`
	CaptureFailed  uint64 `json:"capture_failed"`
}
