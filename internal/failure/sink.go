// Package failure captures records that could not be delivered, writing
// them to a durable store in a layout that preserves their original bytes.
package failure

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/retry"

	"unilog/internal/logger"
	"unilog/internal/metrics"
	"unilog/internal/models"
	"unilog/internal/state"
	"unilog/internal/storage"
)

// DefaultRetryDelay is the first wait between capture attempts
const DefaultRetryDelay = 200 * time.Millisecond

// CaptureError is returned when a failure object could not be written after
// all local retries. The records it names are lost unless the escalation
// path recovers them.
type CaptureError struct {
	StreamID string
	Key      string
	Records  int
	Attempts int
	Err      error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capturing %d record(s) of stream %s as %s failed after %d attempt(s): %v",
		e.Records, e.StreamID, e.Key, e.Attempts, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Escalator is told about every capture result so it can raise alerts
type Escalator interface {
	CaptureFailed(ctx context.Context, streamID string, records int, err error)
	CaptureSucceeded(streamID string)
}

// Config holds the per-stream capture settings
type Config struct {
	StreamID    string
	Compression storage.Compression
	// Retries after the first attempt
	Retries    int
	RetryDelay time.Duration
}

// Stats holds capture counters
type Stats struct {
	Objects  uint64 `json:"objects"`
	Records  uint64 `json:"records"`
	Failures uint64 `json:"failures"`
}

// Sink captures the failed records of one stream
type Sink struct {
	cfg       Config
	store     storage.Store
	seq       state.Sequencer
	escalator Escalator
	log       zerolog.Logger

	// used when the sequencer is unavailable
	fallbackSeq atomic.Uint64

	objects  atomic.Uint64
	records  atomic.Uint64
	failures atomic.Uint64
}

// NewSink creates a failure sink. A nil sequencer keeps numbers in memory;
// a nil escalator disables alerting.
func NewSink(cfg Config, store storage.Store, seq state.Sequencer, escalator Escalator) *Sink {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if seq == nil {
		seq = state.NewMemorySequencer()
	}
	return &Sink{
		cfg:       cfg,
		store:     store,
		seq:       seq,
		escalator: escalator,
		log:       logger.WithStream("failure_sink", cfg.StreamID),
	}
}

// Capture writes batch as a single failure object. Writes are retried
// locally; once retries are exhausted the failure is escalated and a
// *CaptureError is returned.
func (s *Sink) Capture(ctx context.Context, batch *models.Batch, reason models.FailureReason) error {
	if batch.Len() == 0 {
		return nil
	}
	streamID := s.cfg.StreamID

	body, err := Encode(batch, reason)
	if err == nil {
		body, err = storage.Compress(body, s.cfg.Compression)
	}
	if err != nil {
		return s.escalate(ctx, &CaptureError{StreamID: streamID, Records: batch.Len(), Err: err})
	}

	key := ObjectKey(streamID, clock.Now(ctx), s.nextSeq(ctx)) + s.cfg.Compression.Extension()

	attempts := 0
	err = retry.Retry(ctx, s.retryPolicy, func() error {
		attempts++
		return s.store.Persist(ctx, key, body)
	}, func(err error, wait time.Duration) {
		s.log.Warn().
			Err(err).
			Str("key", key).
			Dur("wait", wait).
			Msg("failure store write failed, retrying")
	})
	if err != nil {
		return s.escalate(ctx, &CaptureError{
			StreamID: streamID,
			Key:      key,
			Records:  batch.Len(),
			Attempts: attempts,
			Err:      err,
		})
	}

	s.objects.Add(1)
	s.records.Add(uint64(batch.Len()))
	metrics.CapturedRecordsTotal.WithLabelValues(streamID, reason.Code).Add(float64(batch.Len()))
	if s.escalator != nil {
		s.escalator.CaptureSucceeded(streamID)
	}

	s.log.Info().
		Str("key", key).
		Str("error_code", reason.Code).
		Int("records", batch.Len()).
		Int("bytes", len(body)).
		Msg("records captured")
	return nil
}

func (s *Sink) retryPolicy() retry.Iterator {
	return &retry.ExponentialBackoff{
		Limited: retry.Limited{
			Delay:   s.cfg.RetryDelay,
			Retries: s.cfg.Retries,
		},
		Multiplier: 2,
	}
}

func (s *Sink) nextSeq(ctx context.Context) uint64 {
	n, err := s.seq.Next(ctx, s.cfg.StreamID)
	if err != nil {
		n = s.fallbackSeq.Add(1) - 1
		s.log.Warn().Err(err).Uint64("seq", n).Msg("sequencer unavailable, using local sequence")
	}
	return n
}

func (s *Sink) escalate(ctx context.Context, cerr *CaptureError) error {
	s.failures.Add(1)
	metrics.CaptureFailuresTotal.WithLabelValues(cerr.StreamID).Inc()
	s.log.Error().
		Err(cerr.Err).
		Bool("alert", true).
		Str("key", cerr.Key).
		Int("records", cerr.Records).
		Int("attempts", cerr.Attempts).
		Msg("failed to capture undeliverable records")
	if s.escalator != nil {
		s.escalator.CaptureFailed(ctx, cerr.StreamID, cerr.Records, cerr)
	}
	return cerr
}

// Stats returns capture counters
func (s *Sink) Stats() Stats {
	return Stats{
		Objects:  s.objects.Load(),
		Records:  s.records.Load(),
		Failures: s.failures.Load(),
	}
}
