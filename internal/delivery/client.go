// Package delivery moves flushed batches into the search index sink,
// retrying transient failures with backoff and handing whatever the sink
// never accepts to the failure store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/retry"

	"unilog/internal/config"
	"unilog/internal/logger"
	"unilog/internal/metrics"
	"unilog/internal/models"
)

// Sink writes a group of payloads to one index. On success perItem holds one
// entry per payload, nil for every payload the sink accepted. A non-nil err
// fails the whole request; perItem is then ignored. Implementations must
// return promptly once ctx is done.
type Sink interface {
	Write(ctx context.Context, index string, payloads [][]byte) (perItem []error, err error)
}

// Capturer persists records the sink never accepted
type Capturer interface {
	Capture(ctx context.Context, batch *models.Batch, reason models.FailureReason) error
}

// State is the delivery state of a batch
type State string

const (
	StateAttempting    State = "attempting"
	StateRetrying      State = "retrying"
	StateDelivered     State = "delivered"
	StateCaptured      State = "captured"
	StateCaptureFailed State = "capture_failed"
)

// Clock tags carried by the timers delivery arms
const (
	BackoffClockTag = "delivery-backoff"
	AttemptClockTag = "delivery-attempt"
)

// Config holds the per-stream delivery settings
type Config struct {
	StreamID       string
	Index          string
	MaxRetries     int
	AttemptTimeout time.Duration
	Backoff        config.BackoffConfig
}

// ConfigFromStream extracts the delivery settings of a stream
func ConfigFromStream(s config.StreamConfig) Config {
	return Config{
		StreamID:       s.ID,
		Index:          s.Index,
		MaxRetries:     s.MaxRetries,
		AttemptTimeout: s.AttemptTimeout,
		Backoff:        s.Backoff,
	}
}

// Resolution is the terminal result of Resolve. Captured counts the records
// handed to the failure store; Lost is the part of them it failed to keep.
type Resolution struct {
	Outcome  models.Outcome
	State    State
	Captured int
	Lost     int
	Err      error
}

// Client delivers the batches of one stream. Time is read from the clock
// carried by the context passed to each call.
type Client struct {
	cfg      Config
	sink     Sink
	capturer Capturer
	log      zerolog.Logger
}

// NewClient creates a delivery client
func NewClient(cfg Config, sink Sink, capturer Capturer) *Client {
	if cfg.Index == "" {
		cfg.Index = cfg.StreamID
	}
	return &Client{
		cfg:      cfg,
		sink:     sink,
		capturer: capturer,
		log:      logger.WithStream("delivery", cfg.StreamID),
	}
}

// Deliver writes batch to the sink. Transient failures are retried up to
// MaxRetries times; records the sink accepted on an earlier attempt are not
// resent. A permanent failure stops retrying immediately.
func (c *Client) Deliver(ctx context.Context, batch *models.Batch) models.Outcome {
	n := batch.Len()
	if n == 0 {
		return models.Delivered(0)
	}

	start := clock.Now(ctx)
	streamID := c.cfg.StreamID
	defer func() {
		metrics.DeliveryDuration.WithLabelValues(streamID).Observe(clock.Since(ctx, start).Seconds())
	}()

	pending := make([]int, n)
	for i := range pending {
		pending[i] = i
	}
	var rejected []int
	var lastErr, rejectErr error
	interrupted := false
	backoff := newBackoff(c.cfg.Backoff, c.cfg.MaxRetries)
	state := StateAttempting
	attempts := 0

	for {
		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("delivery interrupted: %w", err)
			interrupted = true
			break
		}

		attempts++
		perItem, err := c.attempt(ctx, pending, batch)
		if err != nil {
			lastErr = err
			if IsPermanent(err) {
				metrics.DeliveryAttemptsTotal.WithLabelValues(streamID, "permanent").Inc()
				c.log.Error().
					Err(err).
					Str("batch_id", batch.ID).
					Int("attempt", attempts).
					Msg("permanent delivery failure, not retrying")
				break
			}
			status := "transient"
			if errors.Is(err, context.DeadlineExceeded) {
				status = "timeout"
			}
			metrics.DeliveryAttemptsTotal.WithLabelValues(streamID, status).Inc()
		} else {
			var retryable []int
			accepted := 0
			for i, itemErr := range perItem {
				switch {
				case itemErr == nil:
					accepted++
				case IsPermanent(itemErr):
					rejected = append(rejected, pending[i])
					rejectErr = itemErr
				default:
					retryable = append(retryable, pending[i])
					lastErr = itemErr
				}
			}
			metrics.DeliveredRecordsTotal.WithLabelValues(streamID).Add(float64(accepted))
			pending = retryable

			if len(pending) == 0 {
				metrics.DeliveryAttemptsTotal.WithLabelValues(streamID, "success").Inc()
				break
			}
			metrics.DeliveryAttemptsTotal.WithLabelValues(streamID, "partial").Inc()
		}

		delay := backoff.Next(ctx, lastErr)
		if delay == retry.Stop {
			break
		}

		state = StateRetrying
		metrics.DeliveryRetriesTotal.WithLabelValues(streamID).Inc()
		c.log.Warn().
			Err(lastErr).
			Str("batch_id", batch.ID).
			Str("state", string(state)).
			Int("attempt", attempts).
			Int("pending", len(pending)).
			Dur("backoff", delay).
			Msg("retrying delivery")

		if tr := <-clock.After(clock.Tag(ctx, BackoffClockTag), delay); tr.Incomplete() {
			lastErr = fmt.Errorf("delivery interrupted: %w", tr.Err)
			interrupted = true
			break
		}
	}

	if ctx.Err() != nil && len(pending) > 0 {
		interrupted = true
	}

	failed := make([]int, 0, len(rejected)+len(pending))
	failed = append(append(failed, rejected...), pending...)
	sort.Ints(failed)

	reason := lastErr
	if len(pending) == 0 {
		reason = rejectErr
	}
	var outcome models.Outcome
	switch {
	case len(failed) == 0:
		outcome = models.Delivered(attempts)
	case len(failed) == n:
		outcome = models.Failed(reason.Error(), attempts)
	default:
		outcome = models.PartiallyFailed(failed, reason.Error(), attempts)
	}

	if !outcome.IsDelivered() {
		switch {
		case interrupted:
			outcome.Code = models.CodeShutdown
		case len(pending) == 0:
			outcome.Code = models.CodeRejected
		default:
			outcome.Code = failureCode(lastErr)
		}
		if len(rejected) > 0 {
			sort.Ints(rejected)
			outcome.Rejected = rejected
			outcome.RejectedReason = rejectErr.Error()
		}
	}
	metrics.DeliveryOutcomesTotal.WithLabelValues(streamID, string(outcome.Kind)).Inc()
	return outcome
}

// attempt sends the pending records once, bounded by the attempt timeout.
// An attempt that runs out of time is reported as transient.
func (c *Client) attempt(ctx context.Context, pending []int, batch *models.Batch) ([]error, error) {
	payloads := make([][]byte, len(pending))
	for i, idx := range pending {
		payloads[i] = batch.Records[idx].Payload
	}

	actx, cancel := clock.WithTimeout(clock.Tag(ctx, AttemptClockTag), c.cfg.AttemptTimeout)
	defer cancel()

	perItem, err := c.sink.Write(actx, c.cfg.Index, payloads)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, Transient(0, fmt.Errorf("attempt timed out after %s: %w", c.cfg.AttemptTimeout, context.DeadlineExceeded))
		}
		return nil, err
	}
	if len(perItem) != len(payloads) {
		return nil, Transient(0, fmt.Errorf("%w: got %d, sent %d", ErrStatusMismatch, len(perItem), len(payloads)))
	}
	return perItem, nil
}

// Resolve delivers batch and captures whatever the sink did not accept.
// Records the sink rejected are captured apart from records that failed for
// another reason, each under its own failure code. Capture runs even when
// ctx has been cancelled so that shutdown never loses records.
func (c *Client) Resolve(ctx context.Context, batch *models.Batch) Resolution {
	outcome := c.Deliver(ctx, batch)
	res := Resolution{Outcome: outcome, State: StateDelivered}
	if outcome.IsDelivered() {
		return res
	}

	failed := outcome.Indices
	if outcome.Kind == models.OutcomeFailed {
		failed = make([]int, batch.Len())
		for i := range failed {
			failed[i] = i
		}
	}

	type group struct {
		indices []int
		reason  models.FailureReason
	}
	groups := []group{{failed, outcome.FailureReason()}}
	if outcome.Mixed() {
		groups = []group{
			{outcome.Rejected, outcome.RejectedFailureReason()},
			{without(failed, outcome.Rejected), outcome.FailureReason()},
		}
	}

	captureCtx := context.WithoutCancel(ctx)
	var errs []error
	for _, g := range groups {
		sub := batch.Subset(g.indices)
		if sub.Len() == 0 {
			continue
		}
		res.Captured += sub.Len()
		if err := c.capturer.Capture(captureCtx, sub, g.reason); err != nil {
			res.Lost += sub.Len()
			errs = append(errs, err)
			c.log.Error().
				Err(err).
				Str("batch_id", batch.ID).
				Str("code", g.reason.Code).
				Int("records", sub.Len()).
				Msg("failed to capture undelivered records")
			continue
		}
		c.log.Warn().
			Str("batch_id", batch.ID).
			Str("outcome", string(outcome.Kind)).
			Str("code", g.reason.Code).
			Int("attempts", outcome.Attempts).
			Int("records", sub.Len()).
			Msg("undelivered records captured")
	}

	if len(errs) > 0 {
		res.State = StateCaptureFailed
		res.Err = errors.Join(errs...)
		return res
	}
	res.State = StateCaptured
	return res
}

// without returns the elements of all not present in drop
func without(all, drop []int) []int {
	skip := make(map[int]bool, len(drop))
	for _, i := range drop {
		skip[i] = true
	}
	out := make([]int, 0, len(all))
	for _, i := range all {
		if !skip[i] {
			out = append(out, i)
		}
	}
	return out
}
