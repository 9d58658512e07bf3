// Package router maps producer identities to logical streams and runs each
// inbound record through its stream's transformer.
package router

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"unilog/internal/config"
	"unilog/internal/logger"
	"unilog/internal/metrics"
	"unilog/internal/models"
	"unilog/internal/transform"
)

// Router errors
var (
	ErrUnknownProducer = errors.New("unknown producer")
	ErrMissingStream   = errors.New("no stream runtime for configured stream")
	ErrStopped         = errors.New("stream is not accepting records")
)

// Stream is the per-stream runtime records are routed into
type Stream interface {
	// Append buffers a transformed record
	Append(rec models.Record) error
	// Capture writes records straight to the failure store
	Capture(ctx context.Context, recs []models.Record, reason models.FailureReason) error
	// FailBatch captures the current buffer together with bad
	FailBatch(ctx context.Context, bad models.Record, reason models.FailureReason) error
}

type route struct {
	cfg         config.StreamConfig
	kind        models.ProducerKind
	transformer transform.Transformer
	stream      Stream
}

// Router is immutable after New and safe for concurrent use
type Router struct {
	routes map[string]*route
	log    zerolog.Logger
}

// New resolves every stream's producer kind and transformer and indexes the
// streams by producer identity.
func New(cfg *config.Config, streams map[string]Stream) (*Router, error) {
	r := &Router{
		routes: make(map[string]*route),
		log:    logger.WithComponent("router"),
	}

	for _, sc := range cfg.Streams {
		kind, err := models.ParseProducerKind(sc.ProducerKind)
		if err != nil {
			return nil, fmt.Errorf("stream %q: %w", sc.ID, err)
		}
		t, err := transform.ForKind(kind, sc.Transformer, transform.Options{ServerlessCategory: sc.ServerlessCategory})
		if err != nil {
			return nil, fmt.Errorf("stream %q: %w", sc.ID, err)
		}
		stream, ok := streams[sc.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingStream, sc.ID)
		}
		if len(sc.Producers) == 0 {
			return nil, fmt.Errorf("stream %q: %w", sc.ID, config.ErrNoProducers)
		}

		rt := &route{cfg: sc, kind: kind, transformer: t, stream: stream}
		for _, p := range sc.Producers {
			if other, dup := r.routes[p]; dup {
				return nil, fmt.Errorf("%w: %q (streams %q and %q)", config.ErrDuplicateProducer, p, other.cfg.ID, sc.ID)
			}
			r.routes[p] = rt
		}

		r.log.Info().
			Str("stream_id", sc.ID).
			Strs("producers", sc.Producers).
			Str("kind", string(kind)).
			Str("transformer", t.Name()).
			Str("on_transform_error", sc.OnTransformError).
			Msg("stream routed")
	}
	return r, nil
}

// Resolve returns the stream a producer is bound to
func (r *Router) Resolve(producer string) (string, error) {
	rt, ok := r.routes[producer]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProducer, producer)
	}
	return rt.cfg.ID, nil
}

// Producers returns the known producer identities, sorted
func (r *Router) Producers() []string {
	out := make([]string, 0, len(r.routes))
	for p := range r.routes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Ingest processes a request of base64 encoded records from one producer.
// It answers once per record, in request order, echoing each record id.
// An error means the request as a whole was refused.
func (r *Router) Ingest(ctx context.Context, producer string, records []models.InboundRecord) ([]models.ProcessedRecord, error) {
	rt, ok := r.routes[producer]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProducer, producer)
	}
	for i, in := range records {
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}

	metrics.IngestRequestSize.Observe(float64(len(records)))

	out := make([]models.ProcessedRecord, 0, len(records))
	for _, in := range records {
		payload, err := in.Decode()
		if err != nil {
			r.log.Warn().
				Err(err).
				Str("stream_id", rt.cfg.ID).
				Str("record_id", in.RecordID).
				Msg("undecodable record")
			metrics.IngestRecordsTotal.WithLabelValues(rt.cfg.ID, string(models.ResultProcessingFailed)).Inc()
			out = append(out, models.ProcessingFailed(in.RecordID, in.Data))
			continue
		}

		pr, err := r.process(ctx, rt, in.RecordID, payload, in.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, nil
}

// IngestRaw processes a single record carried as raw bytes
func (r *Router) IngestRaw(ctx context.Context, producer, recordID string, payload []byte) (models.Result, error) {
	rt, ok := r.routes[producer]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProducer, producer)
	}
	if recordID == "" {
		return "", models.ErrEmptyRecordID
	}
	if len(payload) > models.MaxRecordSize {
		return "", models.ErrRecordTooLong
	}

	pr, err := r.process(ctx, rt, recordID, payload, base64.StdEncoding.EncodeToString(payload))
	if err != nil {
		return "", err
	}
	return pr.Result, nil
}

func (r *Router) process(ctx context.Context, rt *route, recordID string, payload []byte, data string) (models.ProcessedRecord, error) {
	rec := models.NewRecord(rt.cfg.ID, rt.kind, recordID, payload)

	transformed, ok, err := rt.transformer.Transform(rec)
	if err != nil {
		result := r.handleTransformError(ctx, rt, rec, err)
		metrics.IngestRecordsTotal.WithLabelValues(rt.cfg.ID, string(result)).Inc()
		if result == models.ResultDropped {
			return models.Dropped(recordID), nil
		}
		return models.ProcessingFailed(recordID, data), nil
	}
	if !ok {
		metrics.IngestRecordsTotal.WithLabelValues(rt.cfg.ID, string(models.ResultDropped)).Inc()
		return models.Dropped(recordID), nil
	}

	if err := rt.stream.Append(transformed); err != nil {
		return models.ProcessedRecord{}, fmt.Errorf("%w: %s: %v", ErrStopped, rt.cfg.ID, err)
	}
	metrics.IngestRecordsTotal.WithLabelValues(rt.cfg.ID, string(models.ResultOk)).Inc()
	return models.Ok(recordID, transformed.Payload), nil
}

// handleTransformError applies the stream's on_transform_error policy
func (r *Router) handleTransformError(ctx context.Context, rt *route, rec models.Record, terr error) models.Result {
	policy := rt.cfg.OnTransformError
	metrics.TransformErrorsTotal.WithLabelValues(rt.cfg.ID, policy).Inc()

	log := r.log.With().
		Str("stream_id", rt.cfg.ID).
		Str("record_id", rec.RecordID).
		Str("policy", policy).
		Logger()
	log.Warn().Err(terr).Msg("transform failed")

	reason := models.FailureReason{Code: models.CodeTransform, Message: terr.Error()}
	switch policy {
	case config.OnTransformErrorDrop:
		return models.ResultDropped
	case config.OnTransformErrorFailBatch:
		if err := rt.stream.FailBatch(ctx, rec, reason); err != nil {
			log.Error().Err(err).Msg("failed to capture batch after transform error")
		}
	default:
		if err := rt.stream.Capture(ctx, []models.Record{rec}, reason); err != nil {
			log.Error().Err(err).Msg("failed to capture record after transform error")
		}
	}
	return models.ResultProcessingFailed
}
