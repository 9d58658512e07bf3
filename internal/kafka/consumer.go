package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.chromium.org/luci/common/clock"

	"unilog/internal/config"
	"unilog/internal/logger"
	"unilog/internal/metrics"
	"unilog/internal/models"
	"unilog/internal/router"
)

// ProducerHeader names the message header carrying the producer identity
const ProducerHeader = "producer"

const (
	fetchRetryDelay = time.Second
	commitTimeout   = 5 * time.Second
)

// Ingestor accepts one raw record from a producer
type Ingestor interface {
	IngestRaw(ctx context.Context, producer, recordID string, payload []byte) (models.Result, error)
}

// messageReader is the subset of kafka.Reader the consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads raw log records from a topic and feeds them to the router.
// A message is committed only after the router accepted or definitively
// rejected it, so records buffered at a crash are redelivered.
type Consumer struct {
	reader  messageReader
	ingest  Ingestor
	stopped atomic.Bool

	consumed atomic.Uint64
	rejected atomic.Uint64
}

// NewConsumer creates a consumer group member for the ingestion topic
func NewConsumer(cfg config.IngestKafkaConfig, ingest Ingestor) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("topic and group id are required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10 << 20,
	})
	return newConsumer(reader, ingest), nil
}

func newConsumer(reader messageReader, ingest Ingestor) *Consumer {
	return &Consumer{reader: reader, ingest: ingest}
}

// Start consumes until ctx is cancelled, Stop is called, or the router
// stops accepting records.
func (c *Consumer) Start(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")
	log.Info().Msg("kafka consumer started")
	defer log.Info().Msg("kafka consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || c.stopped.Load() || errors.Is(err, io.EOF) {
				return nil
			}
			log.Warn().Err(err).Msg("failed to fetch message")
			metrics.KafkaConsumedTotal.WithLabelValues("fetch_error").Inc()
			if tr := <-clock.After(ctx, fetchRetryDelay); tr.Incomplete() {
				return nil
			}
			continue
		}

		producer := header(msg, ProducerHeader)
		recordID := string(msg.Key)
		if recordID == "" {
			recordID = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
		}

		result, err := c.ingest.IngestRaw(ctx, producer, recordID, msg.Value)
		switch {
		case err == nil:
			c.consumed.Add(1)
			metrics.KafkaConsumedTotal.WithLabelValues(string(result)).Inc()
		case errors.Is(err, router.ErrUnknownProducer), errors.Is(err, models.ErrEmptyRecordID), errors.Is(err, models.ErrRecordTooLong):
			// Redelivery cannot fix these; commit and move on.
			c.rejected.Add(1)
			metrics.KafkaConsumedTotal.WithLabelValues("rejected").Inc()
			log.Warn().
				Err(err).
				Str("producer", producer).
				Str("record_id", recordID).
				Int64("offset", msg.Offset).
				Msg("message rejected")
		default:
			// Not accepted (shutting down); leave uncommitted for redelivery.
			log.Info().Err(err).Int64("offset", msg.Offset).Msg("stopping consumption")
			return nil
		}

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		err = c.reader.CommitMessages(cctx, msg)
		cancel()
		if err != nil {
			log.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit message")
		}
	}
}

// Stop closes the reader, unblocking Start
func (c *Consumer) Stop() error {
	if c.stopped.Swap(true) {
		return nil
	}
	return c.reader.Close()
}

// Stats returns consumer counters
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed: c.consumed.Load(),
		Rejected: c.rejected.Load(),
	}
}

// ConsumerStats holds consumer counters
type ConsumerStats struct {
	Consumed uint64 `json:"consumed"`
	Rejected uint64 `json:"rejected"`
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
