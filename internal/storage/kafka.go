package storage

import (
	"context"
	"fmt"

	"unilog/internal/config"
	"unilog/internal/kafka"
	"unilog/internal/metrics"
)

// KafkaStore publishes each object to a dead-letter topic, keyed by the
// object key so that objects of one stream share a partition.
type KafkaStore struct {
	producer *kafka.Producer
}

// NewKafkaStore creates a store with its own producer pool
func NewKafkaStore(cfg config.ProducerConfig) (*KafkaStore, error) {
	producer, err := kafka.NewProducer(cfg.Brokers, cfg.Topic, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka store: %w", err)
	}
	return &KafkaStore{producer: producer}, nil
}

func (s *KafkaStore) Persist(ctx context.Context, key string, payload []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   key,
		Value: payload,
		Headers: map[string]string{
			"stream_id": streamOf(key),
		},
	}
	if err := s.producer.Publish(ctx, msg); err != nil {
		return fmt.Errorf("kafka store: %w", err)
	}
	metrics.FailureStoreBytesWritten.WithLabelValues("kafka").Add(float64(len(payload)))
	return nil
}

func (s *KafkaStore) Close() error {
	return s.producer.Close()
}
