package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Transform error policies
const (
	OnTransformErrorCapture   = "capture"
	OnTransformErrorDrop      = "drop"
	OnTransformErrorFailBatch = "fail_batch"
)

// Failure store backends
const (
	BackendFile  = "file"
	BackendKafka = "kafka"
	BackendRedis = "redis"
)

// Config holds runtime configuration for the pipeline.
type Config struct {
	LogLevel     string             `yaml:"log_level"`
	DrainTimeout time.Duration      `yaml:"drain_timeout"`
	HTTP         HTTPConfig         `yaml:"http"`
	Sink         SinkConfig         `yaml:"sink"`
	FailureStore FailureStoreConfig `yaml:"failure_store"`
	IngestKafka  IngestKafkaConfig  `yaml:"ingest_kafka"`
	Streams      []StreamConfig     `yaml:"streams"`
}

// HTTPConfig configures the ingestion and operator HTTP server
type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	MaxBodySize int64  `yaml:"max_body_size"`
}

// SinkConfig configures the search index bulk endpoint
type SinkConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// FailureStoreConfig configures where undeliverable batches are captured
type FailureStoreConfig struct {
	Backend        string          `yaml:"backend"`
	Compression    string          `yaml:"compression"`
	CaptureRetries int             `yaml:"capture_retries"`
	File           FileStoreConfig `yaml:"file"`
	Kafka          ProducerConfig  `yaml:"kafka"`
	Redis          RedisConfig     `yaml:"redis"`
}

// FileStoreConfig configures the local directory store
type FileStoreConfig struct {
	Dir string `yaml:"dir"`
}

// ProducerConfig configures the Kafka writer pool used for dead-letter capture
type ProducerConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	PoolSize     int           `yaml:"pool_size"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// RedisConfig configures the redis stream store
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// IngestKafkaConfig configures the optional Kafka ingestion source
type IngestKafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// BackoffConfig describes exponential backoff with jitter
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// Validate rejects a backoff that cannot grow, shrinks below its first
// delay, or jitters by more than the delay itself
func (b BackoffConfig) Validate() error {
	switch {
	case b.Initial <= 0:
		return fmt.Errorf("%w: initial must be positive, got %s", ErrInvalidBackoff, b.Initial)
	case b.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be at least 1, got %g", ErrInvalidBackoff, b.Multiplier)
	case b.Max < b.Initial:
		return fmt.Errorf("%w: max %s is below initial %s", ErrInvalidBackoff, b.Max, b.Initial)
	case b.Jitter < 0 || b.Jitter > 1:
		return fmt.Errorf("%w: jitter must be within [0, 1], got %g", ErrInvalidBackoff, b.Jitter)
	}
	return nil
}

// StreamConfig is the static configuration of one logical stream.
// It is built at startup and never modified afterwards.
type StreamConfig struct {
	ID                 string        `yaml:"id"`
	Index              string        `yaml:"index"`
	ProducerKind       string        `yaml:"producer_kind"`
	Producers          []string      `yaml:"producers"`
	Transformer        string        `yaml:"transformer"`
	ServerlessCategory string        `yaml:"serverless_category"`
	SizeThresholdBytes int           `yaml:"size_threshold_bytes"`
	IntervalSeconds    int           `yaml:"interval_seconds"`
	MaxRetries         int           `yaml:"max_retries"`
	AttemptTimeout     time.Duration `yaml:"attempt_timeout"`
	OnTransformError   string        `yaml:"on_transform_error"`
	Backoff            BackoffConfig `yaml:"backoff"`
}

// Interval returns the flush interval as a duration
func (s StreamConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Default returns the configuration of the four original delivery streams.
func Default() *Config {
	cfg := &Config{
		LogLevel:     "info",
		DrainTimeout: 30 * time.Second,
		HTTP: HTTPConfig{
			Addr:        ":8080",
			MaxBodySize: 4 * 1024 * 1024,
		},
		Sink: SinkConfig{
			Endpoint: "http://localhost:9200",
			Timeout:  30 * time.Second,
		},
		FailureStore: FailureStoreConfig{
			Backend:        BackendFile,
			Compression:    "none",
			CaptureRetries: 3,
			File:           FileStoreConfig{Dir: "./failed"},
			Kafka: ProducerConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "unilog-failed",
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "unilog:failed:",
			},
		},
		IngestKafka: IngestKafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "unilog-ingest",
			GroupID: "unilog",
		},
		Streams: []StreamConfig{
			newStream("ec2-logs-delivery-stream", "ec2", "vm", "ec2"),
			newStream("ecs-fire-hose-delivery-stream", "ecs", "container", "ecs"),
			newStream("eks-fire-hose-delivery-stream", "eks", "cluster_pod", "eks"),
			newStream("lambda-logs-delivery-stream", "lambda", "serverless", "lambda"),
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML configuration file. Missing fields fall back to the
// defaults; a file that declares streams replaces the default streams.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	cfg.Streams = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if len(cfg.Streams) == 0 {
		cfg.Streams = Default().Streams
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("UNILOG_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("UNILOG_SINK_ENDPOINT"); v != "" {
		c.Sink.Endpoint = v
	}
	if v := os.Getenv("UNILOG_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
}

func (c *Config) applyDefaults() {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.Sink.Timeout <= 0 {
		c.Sink.Timeout = 30 * time.Second
	}
	for i := range c.Streams {
		if c.Streams[i].Index == "" {
			c.Streams[i].Index = c.Streams[i].ID
		}
	}
}

// DefaultStream returns a stream configuration carrying the default
// buffering, retry and error policies. ID, kind and producers are left empty.
func DefaultStream() StreamConfig {
	return StreamConfig{
		ServerlessCategory: "function",
		SizeThresholdBytes: 1024 * 1024,
		IntervalSeconds:    60,
		MaxRetries:         3,
		AttemptTimeout:     10 * time.Second,
		OnTransformError:   OnTransformErrorCapture,
		Backoff: BackoffConfig{
			Initial:    time.Second,
			Max:        30 * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
	}
}

// UnmarshalYAML decodes a stream on top of DefaultStream so omitted fields
// keep their defaults while explicit zero values are preserved.
func (s *StreamConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain StreamConfig
	p := plain(DefaultStream())
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = StreamConfig(p)
	return nil
}

func newStream(id, index, kind, producer string) StreamConfig {
	s := DefaultStream()
	s.ID = id
	s.Index = index
	s.ProducerKind = kind
	s.Producers = []string{producer}
	return s
}

// Validation errors
var (
	ErrNoStreams         = errors.New("at least one stream is required")
	ErrEmptyStreamID     = errors.New("stream id cannot be empty")
	ErrDuplicateStream   = errors.New("duplicate stream id")
	ErrNoProducers       = errors.New("stream has no producers")
	ErrDuplicateProducer = errors.New("producer bound to more than one stream")
	ErrInvalidThreshold  = errors.New("thresholds must be positive")
	ErrInvalidPolicy     = errors.New("invalid on_transform_error policy")
	ErrInvalidBackend    = errors.New("invalid failure store backend")
	ErrInvalidBackoff    = errors.New("invalid backoff")
	ErrInvalidRetries    = errors.New("capture_retries cannot be negative")
)

// Validate checks static consistency. Producer kinds and transformer names
// are resolved by the router, which reports its own errors.
func (c *Config) Validate() error {
	if len(c.Streams) == 0 {
		return ErrNoStreams
	}

	switch c.FailureStore.Backend {
	case BackendFile, BackendKafka, BackendRedis:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.FailureStore.Backend)
	}
	if c.FailureStore.CaptureRetries < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRetries, c.FailureStore.CaptureRetries)
	}

	streams := make(map[string]bool, len(c.Streams))
	producers := make(map[string]string)
	for _, s := range c.Streams {
		if s.ID == "" {
			return ErrEmptyStreamID
		}
		if streams[s.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicateStream, s.ID)
		}
		streams[s.ID] = true

		if len(s.Producers) == 0 {
			return fmt.Errorf("stream %q: %w", s.ID, ErrNoProducers)
		}
		for _, p := range s.Producers {
			if other, ok := producers[p]; ok {
				return fmt.Errorf("%w: %q (streams %q and %q)", ErrDuplicateProducer, p, other, s.ID)
			}
			producers[p] = s.ID
		}

		if s.SizeThresholdBytes <= 0 || s.IntervalSeconds <= 0 || s.MaxRetries < 0 || s.AttemptTimeout <= 0 {
			return fmt.Errorf("stream %q: %w", s.ID, ErrInvalidThreshold)
		}
		if err := s.Backoff.Validate(); err != nil {
			return fmt.Errorf("stream %q: %w", s.ID, err)
		}

		switch s.OnTransformError {
		case OnTransformErrorCapture, OnTransformErrorDrop, OnTransformErrorFailBatch:
		default:
			return fmt.Errorf("stream %q: %w: %q", s.ID, ErrInvalidPolicy, s.OnTransformError)
		}
	}
	return nil
}
