package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilog_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unilog_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unilog_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unilog_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Ingest metrics
	IngestRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilog_ingest_records_total",
			Help: "Total number of records received at the ingestion boundary",
		},
		[]string{"stream_id", "result"}, // result: Ok, ProcessingFailed, Dropped
	)

	IngestRequestSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unilog_ingest_request_records",
			Help:    "Number of records per ingestion request",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	TransformErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilog_transform_errors_total",
			Help: "Total number of records rejected by their transformer",
		},
		[]string{"stream_id", "policy"},
	)

	// Batcher metrics
	BatchesFlushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilog_batches_flushed_total",
			Help: "Total number of batches flushed, by trigger",
		},
		[]string{"stream_id", "trigger"}, // trigger: size, interval, shutdown
	)

	BatchSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unilog_batch_size_bytes",
			Help:    "Size of flushed batches in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
		[]string{"stream_id"},
	)

	DeliveryQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unilog_delivery_queue_depth",
			Help: "Flushed batches waiting for delivery",
		},
		[]string{"stream_id"},
	)

	// Delivery metrics
	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilog_delivery_attempts_total",
			Help: "Total number of sink write attempts",
		},
		[]string{"stream_id", "status"}, // status: success, transient, permanent, partial
	)

	DeliveryRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilog_delivery_retries_total",
			Help: "Total number of sink write retries",
		},
		[]string{"stream_id"},
	)

	DeliveryOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilog_delivery_outcomes_total",
			Help: "Total number of resolved batches by outcome",
		},
		[]string{"stream_id", "outcome"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unilog_delivery_duration_seconds",
			Help:    "Time taken to resolve a batch, retries included",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stream_id"},
	)

	DeliveredRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilog_delivered_records_total",
			Help: "Total number of records accepted by the sink",
		},
		[]string{"stream_id"},
	)

	// Failure sink metrics
	CapturedRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilog_captured_records_total",
			Help: "Total number of records written to the failure store",
		},
		[]string{"stream_id", "reason"},
	)

	CaptureFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilog_capture_failures_total",
			Help: "Batches that could not be written to the failure store (alert on any increase)",
		},
		[]string{"stream_id"},
	)

	FailureStoreBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilog_failure_store_bytes_written_total",
			Help: "Total bytes written to the failure store",
		},
		[]string{"backend"},
	)

	// Kafka metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilog_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unilog_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilog_kafka_consumed_total",
			Help: "Total number of messages consumed from the ingestion topic",
		},
		[]string{"status"}, // status: accepted, rejected
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unilog_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
