package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"unilog/internal/alerts"
	"unilog/internal/config"
	"unilog/internal/delivery"
	"unilog/internal/failure"
	"unilog/internal/handlers"
	"unilog/internal/kafka"
	"unilog/internal/logger"
	"unilog/internal/metrics"
	"unilog/internal/middleware"
	"unilog/internal/models"
	"unilog/internal/pipeline"
	"unilog/internal/router"
	"unilog/internal/sink"
	"unilog/internal/state"
	"unilog/internal/storage"
	"unilog/internal/transform"
)

// Processor wires the ingestion surfaces, the stream pipeline and the
// failure path together and owns their lifecycle.
type Processor struct {
	cfg *config.Config

	store    storage.Store
	seq      state.Sequencer
	alerts   *alerts.Engine
	failures map[string]*failure.Sink
	sink     *sink.OpenSearch
	pipeline *pipeline.Pipeline
	router   *router.Router
	consumer *kafka.Consumer

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	return &Processor{
		cfg:      cfg,
		failures: make(map[string]*failure.Sink),
	}
}

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("processor starting")

	if err := p.Init(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize processor")
		return err
	}
	p.pipeline.Start()

	ln, err := net.Listen("tcp", p.cfg.HTTP.Addr)
	if err != nil {
		p.closeAll(ctx)
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.HTTP.Addr, err)
	}
	p.listener = ln
	p.httpServer = &http.Server{
		Handler:      p.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in background
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", ln.Addr().String()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if p.consumer != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("kafka consumer error")
			}
		}()
	}

	// Stats reporting goroutine
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	// Graceful shutdown
	return p.shutdown()
}

// Addr returns the address the HTTP server listens on, once Run started it
func (p *Processor) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Validate runs every startup check that needs no network or disk: the
// static config rules, the failure store compression, the sink settings and
// each stream's producer kind and transformer.
func Validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := storage.ParseCompression(cfg.FailureStore.Compression); err != nil {
		return fmt.Errorf("failure store: %w", err)
	}
	if _, err := sink.NewOpenSearch(cfg.Sink, nil); err != nil {
		return err
	}
	for _, sc := range cfg.Streams {
		kind, err := models.ParseProducerKind(sc.ProducerKind)
		if err != nil {
			return fmt.Errorf("stream %q: %w", sc.ID, err)
		}
		if _, err := transform.ForKind(kind, sc.Transformer, transform.Options{ServerlessCategory: sc.ServerlessCategory}); err != nil {
			return fmt.Errorf("stream %q: %w", sc.ID, err)
		}
	}
	return nil
}

// Init builds every component from the configuration. Streams are created
// but not started.
func (p *Processor) Init(ctx context.Context) error {
	log := logger.WithComponent("processor")

	if err := p.initFailurePath(); err != nil {
		return fmt.Errorf("failed to initialize failure store: %w", err)
	}

	s, err := sink.NewOpenSearch(p.cfg.Sink, nil)
	if err != nil {
		p.closeAll(ctx)
		return fmt.Errorf("failed to initialize sink: %w", err)
	}
	p.sink = s

	p.pipeline = pipeline.New(ctx, p.cfg, p.sink, func(sc config.StreamConfig) delivery.Capturer {
		return p.failures[sc.ID]
	})

	streams := make(map[string]router.Stream, len(p.cfg.Streams))
	for _, st := range p.pipeline.Streams() {
		streams[st.ID()] = st
	}
	r, err := router.New(p.cfg, streams)
	if err != nil {
		p.closeAll(ctx)
		return fmt.Errorf("failed to initialize router: %w", err)
	}
	p.router = r

	if p.cfg.IngestKafka.Enabled {
		c, err := kafka.NewConsumer(p.cfg.IngestKafka, p.router)
		if err != nil {
			p.closeAll(ctx)
			return fmt.Errorf("failed to initialize kafka consumer: %w", err)
		}
		p.consumer = c
		log.Info().
			Strs("brokers", p.cfg.IngestKafka.Brokers).
			Str("topic", p.cfg.IngestKafka.Topic).
			Msg("kafka ingestion enabled")
	}

	log.Info().
		Int("streams", len(p.cfg.Streams)).
		Strs("producers", p.router.Producers()).
		Str("failure_backend", p.cfg.FailureStore.Backend).
		Str("sink", p.cfg.Sink.Endpoint).
		Msg("processor initialized")
	return nil
}

// initFailurePath builds the failure store, the object sequencer and one
// failure sink per stream
func (p *Processor) initFailurePath() error {
	fc := p.cfg.FailureStore

	compression, err := storage.ParseCompression(fc.Compression)
	if err != nil {
		return err
	}

	if fc.Backend == config.BackendRedis {
		// Store and sequencer share one pool so numbering survives restarts;
		// closing the store closes the pool.
		pool := storage.NewRedisPool(fc.Redis)
		p.store = storage.NewRedisStoreWithPool(pool, fc.Redis.KeyPrefix)
		p.seq = state.NewRedisSequencer(pool, fc.Redis.KeyPrefix)
	} else {
		store, err := storage.New(fc)
		if err != nil {
			return err
		}
		p.store = store
		p.seq = state.NewMemorySequencer()
	}

	p.alerts = alerts.NewEngine(alerts.DefaultRule, nil)
	for _, sc := range p.cfg.Streams {
		p.failures[sc.ID] = failure.NewSink(failure.Config{
			StreamID:    sc.ID,
			Compression: compression,
			Retries:     fc.CaptureRetries,
		}, p.store, p.seq, p.alerts)
	}
	return nil
}

// Handler returns the HTTP handler serving ingestion and operator routes
func (p *Processor) Handler() http.Handler {
	mux := http.NewServeMux()

	// Ingest handler (with middleware)
	ingestHandler := handlers.NewIngestHandler(handlers.IngestConfig{
		Ingestor:    p.router,
		MaxBodySize: p.cfg.HTTP.MaxBodySize,
	})
	mux.Handle("POST /v1/streams/{producer}/records", ingestHandler)

	// Health check
	mux.HandleFunc("GET /health", p.healthHandler)

	// Stats endpoint
	mux.HandleFunc("GET /stats", p.statsHandler)

	// Prometheus metrics endpoint
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.Chain(mux, middleware.Recovery, middleware.Logging)
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop consuming; uncommitted messages are redelivered
	if p.consumer != nil {
		log.Info().Msg("stopping kafka consumer")
		if err := p.consumer.Stop(); err != nil {
			log.Error().Err(err).Msg("kafka consumer close error")
		}
	}

	// 3. Wait for all goroutines
	p.wg.Wait()

	// 4. Flush and drain every stream, then close the failure store
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	defer cancelDrain()
	err := p.closeAll(drainCtx)
	if err != nil {
		log.Error().Err(err).Msg("processor stopped with undrained streams")
		return err
	}

	log.Info().Msg("processor stopped gracefully")
	return nil
}

// closeAll drains the pipeline and releases storage. It tolerates
// partially initialized processors.
func (p *Processor) closeAll(ctx context.Context) error {
	log := logger.WithComponent("processor")
	var errs []error

	if p.pipeline != nil {
		log.Info().Msg("draining pipeline")
		if err := p.pipeline.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.store != nil {
		log.Info().Msg("closing failure store")
		if err := p.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failure store close: %w", err))
		}
	}
	if p.seq != nil {
		if err := p.seq.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sequencer close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range p.pipeline.Stats() {
				metrics.DeliveryQueueDepth.WithLabelValues(st.StreamID).Set(float64(st.Queued))
				log.Info().
					Str("stream_id", st.StreamID).
					Str("state", st.State).
					Int("buffered_bytes", st.BufferedBytes).
					Int("queued_batches", st.Queued).
					Uint64("delivered", st.Delivered).
					Uint64("captured", st.Captured).
					Uint64("capture_failed", st.CaptureFailed).
					Msg("stats")
			}
			sinkStats := p.sink.Stats()
			log.Info().
				Uint64("sink_requests", sinkStats.Requests).
				Uint64("sink_indexed", sinkStats.Indexed).
				Uint64("sink_rejected", sinkStats.Rejected).
				Uint64("alerts_fired", p.alerts.Fired()).
				Msg("stats")
		}
	}
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	// Check sink connectivity
	if err := p.sink.HealthCheck(ctx); err != nil {
		http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// StatsResponse is served on /stats
type StatsResponse struct {
	Streams     []pipeline.Stats         `json:"streams"`
	Sink        sink.Stats               `json:"sink"`
	Failures    map[string]failure.Stats `json:"failures"`
	Consumer    *kafka.ConsumerStats     `json:"consumer,omitempty"`
	AlertsFired uint64                   `json:"alerts_fired"`
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Streams:     p.pipeline.Stats(),
		Sink:        p.sink.Stats(),
		Failures:    make(map[string]failure.Stats, len(p.failures)),
		AlertsFired: p.alerts.Fired(),
	}
	for id, f := range p.failures {
		resp.Failures[id] = f.Stats()
	}
	if p.consumer != nil {
		cs := p.consumer.Stats()
		resp.Consumer = &cs
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
