package pipeline

import (
	"context"
	"errors"
	"sync"

	"unilog/internal/config"
	"unilog/internal/delivery"
	"unilog/internal/logger"
)

// CapturerFactory returns the failure capturer of a stream
type CapturerFactory func(sc config.StreamConfig) delivery.Capturer

// Pipeline is the set of all configured streams
type Pipeline struct {
	streams []*Stream
	byID    map[string]*Stream
}

// New builds one Stream per configured stream. All streams share the sink
// client; each gets its own capturer.
func New(ctx context.Context, cfg *config.Config, sink delivery.Sink, capturers CapturerFactory) *Pipeline {
	p := &Pipeline{byID: make(map[string]*Stream, len(cfg.Streams))}
	for _, sc := range cfg.Streams {
		s := NewStream(ctx, sc, sink, capturers(sc))
		p.streams = append(p.streams, s)
		p.byID[sc.ID] = s
	}
	return p
}

// Start starts every stream
func (p *Pipeline) Start() {
	for _, s := range p.streams {
		s.Start()
	}
}

// Stream returns the stream with the given id
func (p *Pipeline) Stream(id string) (*Stream, bool) {
	s, ok := p.byID[id]
	return s, ok
}

// Streams returns the streams in configuration order
func (p *Pipeline) Streams() []*Stream {
	return p.streams
}

// Close drains all streams concurrently
func (p *Pipeline) Close(ctx context.Context) error {
	log := logger.WithComponent("pipeline")
	log.Info().Int("streams", len(p.streams)).Msg("draining streams")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range p.streams {
		wg.Add(1)
		go func(s *Stream) {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	log.Info().Msg("all streams drained")
	return errors.Join(errs...)
}

// Stats returns per-stream stats in configuration order
func (p *Pipeline) Stats() []Stats {
	out := make([]Stats, 0, len(p.streams))
	for _, s := range p.streams {
		out = append(out, s.Stats())
	}
	return out
}
