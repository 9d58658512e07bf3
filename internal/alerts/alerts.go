// Package alerts escalates failures that lose data, i.e. captures that could
// not be written to the failure store.
package alerts

import (
	"context"
	"sync"

	"unilog/internal/logger"
)

// Rule defines a simple threshold-based alert rule.
type Rule struct {
	Name      string
	Threshold float64
}

// DefaultRule fires on every failed capture
var DefaultRule = Rule{Name: "capture_failed", Threshold: 0}

// Alert is passed to the escalation hook
type Alert struct {
	Rule     string
	StreamID string
	Records  int
	// Consecutive failed captures of the stream, including this one
	Value float64
	Err   error
}

// Hook receives fired alerts. It is called synchronously.
type Hook func(ctx context.Context, alert Alert)

// Engine tracks consecutive capture failures per stream and fires the hook
// when a stream crosses the rule threshold.
type Engine struct {
	rule Rule
	hook Hook

	mu          sync.Mutex
	consecutive map[string]float64
	fired       uint64
}

// NewEngine creates an engine; hook may be nil
func NewEngine(rule Rule, hook Hook) *Engine {
	return &Engine{
		rule:        rule,
		hook:        hook,
		consecutive: make(map[string]float64),
	}
}

// Evaluate reports whether value breaches the rule
func (e *Engine) Evaluate(rule Rule, value float64) bool {
	return value > rule.Threshold
}

// CaptureFailed records a failed capture and escalates it
func (e *Engine) CaptureFailed(ctx context.Context, streamID string, records int, err error) {
	e.mu.Lock()
	e.consecutive[streamID]++
	value := e.consecutive[streamID]
	fire := e.Evaluate(e.rule, value)
	if fire {
		e.fired++
	}
	e.mu.Unlock()

	if !fire {
		return
	}

	log := logger.WithStream("alerts", streamID)
	log.Error().
		Err(err).
		Bool("alert", true).
		Str("rule", e.rule.Name).
		Int("records", records).
		Float64("consecutive_failures", value).
		Msg("records lost: capture to failure store failed")

	if e.hook != nil {
		e.hook(ctx, Alert{
			Rule:     e.rule.Name,
			StreamID: streamID,
			Records:  records,
			Value:    value,
			Err:      err,
		})
	}
}

// CaptureSucceeded resets the failure streak of a stream
func (e *Engine) CaptureSucceeded(streamID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.consecutive, streamID)
}

// Fired returns how many alerts have fired
func (e *Engine) Fired() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired
}
