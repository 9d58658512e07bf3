// Package transform holds the per-producer record transformers.
//
// A Transformer maps one record to zero or one record and must not touch
// shared state. The variant bound to a stream is chosen once, when the
// stream is configured, from its producer kind.
package transform

import (
	"errors"
	"fmt"
	"strings"

	"unilog/internal/models"
)

// Transformer names accepted in stream configuration
const (
	NamePassthrough = "none"
	NamePlainText   = "plaintext"
	NameServerless  = "serverless"
)

var (
	// ErrTransform is matched by every error a transformer returns
	ErrTransform = errors.New("transform error")

	// ErrUnknownTransformer is returned for an unrecognised transformer name
	ErrUnknownTransformer = errors.New("unknown transformer")
)

// Error reports a payload that is malformed for the declared producer kind
type Error struct {
	Transformer string
	RecordID    string
	Err         error
}

func (e *Error) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("transform %s: record %s: %v", e.Transformer, e.RecordID, e.Err)
	}
	return fmt.Sprintf("transform %s: %v", e.Transformer, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every *Error match ErrTransform
func (e *Error) Is(target error) bool { return target == ErrTransform }

// Transformer maps a record to zero or one output record.
// ok is false when the record is intentionally dropped.
type Transformer interface {
	Name() string
	Transform(rec models.Record) (out models.Record, ok bool, err error)
}

// Options carries the per-stream knobs some transformers need
type Options struct {
	// ServerlessCategory is the entry type kept by the serverless transformer
	ServerlessCategory string
}

// ForKind resolves the transformer for a producer kind. An empty name picks
// the kind's default: plain text wrapping for VMs, entry filtering for
// serverless producers, and passthrough for containers and cluster pods.
func ForKind(kind models.ProducerKind, name string, opts Options) (Transformer, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidProducerKind, kind)
	}

	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		switch kind {
		case models.ProducerVM:
			name = NamePlainText
		case models.ProducerServerless:
			name = NameServerless
		default:
			name = NamePassthrough
		}
	}

	switch name {
	case NamePassthrough, "passthrough":
		return Passthrough{}, nil
	case NamePlainText:
		return PlainText{}, nil
	case NameServerless:
		return NewServerless(opts.ServerlessCategory), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransformer, name)
	}
}

// Passthrough forwards records unchanged
type Passthrough struct{}

func (Passthrough) Name() string { return NamePassthrough }

func (Passthrough) Transform(rec models.Record) (models.Record, bool, error) {
	return rec, true, nil
}
