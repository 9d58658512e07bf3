package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProducerKind represents the category of log source
type ProducerKind string

const (
	ProducerVM         ProducerKind = "vm"
	ProducerContainer  ProducerKind = "container"
	ProducerClusterPod ProducerKind = "cluster_pod"
	ProducerServerless ProducerKind = "serverless"
)

// ErrInvalidProducerKind is returned when a producer kind is not recognised
var ErrInvalidProducerKind = errors.New("invalid producer kind")

// IsValid checks if the producer kind is one of the known kinds
func (k ProducerKind) IsValid() bool {
	switch k {
	case ProducerVM, ProducerContainer, ProducerClusterPod, ProducerServerless:
		return true
	default:
		return false
	}
}

// ParseProducerKind normalizes and validates a producer kind string.
// "ec2", "ecs", "eks" and "lambda" are accepted as aliases.
func ParseProducerKind(s string) (ProducerKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vm", "ec2":
		return ProducerVM, nil
	case "container", "ecs":
		return ProducerContainer, nil
	case "cluster_pod", "clusterpod", "eks":
		return ProducerClusterPod, nil
	case "serverless", "lambda":
		return ProducerServerless, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProducerKind, s)
	}
}

// Record is the atomic unit of log data flowing through a stream.
// Records are treated as immutable: transformers return new records
// instead of editing Payload in place.
type Record struct {
	// Logical stream the record belongs to
	StreamID string `json:"stream_id"`

	// Kind of producer that emitted the record
	ProducerKind ProducerKind `json:"producer_kind"`

	// Caller supplied identifier, echoed back at the ingestion boundary
	RecordID string `json:"record_id,omitempty"`

	// Opaque log bytes
	Payload []byte `json:"payload"`

	// Time the pipeline accepted the record
	ReceivedAt time.Time `json:"received_at"`
}

// NewRecord creates a record stamped with the current time
func NewRecord(streamID string, kind ProducerKind, recordID string, payload []byte) Record {
	return Record{
		StreamID:     streamID,
		ProducerKind: kind,
		RecordID:     recordID,
		Payload:      payload,
		ReceivedAt:   time.Now().UTC(),
	}
}

// WithPayload returns a copy of the record carrying a new payload
func (r Record) WithPayload(payload []byte) Record {
	r.Payload = payload
	return r
}

// Size returns the payload size in bytes
func (r Record) Size() int {
	return len(r.Payload)
}
