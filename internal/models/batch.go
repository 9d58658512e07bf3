package models

import (
	"time"
)

// Batch is a time- or size-bounded group of transformed records of one stream.
// A batch is owned by the batcher until it is handed off; after that the
// receiver owns it exclusively.
type Batch struct {
	// Unique batch identifier
	ID string `json:"id"`

	StreamID string `json:"stream_id"`

	// Per-stream flush sequence number, starting at 0
	Sequence uint64 `json:"sequence"`

	// Records in arrival order
	Records []Record `json:"records"`

	// Time the first record entered the buffer
	CreatedAt time.Time `json:"created_at"`

	// Sum of the record payload sizes
	SizeBytes int `json:"size_bytes"`
}

// Len returns the number of records in the batch
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

// Subset returns a new batch holding only the records at the given indices,
// in index order. Out of range indices are ignored.
func (b *Batch) Subset(indices []int) *Batch {
	sub := &Batch{
		ID:        b.ID,
		StreamID:  b.StreamID,
		Sequence:  b.Sequence,
		CreatedAt: b.CreatedAt,
		Records:   make([]Record, 0, len(indices)),
	}
	for _, i := range indices {
		if i < 0 || i >= len(b.Records) {
			continue
		}
		sub.Records = append(sub.Records, b.Records[i])
		sub.SizeBytes += b.Records[i].Size()
	}
	return sub
}

// ComputeSize recomputes the payload size sum from the records
func (b *Batch) ComputeSize() int {
	total := 0
	for _, r := range b.Records {
		total += r.Size()
	}
	return total
}
