package failure

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"unilog/internal/models"
)

// Document is one line of a failure object. RawData holds the record payload
// exactly as it was handed to the sink; JSON encodes it as base64.
type Document struct {
	AttemptsMade     int    `json:"attemptsMade"`
	ArrivalTimestamp int64  `json:"arrivalTimestamp"`
	ErrorCode        string `json:"errorCode"`
	ErrorMessage     string `json:"errorMessage"`
	StreamID         string `json:"streamId"`
	RecordID         string `json:"recordId"`
	RawData          []byte `json:"rawData"`
}

// ObjectKey returns the key of the seq-th failure object of a stream,
// partitioned by the UTC hour it was written in.
func ObjectKey(streamID string, t time.Time, seq uint64) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%02d/%s-%d-%d",
		streamID, t.Year(), int(t.Month()), t.Day(), t.Hour(), streamID, seq, t.UnixNano())
}

// Encode renders batch as newline-delimited documents, one per record
func Encode(batch *models.Batch, reason models.FailureReason) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for _, rec := range batch.Records {
		doc := Document{
			AttemptsMade:     reason.Attempts,
			ArrivalTimestamp: rec.ReceivedAt.UnixMilli(),
			ErrorCode:        reason.Code,
			ErrorMessage:     reason.Message,
			StreamID:         batch.StreamID,
			RecordID:         rec.RecordID,
			RawData:          rec.Payload,
		}
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("encoding record %s: %w", rec.RecordID, err)
		}
	}
	return buf.Bytes(), nil
}

// Decode parses an uncompressed failure object
func Decode(body []byte) ([]Document, error) {
	var docs []Document
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 4*models.MaxRecordSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var doc Document
		if err := json.Unmarshal(line, &doc); err != nil {
			return nil, fmt.Errorf("decoding failure document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}
