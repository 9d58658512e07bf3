package models

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// Result is the per-record answer returned at the ingestion boundary
type Result string

const (
	ResultOk               Result = "Ok"
	ResultProcessingFailed Result = "ProcessingFailed"
	ResultDropped          Result = "Dropped"
)

// Validation errors
var (
	ErrEmptyRecordID = errors.New("record ID cannot be empty")
	ErrInvalidData   = errors.New("data is not valid base64")
	ErrRecordTooLong = errors.New("record exceeds maximum length")
)

const (
	MaxRecordSize = 1000 * 1024 // 1000 KiB per record
)

// InboundRecord is one record as delivered by a producer
type InboundRecord struct {
	RecordID string `json:"recordId"`
	Data     string `json:"data"`
}

// ProcessedRecord is the pipeline's answer for one inbound record.
// RecordID always echoes the inbound value unchanged.
type ProcessedRecord struct {
	RecordID string `json:"recordId"`
	Result   Result `json:"result"`
	Data     string `json:"data"`
}

// Validate checks the inbound record's required fields
func (r InboundRecord) Validate() error {
	if r.RecordID == "" {
		return ErrEmptyRecordID
	}
	return nil
}

// Decode returns the raw bytes carried by the record
func (r InboundRecord) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(r.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	if len(data) > MaxRecordSize {
		return nil, ErrRecordTooLong
	}
	return data, nil
}

// Ok builds a successful response carrying the transformed payload
func Ok(recordID string, payload []byte) ProcessedRecord {
	return ProcessedRecord{
		RecordID: recordID,
		Result:   ResultOk,
		Data:     base64.StdEncoding.EncodeToString(payload),
	}
}

// ProcessingFailed builds a failure response echoing the original data
func ProcessingFailed(recordID, data string) ProcessedRecord {
	return ProcessedRecord{RecordID: recordID, Result: ResultProcessingFailed, Data: data}
}

// Dropped builds a response for a record that was intentionally discarded
func Dropped(recordID string) ProcessedRecord {
	return ProcessedRecord{RecordID: recordID, Result: ResultDropped}
}
