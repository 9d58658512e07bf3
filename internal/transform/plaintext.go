package transform

import (
	"bytes"
	"encoding/json"
	"fmt"

	"unilog/internal/models"
)

// PlainText wraps raw text from VM agents into {"logs": "<text>"}.
// It never drops a record.
type PlainText struct{}

type plainTextEnvelope struct {
	Logs string `json:"logs"`
}

func (PlainText) Name() string { return NamePlainText }

func (t PlainText) Transform(rec models.Record) (models.Record, bool, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(plainTextEnvelope{Logs: string(rec.Payload)}); err != nil {
		return models.Record{}, false, &Error{Transformer: t.Name(), RecordID: rec.RecordID, Err: fmt.Errorf("encoding envelope: %w", err)}
	}
	// Encode appends a newline
	out := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	return rec.WithPayload(out), true, nil
}
