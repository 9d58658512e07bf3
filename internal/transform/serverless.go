package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/tidwall/gjson"

	"unilog/internal/models"
)

// DefaultServerlessCategory is the entry type kept when none is configured
const DefaultServerlessCategory = "function"

var (
	errInvalidJSON = errors.New("payload is not valid JSON")
	errNotArray    = errors.New("payload is not a JSON array")
)

// Serverless filters a JSON array of execution-extension entries down to the
// entries whose "type" equals Category and re-keys them as logEvent_1..n.
//
// One output record is produced for every input record, even when no entry
// survives the filter (the output is then "{}"). Downstream accounting relies
// on a result per input record.
type Serverless struct {
	Category string
}

// NewServerless returns a serverless transformer keeping the given category
func NewServerless(category string) Serverless {
	if category == "" {
		category = DefaultServerlessCategory
	}
	return Serverless{Category: category}
}

func (Serverless) Name() string { return NameServerless }

func (t Serverless) Transform(rec models.Record) (models.Record, bool, error) {
	if !gjson.ValidBytes(rec.Payload) {
		return models.Record{}, false, &Error{Transformer: t.Name(), RecordID: rec.RecordID, Err: errInvalidJSON}
	}
	entries := gjson.ParseBytes(rec.Payload)
	if !entries.IsArray() {
		return models.Record{}, false, &Error{Transformer: t.Name(), RecordID: rec.RecordID, Err: errNotArray}
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	n := 0
	var compactErr error
	entries.ForEach(func(_, entry gjson.Result) bool {
		typ := entry.Get("type")
		if !entry.IsObject() || typ.Type != gjson.String || typ.Str != t.Category {
			return true
		}
		n++
		if n > 1 {
			buf.WriteByte(',')
		}
		buf.WriteString(`"logEvent_`)
		buf.WriteString(strconv.Itoa(n))
		buf.WriteString(`":`)
		if err := json.Compact(&buf, []byte(entry.Raw)); err != nil {
			compactErr = err
			return false
		}
		return true
	})
	if compactErr != nil {
		return models.Record{}, false, &Error{Transformer: t.Name(), RecordID: rec.RecordID, Err: compactErr}
	}
	buf.WriteByte('}')

	return rec.WithPayload(buf.Bytes()), true, nil
}
