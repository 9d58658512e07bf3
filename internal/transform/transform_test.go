package transform

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"unilog/internal/models"
)

func record(kind models.ProducerKind, payload string) models.Record {
	return models.NewRecord("test-stream", kind, "rec-1", []byte(payload))
}

func decode(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("output is not a JSON object: %v (%s)", err, payload)
	}
	return out
}

func TestServerless_FiltersAndRekeys(t *testing.T) {
	in := `[{"type":"function","msg":"a"},{"type":"platform","msg":"b"},{"type":"function","msg":"c"}]`

	out, ok, err := NewServerless("").Transform(record(models.ProducerServerless, in))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if !ok {
		t.Fatal("serverless transformer must always emit a record")
	}

	want := map[string]any{
		"logEvent_1": map[string]any{"type": "function", "msg": "a"},
		"logEvent_2": map[string]any{"type": "function", "msg": "c"},
	}
	if diff := cmp.Diff(want, decode(t, out.Payload)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestServerless_EmptyObjectWhenNothingSurvives(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"only platform entries", `[{"type":"platform","msg":"b"}]`},
		{"empty array", `[]`},
		{"non-object entries", `[1, "function", null]`},
		{"type not a string", `[{"type":1}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, ok, err := NewServerless("function").Transform(record(models.ProducerServerless, tt.input))
			if err != nil {
				t.Fatalf("Transform: %v", err)
			}
			if !ok {
				t.Fatal("expected one output record")
			}
			if string(out.Payload) != "{}" {
				t.Errorf("payload = %s, want {}", out.Payload)
			}
		})
	}
}

func TestServerless_CustomCategory(t *testing.T) {
	in := `[{"type":"function","msg":"a"},{"type":"platform.report","msg":"b"}]`
	out, _, err := NewServerless("platform.report").Transform(record(models.ProducerServerless, in))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	want := map[string]any{"logEvent_1": map[string]any{"type": "platform.report", "msg": "b"}}
	if diff := cmp.Diff(want, decode(t, out.Payload)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestServerless_MalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"truncated", `[{"type":"function"`},
		{"object not array", `{"type":"function"}`},
		{"plain text", `hello world`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewServerless("").Transform(record(models.ProducerServerless, tt.input))
			if !errors.Is(err, ErrTransform) {
				t.Fatalf("expected ErrTransform, got %v", err)
			}
			var terr *Error
			if !errors.As(err, &terr) || terr.RecordID != "rec-1" {
				t.Errorf("expected *Error carrying the record id, got %#v", err)
			}
		})
	}
}

func TestServerless_DoesNotMutateInput(t *testing.T) {
	payload := []byte(`[{"type":"function","msg":"a"}]`)
	orig := string(payload)
	in := record(models.ProducerServerless, "")
	in.Payload = payload

	if _, _, err := NewServerless("").Transform(in); err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if string(payload) != orig {
		t.Errorf("input payload modified: %s", payload)
	}
}

func TestPlainText_WrapsText(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"simple", "GET /index.html 200"},
		{"quotes and newlines", "line \"one\"\nline two"},
		{"html characters", "<b>a & b</b>"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, ok, err := PlainText{}.Transform(record(models.ProducerVM, tt.input))
			if err != nil || !ok {
				t.Fatalf("Transform: ok=%v err=%v", ok, err)
			}
			want := map[string]any{"logs": tt.input}
			if diff := cmp.Diff(want, decode(t, out.Payload)); diff != "" {
				t.Errorf("output mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlainText_NoHTMLEscaping(t *testing.T) {
	out, _, _ := PlainText{}.Transform(record(models.ProducerVM, "<a>"))
	if got, want := string(out.Payload), `{"logs":"<a>"}`; got != want {
		t.Errorf("payload = %s, want %s", got, want)
	}
}

func TestForKind(t *testing.T) {
	tests := []struct {
		kind    models.ProducerKind
		name    string
		want    string
		wantErr error
	}{
		{models.ProducerVM, "", NamePlainText, nil},
		{models.ProducerServerless, "", NameServerless, nil},
		{models.ProducerContainer, "", NamePassthrough, nil},
		{models.ProducerClusterPod, "", NamePassthrough, nil},
		{models.ProducerVM, "none", NamePassthrough, nil},
		{models.ProducerContainer, "PlainText", NamePlainText, nil},
		{models.ProducerVM, "gzip", "", ErrUnknownTransformer},
		{models.ProducerKind("mainframe"), "", "", models.ErrInvalidProducerKind},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.name, func(t *testing.T) {
			tr, err := ForKind(tt.kind, tt.name, Options{})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ForKind: %v", err)
			}
			if tr.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", tr.Name(), tt.want)
			}
		})
	}
}

func TestPassthrough(t *testing.T) {
	in := record(models.ProducerContainer, `{"log":"x"}`)
	out, ok, err := Passthrough{}.Transform(in)
	if err != nil || !ok {
		t.Fatalf("Transform: ok=%v err=%v", ok, err)
	}
	if string(out.Payload) != string(in.Payload) || out.RecordID != in.RecordID {
		t.Errorf("passthrough changed the record: %+v", out)
	}
}
