package models

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestParseProducerKind(t *testing.T) {
	tests := []struct {
		in   string
		want ProducerKind
		err  bool
	}{
		{"vm", ProducerVM, false},
		{"EC2", ProducerVM, false},
		{" ecs ", ProducerContainer, false},
		{"cluster_pod", ProducerClusterPod, false},
		{"eks", ProducerClusterPod, false},
		{"lambda", ProducerServerless, false},
		{"mainframe", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProducerKind(tt.in)
			if tt.err {
				if !errors.Is(err, ErrInvalidProducerKind) {
					t.Fatalf("expected ErrInvalidProducerKind, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseProducerKind(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestBatch_SubsetKeepsOrderAndSize(t *testing.T) {
	b := &Batch{ID: "b1", StreamID: "s", Sequence: 4}
	for _, p := range []string{"a", "bb", "ccc", "dddd"} {
		b.Records = append(b.Records, NewRecord("s", ProducerVM, p, []byte(p)))
	}
	b.SizeBytes = b.ComputeSize()

	sub := b.Subset([]int{1, 3, 9})
	if sub.Len() != 2 || sub.Records[0].RecordID != "bb" || sub.Records[1].RecordID != "dddd" {
		t.Fatalf("unexpected subset: %+v", sub.Records)
	}
	if sub.SizeBytes != 6 || sub.SizeBytes != sub.ComputeSize() {
		t.Errorf("subset size = %d", sub.SizeBytes)
	}
	if sub.Sequence != 4 || sub.ID != "b1" {
		t.Errorf("subset lost identity: %+v", sub)
	}

	var nilBatch *Batch
	if nilBatch.Len() != 0 {
		t.Error("nil batch must have length 0")
	}
}

func TestInboundRecord_Decode(t *testing.T) {
	ok := InboundRecord{RecordID: "a", Data: base64.StdEncoding.EncodeToString([]byte("hi"))}
	if data, err := ok.Decode(); err != nil || string(data) != "hi" {
		t.Errorf("Decode = %q, %v", data, err)
	}

	if _, err := (InboundRecord{RecordID: "a", Data: "%%%"}).Decode(); !errors.Is(err, ErrInvalidData) {
		t.Errorf("expected ErrInvalidData, got %v", err)
	}

	big := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", MaxRecordSize+1)))
	if _, err := (InboundRecord{RecordID: "a", Data: big}).Decode(); !errors.Is(err, ErrRecordTooLong) {
		t.Errorf("expected ErrRecordTooLong, got %v", err)
	}

	if err := (InboundRecord{}).Validate(); !errors.Is(err, ErrEmptyRecordID) {
		t.Errorf("expected ErrEmptyRecordID, got %v", err)
	}
}

func TestProcessedRecordBuilders(t *testing.T) {
	if r := Ok("a", []byte(`{"logs":"x"}`)); r.Result != ResultOk || r.Data != base64.StdEncoding.EncodeToString([]byte(`{"logs":"x"}`)) {
		t.Errorf("Ok = %+v", r)
	}
	if r := ProcessingFailed("a", "b3JpZw=="); r.Result != ResultProcessingFailed || r.Data != "b3JpZw==" {
		t.Errorf("ProcessingFailed = %+v", r)
	}
	if r := Dropped("a"); r.Result != ResultDropped || r.Data != "" {
		t.Errorf("Dropped = %+v", r)
	}
}

func TestOutcome_FailureReason(t *testing.T) {
	o := PartiallyFailed([]int{2}, "mapper_parsing_exception", 1)
	o.Code = CodeRejected
	got := o.FailureReason()
	if got.Code != CodeRejected || got.Message != "mapper_parsing_exception" || got.Attempts != 1 {
		t.Errorf("FailureReason = %+v", got)
	}
	if o.IsDelivered() || !Delivered(1).IsDelivered() {
		t.Error("IsDelivered mismatch")
	}
}
