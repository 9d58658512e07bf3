package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"

	"unilog/internal/config"
	"unilog/internal/models"
	"unilog/internal/router"
)

// fakeWriter fails the first failures writes
type fakeWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failures {
		return errors.New("leader not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func autoAdvance() context.Context {
	ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
	tc.SetTimerCallback(func(d time.Duration, _ clock.Timer) { tc.Add(d) })
	return ctx
}

func newTestProducer(t *testing.T, w *fakeWriter, retries int) *Producer {
	t.Helper()
	p, err := NewProducer([]string{"localhost:9092"}, "failed", config.ProducerConfig{
		MaxRetries:   retries,
		RetryBackoff: 10 * time.Millisecond,
	}, withWriters(w))
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	return p
}

func TestProducer_PublishCarriesKeyAndHeaders(t *testing.T) {
	w := &fakeWriter{}
	p := newTestProducer(t, w, 0)

	err := p.Publish(context.Background(), Message{
		Key:     "ecs/2024/01/15/10/ecs-0-1",
		Value:   []byte("payload"),
		Headers: map[string]string{"stream_id": "ecs"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(w.written) != 1 {
		t.Fatalf("expected 1 message written, got %d", len(w.written))
	}
	msg := w.written[0]
	if string(msg.Key) != "ecs/2024/01/15/10/ecs-0-1" || string(msg.Value) != "payload" || header(msg, "stream_id") != "ecs" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if st := p.Stats(); st.MessagesSent != 1 || st.BytesWritten != 7 {
		t.Errorf("stats = %+v", st)
	}
}

func TestProducer_RetriesTransientFailures(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := newTestProducer(t, w, 3)

	if err := p.Publish(autoAdvance(), Message{Key: "k", Value: []byte("v")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if w.calls != 3 {
		t.Errorf("calls = %d, want 3", w.calls)
	}
}

func TestProducer_GivesUpAfterRetries(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := newTestProducer(t, w, 2)

	if err := p.Publish(autoAdvance(), Message{Key: "k", Value: []byte("v")}); err == nil {
		t.Fatal("expected an error")
	}
	if w.calls != 3 {
		t.Errorf("calls = %d, want 3", w.calls)
	}
	if st := p.Stats(); st.MessagesFailed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestProducer_RejectsEmptyValue(t *testing.T) {
	p := newTestProducer(t, &fakeWriter{}, 0)
	if err := p.Publish(context.Background(), Message{Key: "k"}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestProducer_Close(t *testing.T) {
	w := &fakeWriter{}
	p := newTestProducer(t, w, 0)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if err := p.Publish(context.Background(), Message{Key: "k", Value: []byte("v")}); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Publish after Close = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestNewProducer_Validation(t *testing.T) {
	if _, err := NewProducer(nil, "t", config.ProducerConfig{}); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewProducer([]string{"b"}, "", config.ProducerConfig{}); err == nil {
		t.Error("expected error without topic")
	}
}

// fakeReader serves msgs then reports EOF
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type ingestCall struct {
	producer, recordID, payload string
}

// fakeIngestor returns errs[recordID] for each record
type fakeIngestor struct {
	errs  map[string]error
	calls []ingestCall
}

func (f *fakeIngestor) IngestRaw(_ context.Context, producer, recordID string, payload []byte) (models.Result, error) {
	f.calls = append(f.calls, ingestCall{producer, recordID, string(payload)})
	if err := f.errs[recordID]; err != nil {
		return "", err
	}
	return models.ResultOk, nil
}

func message(offset int64, key, producer, value string) kafka.Message {
	return kafka.Message{
		Topic:   "ingest",
		Offset:  offset,
		Key:     []byte(key),
		Value:   []byte(value),
		Headers: []kafka.Header{{Key: ProducerHeader, Value: []byte(producer)}},
	}
}

func TestConsumer_CommitsAcceptedAndRejected(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		message(0, "a", "ec2", "line one"),
		message(1, "b", "unknown", "line two"),
		message(2, "", "ec2", "line three"),
	}}
	ing := &fakeIngestor{errs: map[string]error{"b": router.ErrUnknownProducer}}
	c := newConsumer(reader, ing)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(reader.committed) != 3 {
		t.Fatalf("committed %v, want all three offsets", reader.committed)
	}
	if ing.calls[2].recordID != "ingest-0-2" {
		t.Errorf("keyless record id = %q", ing.calls[2].recordID)
	}
	if ing.calls[0].producer != "ec2" || ing.calls[0].payload != "line one" {
		t.Errorf("unexpected call: %+v", ing.calls[0])
	}
	if st := c.Stats(); st.Consumed != 2 || st.Rejected != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestConsumer_StopsWithoutCommitWhenStreamStopped(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		message(0, "a", "ec2", "x"),
		message(1, "b", "ec2", "y"),
		message(2, "c", "ec2", "z"),
	}}
	ing := &fakeIngestor{errs: map[string]error{"b": router.ErrStopped}}
	c := newConsumer(reader, ing)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(reader.committed) != 1 || reader.committed[0] != 0 {
		t.Errorf("committed %v, want only offset 0", reader.committed)
	}
	if len(ing.calls) != 2 {
		t.Errorf("consumer kept going after the stream stopped: %d calls", len(ing.calls))
	}
}

func TestConsumer_StopIsIdempotent(t *testing.T) {
	c := newConsumer(&fakeReader{}, &fakeIngestor{})
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
