package batcher

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock/testclock"

	"unilog/internal/models"
)

// collector records handed-off batches
type collector struct {
	mu       sync.Mutex
	batches  []*models.Batch
	triggers []Trigger
}

func (c *collector) handoff(b *models.Batch, t Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
	c.triggers = append(c.triggers, t)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func rec(id string, size int) models.Record {
	return models.NewRecord("s1", models.ProducerContainer, id, make([]byte, size))
}

func newTestBatcher(threshold int, interval time.Duration) (*Batcher, testclock.TestClock, *collector) {
	tc := testclock.New(testclock.TestRecentTimeUTC)
	c := &collector{}
	b := New(Config{StreamID: "s1", SizeThresholdBytes: threshold, Interval: interval}, tc, c.handoff)
	return b, tc, c
}

func TestBatcher_SizeInvariantAfterEveryAppend(t *testing.T) {
	b, _, _ := newTestBatcher(1<<20, time.Minute)

	want := 0
	for i, size := range []int{10, 0, 250, 3, 4096} {
		if err := b.Append(rec(fmt.Sprint(i), size)); err != nil {
			t.Fatalf("Append: %v", err)
		}
		want += size
		if got := b.SizeBytes(); got != want {
			t.Fatalf("after append %d: SizeBytes = %d, want %d", i, got, want)
		}
		if b.State() != Accumulating {
			t.Fatalf("state = %s, want accumulating", b.State())
		}
	}
}

func TestBatcher_FlushOnSizeThreshold(t *testing.T) {
	b, _, c := newTestBatcher(100, time.Hour)

	b.Append(rec("a", 40))
	b.Append(rec("b", 40))
	if c.count() != 0 {
		t.Fatal("flushed before reaching the size threshold")
	}

	b.Append(rec("c", 20)) // exactly 100
	if c.count() != 1 {
		t.Fatalf("expected 1 flush at threshold, got %d", c.count())
	}
	batch := c.batches[0]
	if batch.SizeBytes != 100 || batch.Len() != 3 || batch.SizeBytes != batch.ComputeSize() {
		t.Errorf("unexpected batch: size=%d len=%d", batch.SizeBytes, batch.Len())
	}
	if c.triggers[0] != TriggerSize {
		t.Errorf("trigger = %s, want size", c.triggers[0])
	}
	if b.State() != Empty || b.SizeBytes() != 0 || b.Len() != 0 {
		t.Errorf("buffer not reset: state=%s size=%d len=%d", b.State(), b.SizeBytes(), b.Len())
	}
}

func TestBatcher_OversizedRecordFlushesAlone(t *testing.T) {
	b, _, c := newTestBatcher(10, time.Hour)

	b.Append(rec("big", 50))
	if c.count() != 1 || c.batches[0].Len() != 1 {
		t.Fatalf("expected single-record batch, got %d batches", c.count())
	}
}

func TestBatcher_FlushOnInterval(t *testing.T) {
	b, tc, c := newTestBatcher(1<<20, 60*time.Second)

	if b.Tick() {
		t.Fatal("empty buffer must not flush")
	}

	b.Append(rec("a", 1))
	tc.Add(59 * time.Second)
	if b.Tick() {
		t.Fatal("flushed before the interval elapsed")
	}

	tc.Add(time.Second)
	if !b.Tick() {
		t.Fatal("expected flush once the interval elapsed")
	}
	if c.count() != 1 || c.triggers[0] != TriggerInterval {
		t.Fatalf("expected one interval flush, got %v", c.triggers)
	}
}

func TestBatcher_IntervalMeasuredFromFirstRecord(t *testing.T) {
	b, tc, c := newTestBatcher(1<<20, 10*time.Second)

	// Idle time before the first record does not count.
	tc.Add(time.Hour)
	b.Append(rec("a", 1))
	if b.Tick() {
		t.Fatal("idle time before the buffer became non-empty was counted")
	}

	tc.Add(10 * time.Second)
	b.Tick()
	if c.count() != 1 {
		t.Fatalf("expected 1 flush, got %d", c.count())
	}
	if !c.batches[0].CreatedAt.Equal(testclock.TestRecentTimeUTC.Add(time.Hour)) {
		t.Errorf("CreatedAt = %s", c.batches[0].CreatedAt)
	}
}

func TestBatcher_PreservesOrderAcrossFlushes(t *testing.T) {
	b, tc, c := newTestBatcher(30, 5*time.Second)

	var want []string
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("r%d", i)
		want = append(want, id)
		b.Append(rec(id, 7))
		if i%6 == 5 {
			tc.Add(5 * time.Second)
			b.Tick()
		}
	}
	b.Close()

	var got []string
	for i, batch := range c.batches {
		if batch.Sequence != uint64(i) {
			t.Errorf("batch %d has sequence %d", i, batch.Sequence)
		}
		for _, r := range batch.Records {
			got = append(got, r.RecordID)
		}
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("record order = %v, want %v", got, want)
	}
}

func TestBatcher_ConcurrentAppendsNoLossNoDuplicates(t *testing.T) {
	b, tc, c := newTestBatcher(64, time.Second)

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				b.Append(rec(fmt.Sprintf("%d-%d", w, i), 5))
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				tc.Add(100 * time.Millisecond)
				b.Tick()
			}
		}
	}()

	wg.Wait()
	close(done)
	b.Close()

	seen := make(map[string]int)
	for _, batch := range c.batches {
		if batch.SizeBytes != batch.ComputeSize() {
			t.Errorf("batch %d size invariant broken", batch.Sequence)
		}
		for _, r := range batch.Records {
			seen[r.RecordID]++
		}
	}
	if len(seen) != writers*perWriter {
		t.Errorf("saw %d distinct records, want %d", len(seen), writers*perWriter)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("record %s delivered %d times", id, n)
		}
	}
}

func TestBatcher_CloseFlushesRemainder(t *testing.T) {
	b, _, c := newTestBatcher(1<<20, time.Hour)

	b.Append(rec("a", 1))
	b.Append(rec("b", 1))
	b.Close()

	if c.count() != 1 || c.batches[0].Len() != 2 || c.triggers[0] != TriggerShutdown {
		t.Fatalf("expected shutdown flush of 2 records, got %d batches", c.count())
	}
	if b.State() != Closed {
		t.Errorf("state = %s, want closed", b.State())
	}
	if err := b.Append(rec("c", 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after Close = %v, want ErrClosed", err)
	}

	b.Close()
	if c.count() != 1 {
		t.Error("second Close flushed again")
	}
}

func TestBatcher_Take(t *testing.T) {
	b, _, c := newTestBatcher(1<<20, time.Hour)

	if b.Take() != nil {
		t.Fatal("Take on empty buffer returned a batch")
	}

	b.Append(rec("a", 3))
	taken := b.Take()
	if taken.Len() != 1 || taken.SizeBytes != 3 {
		t.Fatalf("unexpected batch: %+v", taken)
	}
	if c.count() != 0 {
		t.Error("Take must not hand off")
	}
	if b.State() != Empty || b.Sequence() != 1 {
		t.Errorf("state=%s sequence=%d", b.State(), b.Sequence())
	}
}
