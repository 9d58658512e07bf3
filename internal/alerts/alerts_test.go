package alerts

import (
	"context"
	"errors"
	"testing"
)

func TestEngine_FiresOnEveryFailureByDefault(t *testing.T) {
	var got []Alert
	e := NewEngine(DefaultRule, func(_ context.Context, a Alert) { got = append(got, a) })

	e.CaptureFailed(context.Background(), "s1", 3, errors.New("disk full"))
	e.CaptureFailed(context.Background(), "s1", 1, errors.New("disk full"))

	if len(got) != 2 || e.Fired() != 2 {
		t.Fatalf("fired %d alerts, want 2", len(got))
	}
	if got[1].Value != 2 || got[1].StreamID != "s1" || got[1].Records != 1 {
		t.Errorf("unexpected alert: %+v", got[1])
	}
}

func TestEngine_ThresholdAndReset(t *testing.T) {
	fired := 0
	e := NewEngine(Rule{Name: "sustained", Threshold: 2}, func(context.Context, Alert) { fired++ })
	ctx := context.Background()

	e.CaptureFailed(ctx, "s1", 1, nil)
	e.CaptureFailed(ctx, "s1", 1, nil)
	if fired != 0 {
		t.Fatal("fired below threshold")
	}
	e.CaptureFailed(ctx, "s1", 1, nil)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	e.CaptureSucceeded("s1")
	e.CaptureFailed(ctx, "s1", 1, nil)
	if fired != 1 {
		t.Error("streak was not reset by a successful capture")
	}

	// streams are tracked independently
	e.CaptureFailed(ctx, "s2", 1, nil)
	if fired != 1 {
		t.Error("streak leaked across streams")
	}
}
