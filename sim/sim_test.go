package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/femtolab/gota/hardware"
)

func TestCameraFramesAreReproducible(t *testing.T) {
	a := NewCamera(4, 42)
	b := NewCamera(4, 42)
	fa, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	fb, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	for i := range fa.Samples {
		if fa.Samples[i] != fb.Samples[i] {
			t.Errorf("channel %d: same seed produced %g and %g", i, fa.Samples[i], fb.Samples[i])
		}
	}
}

func TestCameraQueuedErrors(t *testing.T) {
	cam := NewCamera(4, 1)
	boom := errors.New("boom")
	cam.EnqueueErr(boom)
	if _, err := cam.Acquire(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected queued error, got %v", err)
	}
	if _, err := cam.Acquire(context.Background()); err != nil {
		t.Errorf("queue should be drained, got %v", err)
	}
}

func TestCameraClosedIsFatal(t *testing.T) {
	cam := NewCamera(4, 1)
	if err := cam.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := cam.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	_, err := cam.Acquire(context.Background())
	if !hardware.IsFatal(err) {
		t.Errorf("expected fatal error after close, got %v", err)
	}
}

func TestDelayRangeEnforced(t *testing.T) {
	dly := NewDelay(0)
	if err := dly.MoveTo(context.Background(), 1000); err == nil {
		t.Error("expected out-of-range move to fail")
	} else if hardware.IsFatal(err) {
		t.Errorf("range rejection should not be fatal: %v", err)
	}
	if err := dly.MoveTo(context.Background(), 150); err != nil {
		t.Fatalf("in-range move failed: %v", err)
	}
	pos, err := dly.CurrentPos(context.Background())
	if err != nil {
		t.Fatalf("position query failed: %v", err)
	}
	if pos != 150 {
		t.Errorf("expected 150 ps, got %g", pos)
	}
}

func TestDelayDriftOffsets(t *testing.T) {
	dly := NewDelay(0)
	dly.EnqueueOffset(2.5)
	pos, err := dly.CurrentPos(context.Background())
	if err != nil {
		t.Fatalf("position query failed: %v", err)
	}
	if pos != 2.5 {
		t.Errorf("expected drifted reading 2.5, got %g", pos)
	}
	pos, err = dly.CurrentPos(context.Background())
	if err != nil {
		t.Fatalf("position query failed: %v", err)
	}
	if pos != 0 {
		t.Errorf("drift queue should be drained, got %g", pos)
	}
}

func TestDelayRangeFollowsTimeZero(t *testing.T) {
	dly := NewDelay(100)
	min, max := dly.Range()
	if min != 50 || max != 400 {
		t.Errorf("expected range [50, 400], got [%g, %g]", min, max)
	}
}
