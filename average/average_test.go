package average

import (
	"math"
	"math/rand"
	"testing"

	"github.com/femtolab/gota/camera"
)

func framesFrom(rows ...[]float64) []camera.Frame {
	out := make([]camera.Frame, len(rows))
	for i, r := range rows {
		out[i] = camera.Frame{Samples: r, Index: i}
	}
	return out
}

func TestReduceZeroFrames(t *testing.T) {
	e := &Engine{}
	_, err := e.Reduce(nil)
	if err != ErrInsufficientData {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
}

func TestReduceMeanVariance(t *testing.T) {
	e := &Engine{}
	s, err := e.Reduce(framesFrom(
		[]float64{1, 2},
		[]float64{3, 4},
		[]float64{5, 6},
	))
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	wantMean := []float64{3, 4}
	wantVar := 8. / 3.
	for c := range wantMean {
		if math.Abs(s.Mean[c]-wantMean[c]) > 1e-12 {
			t.Errorf("channel %d mean: expected %f got %f", c, wantMean[c], s.Mean[c])
		}
		if math.Abs(s.Variance[c]-wantVar) > 1e-12 {
			t.Errorf("channel %d variance: expected %f got %f", c, wantVar, s.Variance[c])
		}
	}
	if s.FramesUsed != 3 || s.FramesRejected != 0 || s.Degraded {
		t.Errorf("unexpected bookkeeping: %+v", s)
	}
}

func TestReduceOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	rows := make([][]float64, 20)
	for i := range rows {
		row := make([]float64, 16)
		for c := range row {
			row[c] = 1000 + rng.NormFloat64()
		}
		rows[i] = row
	}
	e := &Engine{Sigma: 3}
	first, err := e.Reduce(framesFrom(rows...))
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	perm := rng.Perm(len(rows))
	shuffled := make([][]float64, len(rows))
	for i, j := range perm {
		shuffled[i] = rows[j]
	}
	second, err := e.Reduce(framesFrom(shuffled...))
	if err != nil {
		t.Fatalf("reduce of permutation failed: %v", err)
	}
	for c := range first.Mean {
		if math.Abs(first.Mean[c]-second.Mean[c]) > 1e-9 {
			t.Errorf("channel %d mean differs under permutation: %g vs %g", c, first.Mean[c], second.Mean[c])
		}
		if math.Abs(first.Variance[c]-second.Variance[c]) > 1e-9 {
			t.Errorf("channel %d variance differs under permutation: %g vs %g", c, first.Variance[c], second.Variance[c])
		}
	}
	if first.FramesRejected != second.FramesRejected {
		t.Errorf("rejection differs under permutation: %d vs %d", first.FramesRejected, second.FramesRejected)
	}
}

func TestReduceRejectsSpikedFrame(t *testing.T) {
	// nine clean frames plus one with a cosmic-ray style spike
	rows := make([][]float64, 10)
	for i := range rows {
		rows[i] = []float64{10, 10, 10}
	}
	rows[4] = []float64{10, 110, 10}
	e := &Engine{Sigma: 3}
	s, err := e.Reduce(framesFrom(rows...))
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	if s.FramesRejected != 1 || s.FramesUsed != 9 {
		t.Fatalf("expected 1 rejection of 10 frames, got %+v", s)
	}
	if s.Degraded {
		t.Error("single rejection must not flag degraded")
	}
	if math.Abs(s.Mean[1]-10) > 1e-12 {
		t.Errorf("expected spike excluded from mean, got %f", s.Mean[1])
	}
}

func TestReduceTwoFrameBurst(t *testing.T) {
	// two frames sit symmetrically around their median, so a sane sigma
	// keeps both
	e := &Engine{Sigma: 3}
	s, err := e.Reduce(framesFrom([]float64{10}, []float64{20}))
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	if s.FramesUsed != 2 || s.FramesRejected != 0 || s.Degraded {
		t.Fatalf("expected both frames retained, got %+v", s)
	}
	if math.Abs(s.Mean[0]-15) > 1e-12 {
		t.Errorf("expected mean 15, got %g", s.Mean[0])
	}

	// a sub-unit sigma rejects both frames, which triggers the unfiltered
	// fallback rather than an empty reduction
	e.Sigma = 0.5
	s, err = e.Reduce(framesFrom([]float64{10}, []float64{20}))
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	if !s.Degraded || s.FramesUsed != 2 {
		t.Errorf("expected degraded unfiltered fallback, got %+v", s)
	}
}

func TestReduceDegradedFallback(t *testing.T) {
	// three of four frames carry spikes on distinct channels; rejecting
	// them all would leave less than half the burst
	rows := [][]float64{
		{100, 0, 0},
		{0, 100, 0},
		{0, 0, 100},
		{0, 0, 0},
	}
	e := &Engine{Sigma: 2}
	s, err := e.Reduce(framesFrom(rows...))
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	if !s.Degraded {
		t.Fatal("expected degraded fallback")
	}
	if s.FramesUsed != 4 || s.FramesRejected != 0 {
		t.Errorf("degraded reduction must be unfiltered, got %+v", s)
	}
	// retained count never below ceil(n/2)
	if s.FramesUsed < (len(rows)+1)/2 {
		t.Errorf("retained %d frames, below floor %d", s.FramesUsed, (len(rows)+1)/2)
	}
}

func TestReduceBackgroundSubtraction(t *testing.T) {
	e := &Engine{}
	e.SetBackground([]float64{100, 200})
	s, err := e.Reduce(framesFrom(
		[]float64{105, 205},
		[]float64{105, 205},
	))
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	for c := range s.Mean {
		if math.Abs(s.Mean[c]-5) > 1e-12 {
			t.Errorf("channel %d: expected background-corrected mean 5, got %f", c, s.Mean[c])
		}
	}
}

func TestReduceChannelMismatch(t *testing.T) {
	e := &Engine{}
	_, err := e.Reduce(framesFrom(
		[]float64{1, 2},
		[]float64{1, 2, 3},
	))
	if err == nil {
		t.Error("expected channel count mismatch to error")
	}
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	e := &Engine{}
	e.SetBackground([]float64{1})
	frames := framesFrom([]float64{5})
	if _, err := e.Reduce(frames); err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	if frames[0].Samples[0] != 5 {
		t.Errorf("input frame mutated: %v", frames[0].Samples)
	}
}
