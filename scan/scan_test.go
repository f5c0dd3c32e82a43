package scan

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/femtolab/gota/acquire"
	"github.com/femtolab/gota/average"
	"github.com/femtolab/gota/camera"
	"github.com/femtolab/gota/delay"
	"github.com/femtolab/gota/hardware"
	"github.com/femtolab/gota/sim"
)

func newTestOrch(cam camera.Camera, dly delay.Generator) *Orchestrator {
	ctrl := &acquire.Controller{
		Camera:          cam,
		Delay:           dly,
		SettleTolerance: 0.01,
		InitialBackoff:  time.Microsecond,
	}
	return New(ctrl, &average.Engine{})
}

// scriptCam replays a fixed sequence of frames, cycling when exhausted
type scriptCam struct {
	rows [][]float64
	i    int
}

func (c *scriptCam) Configure(time.Duration, float64) error { return nil }

func (c *scriptCam) Acquire(ctx context.Context) (camera.Frame, error) {
	row := c.rows[c.i%len(c.rows)]
	c.i++
	return camera.Frame{Samples: append([]float64(nil), row...), Timestamp: time.Now()}, nil
}

func (c *scriptCam) Channels() int { return len(c.rows[0]) }
func (c *scriptCam) Close() error  { return nil }

// fatalAfter passes through n acquisitions, then reports the device lost
type fatalAfter struct {
	*sim.Camera
	n     int
	calls int
}

func (f *fatalAfter) Acquire(ctx context.Context) (camera.Frame, error) {
	f.calls++
	if f.calls > f.n {
		return camera.Frame{}, hardware.WrapFatal("sim-camera", "acquire", errors.New("link lost"))
	}
	return f.Camera.Acquire(ctx)
}

// cancelCam cancels an external context on its first acquisition
type cancelCam struct {
	*sim.Camera
	cancel context.CancelFunc
	done   bool
}

func (c *cancelCam) Acquire(ctx context.Context) (camera.Frame, error) {
	if !c.done {
		c.done = true
		c.cancel()
	}
	return c.Camera.Acquire(ctx)
}

// blockCam holds its first acquisition until released
type blockCam struct {
	*sim.Camera
	started chan struct{}
	release chan struct{}
	once    bool
}

func (b *blockCam) Acquire(ctx context.Context) (camera.Frame, error) {
	if !b.once {
		b.once = true
		close(b.started)
		<-b.release
	}
	return b.Camera.Acquire(ctx)
}

func TestScanCompletesInOrder(t *testing.T) {
	o := newTestOrch(sim.NewCamera(16, 1), sim.NewDelay(0))
	cfg := Config{Positions: []float64{0, 100, 200}, NFrames: 5, MaxRetries: 3, OutlierSigma: 3}
	if err := o.Run(context.Background(), cfg); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	snap := o.Snapshot()
	if snap.State != Completed {
		t.Fatalf("expected Completed, got %v", snap.State)
	}
	if len(snap.Entries) != len(cfg.Positions) {
		t.Fatalf("expected %d entries, got %d", len(cfg.Positions), len(snap.Entries))
	}
	for i, e := range snap.Entries {
		if e.Position.Index != i || e.Position.Time != cfg.Positions[i] {
			t.Errorf("entry %d out of order: %v", i, e.Position)
		}
		if e.Status != StatusOK {
			t.Errorf("entry %d: expected ok, got %s (%s)", i, e.Status, e.Err)
		}
		if snap.Averaged[i] == nil {
			t.Errorf("entry %d has no running average", i)
		}
	}
	// one progress event per position, in order
	for i := 0; i < len(cfg.Positions); i++ {
		select {
		case p := <-o.Progress():
			if p.Index != i || p.Status != StatusOK {
				t.Errorf("progress %d: %+v", i, p)
			}
		default:
			t.Fatalf("missing progress event %d", i)
		}
	}
}

func TestScanRecordsRetryCount(t *testing.T) {
	cam := sim.NewCamera(8, 1)
	cam.EnqueueErr(
		hardware.Wrap("sim-camera", "acquire", errors.New("glitch")),
		hardware.Wrap("sim-camera", "acquire", errors.New("glitch")),
	)
	o := newTestOrch(cam, sim.NewDelay(0))
	cfg := Config{Positions: []float64{0, 100}, NFrames: 3, MaxRetries: 3}
	if err := o.Run(context.Background(), cfg); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	snap := o.Snapshot()
	if snap.Entries[0].Status != StatusOK || snap.Entries[0].Retries != 2 {
		t.Errorf("expected ok entry with 2 retries, got %+v", snap.Entries[0])
	}
	if snap.Entries[1].Retries != 0 {
		t.Errorf("expected clean second position, got %+v", snap.Entries[1])
	}
}

func TestScanRetriesTransientMoveFailure(t *testing.T) {
	dly := sim.NewDelay(0)
	dly.EnqueueMoveErr(hardware.Wrap("sim-delay", "move-to", errors.New("transient jam")))
	o := newTestOrch(sim.NewCamera(8, 1), dly)
	cfg := Config{Positions: []float64{100}, NFrames: 1, MaxRetries: 3}
	if err := o.Run(context.Background(), cfg); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	snap := o.Snapshot()
	if snap.Entries[0].Status != StatusOK {
		t.Fatalf("expected move failure to be retried, got %+v", snap.Entries[0])
	}
	if snap.Entries[0].Retries != 1 {
		t.Errorf("expected 1 retry recorded, got %d", snap.Entries[0].Retries)
	}
}

func TestScanMoveFailuresExhaustRetryBudget(t *testing.T) {
	dly := sim.NewDelay(0)
	jam := func() error { return hardware.Wrap("sim-delay", "move-to", errors.New("jam")) }
	dly.EnqueueMoveErr(jam(), jam(), jam(), jam())
	o := newTestOrch(sim.NewCamera(8, 1), dly)
	cfg := Config{Positions: []float64{100, 150}, NFrames: 1, MaxRetries: 3}
	if err := o.Run(context.Background(), cfg); err != nil {
		t.Fatalf("failed position must not fail the scan: %v", err)
	}
	snap := o.Snapshot()
	if snap.State != Completed {
		t.Fatalf("expected Completed, got %v", snap.State)
	}
	if snap.Entries[0].Status != StatusFailed || snap.Entries[0].Retries != 3 {
		t.Errorf("expected failed entry with the budget spent, got %+v", snap.Entries[0])
	}
	if snap.Entries[1].Status != StatusOK {
		t.Errorf("expected scan to continue, got %+v", snap.Entries[1])
	}
}

func TestScanContinuesPastFailedPosition(t *testing.T) {
	cam := sim.NewCamera(8, 1)
	glitch := func() error { return hardware.Wrap("sim-camera", "acquire", errors.New("glitch")) }
	cam.EnqueueErr(glitch(), glitch(), glitch(), glitch())
	o := newTestOrch(cam, sim.NewDelay(0))
	cfg := Config{Positions: []float64{0, 100}, NFrames: 1, MaxRetries: 3}
	if err := o.Run(context.Background(), cfg); err != nil {
		t.Fatalf("failed position must not fail the scan: %v", err)
	}
	snap := o.Snapshot()
	if snap.State != Completed {
		t.Fatalf("expected Completed, got %v", snap.State)
	}
	if len(snap.Entries) != 2 {
		t.Fatalf("expected an entry per position, got %d", len(snap.Entries))
	}
	if snap.Entries[0].Status != StatusFailed || snap.Entries[0].Err == "" {
		t.Errorf("expected failed first entry, got %+v", snap.Entries[0])
	}
	if snap.Entries[0].Retries != 3 {
		t.Errorf("expected 3 retries consumed, got %d", snap.Entries[0].Retries)
	}
	if snap.Entries[1].Status != StatusOK {
		t.Errorf("expected scan to continue, got %+v", snap.Entries[1])
	}
}

func TestScanFatalHalts(t *testing.T) {
	cam := &fatalAfter{Camera: sim.NewCamera(8, 1), n: 1}
	o := newTestOrch(cam, sim.NewDelay(0))
	cfg := Config{Positions: []float64{0, 100, 200}, NFrames: 1, MaxRetries: 3}
	err := o.Run(context.Background(), cfg)
	if err == nil || !hardware.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	snap := o.Snapshot()
	if snap.State != Failed {
		t.Fatalf("expected Failed, got %v", snap.State)
	}
	// first position preserved, fatal position recorded, third never commanded
	if len(snap.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap.Entries))
	}
	if snap.Entries[0].Status != StatusOK {
		t.Errorf("completed entry not preserved: %+v", snap.Entries[0])
	}
	if snap.Entries[1].Status != StatusFailed {
		t.Errorf("fatal position not recorded: %+v", snap.Entries[1])
	}
}

func TestScanAbortsBetweenPositions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cam := &cancelCam{Camera: sim.NewCamera(8, 1), cancel: cancel}
	o := newTestOrch(cam, sim.NewDelay(0))
	cfg := Config{Positions: []float64{0, 100, 200}, NFrames: 1}
	err := o.Run(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	snap := o.Snapshot()
	if snap.State != Aborted {
		t.Fatalf("expected Aborted, got %v", snap.State)
	}
	// the in-flight burst completed before the abort took effect
	if len(snap.Entries) != 1 || snap.Entries[0].Status != StatusOK {
		t.Errorf("expected one completed entry, got %+v", snap.Entries)
	}
}

func TestScanDegradedEntry(t *testing.T) {
	cam := &scriptCam{rows: [][]float64{
		{100, 0, 0},
		{0, 100, 0},
		{0, 0, 100},
		{0, 0, 0},
	}}
	o := newTestOrch(cam, sim.NewDelay(0))
	cfg := Config{Positions: []float64{0}, NFrames: 4, OutlierSigma: 2}
	if err := o.Run(context.Background(), cfg); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	snap := o.Snapshot()
	if snap.Entries[0].Status != StatusDegraded {
		t.Errorf("expected degraded entry, got %+v", snap.Entries[0])
	}
	if !snap.Entries[0].Spectrum.Degraded {
		t.Error("spectrum must carry the degraded flag")
	}
}

func TestScanSweepAveraging(t *testing.T) {
	cam := &scriptCam{rows: [][]float64{{10, 10}, {20, 20}}}
	o := newTestOrch(cam, sim.NewDelay(0))
	cfg := Config{Positions: []float64{0}, NFrames: 1, NSweeps: 2}
	if err := o.Run(context.Background(), cfg); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	snap := o.Snapshot()
	if snap.Sweep != 2 || snap.Sweeps != 2 {
		t.Errorf("sweep bookkeeping: %d of %d", snap.Sweep, snap.Sweeps)
	}
	for ch, v := range snap.Averaged[0] {
		if math.Abs(v-15) > 1e-12 {
			t.Errorf("channel %d: expected cross-sweep mean 15, got %g", ch, v)
		}
	}
	// the per-sweep record only covers the latest sweep
	if len(snap.Entries) != 1 || math.Abs(snap.Entries[0].Spectrum.Mean[0]-20) > 1e-12 {
		t.Errorf("unexpected final sweep entries: %+v", snap.Entries)
	}
}

func TestScanRejectsConcurrentRun(t *testing.T) {
	cam := &blockCam{
		Camera:  sim.NewCamera(8, 1),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	o := newTestOrch(cam, sim.NewDelay(0))
	cfg := Config{Positions: []float64{0}, NFrames: 1}
	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), cfg) }()
	<-cam.started
	if err := o.Run(context.Background(), cfg); err != ErrBusy {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	close(cam.release)
	if err := <-done; err != nil {
		t.Errorf("first scan failed: %v", err)
	}
}

func TestScanRejectsUnreachablePositions(t *testing.T) {
	o := newTestOrch(sim.NewCamera(8, 1), sim.NewDelay(0))
	cfg := Config{Positions: []float64{1000}, NFrames: 1}
	if err := o.Run(context.Background(), cfg); err == nil {
		t.Fatal("expected out-of-range position to be rejected")
	}
	if o.State() != Idle {
		t.Errorf("rejected scan must not leave Idle, got %v", o.State())
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	o := newTestOrch(sim.NewCamera(8, 1), sim.NewDelay(0))
	cfg := Config{Positions: []float64{0, 100}, NFrames: 2}
	if err := o.Run(context.Background(), cfg); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	snap := o.Snapshot()
	snap.Entries[0].Spectrum.Mean[0] = -1
	snap.Averaged[0][0] = -1
	snap.Positions[0] = -1
	again := o.Snapshot()
	if again.Entries[0].Spectrum.Mean[0] == -1 || again.Averaged[0][0] == -1 || again.Positions[0] == -1 {
		t.Error("snapshot mutation leaked into the store")
	}
}

func TestConfigGeneratedAxis(t *testing.T) {
	cfg := Config{Start: 0, End: 100, Steps: 5, NFrames: 1}
	times, err := cfg.TimePoints()
	if err != nil {
		t.Fatalf("time points: %v", err)
	}
	want := []float64{0, 25, 50, 75, 100}
	for i := range want {
		if math.Abs(times[i]-want[i]) > 1e-12 {
			t.Errorf("point %d: expected %g got %g", i, want[i], times[i])
		}
	}

	cfg.Distribution = DistExponential
	times, err = cfg.TimePoints()
	if err != nil {
		t.Fatalf("exponential time points: %v", err)
	}
	if times[0] != 0 || times[len(times)-1] != 100 {
		t.Errorf("exponential axis must keep its endpoints, got %v", times)
	}
	for i := 2; i < len(times); i++ {
		if times[i]-times[i-1] <= times[i-1]-times[i-2] {
			t.Errorf("exponential spacing must grow, got %v", times)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	bad := []Config{
		{Positions: []float64{0}, NFrames: 0},
		{Positions: []float64{0}, NFrames: 1, MaxRetries: -1},
		{Positions: []float64{0}, NFrames: 1, TimeoutS: -1},
		{Positions: []float64{0}, NFrames: 1, OutlierSigma: -1},
		{NFrames: 1, Steps: 1},
		{NFrames: 1, Steps: 5, Distribution: "quadratic"},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("config %d: expected validation error", i)
		}
	}
	good := Config{Positions: []float64{0, 1}, NFrames: 1}
	if err := good.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}
