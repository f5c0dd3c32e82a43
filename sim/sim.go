/*Package sim provides virtual implementations of the camera and delay
generator contracts.

The virtual devices are used for the server's mock mode and for tests.
Both expose small fault-injection hooks (queued errors, position offsets)
so failure handling can be exercised without physical hardware.
*/
package sim

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/femtolab/gota/camera"
	"github.com/femtolab/gota/hardware"
)

// ErrClosed is the cause inside the fatal error returned by closed devices
var ErrClosed = errors.New("device is closed")

// Camera is a virtual line camera producing a flat spectrum with gaussian
// noise.  The noise source is seeded, so runs are reproducible.
type Camera struct {
	// Baseline is the mean level of every channel
	Baseline float64

	// Noise is the standard deviation of the per-channel noise
	Noise float64

	mu       sync.Mutex
	channels int
	rng      *rand.Rand
	exposure time.Duration
	gain     float64
	errs     []error
	closed   bool
}

// NewCamera returns a virtual camera with the given channel count.
// The seed fixes the noise sequence.
func NewCamera(channels int, seed int64) *Camera {
	return &Camera{
		Baseline: 1000,
		Noise:    1,
		channels: channels,
		rng:      rand.New(rand.NewSource(seed)),
		exposure: time.Millisecond,
		gain:     1,
	}
}

// EnqueueErr queues errors to be returned by the next Acquire calls,
// oldest first.
func (c *Camera) EnqueueErr(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, errs...)
}

// Configure sets the exposure time and gain
func (c *Camera) Configure(exposure time.Duration, gain float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return hardware.WrapFatal("sim-camera", "configure", ErrClosed)
	}
	c.exposure = exposure
	c.gain = gain
	return nil
}

// Acquire returns one synthetic frame, or the next queued error
func (c *Camera) Acquire(ctx context.Context) (camera.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return camera.Frame{}, hardware.WrapFatal("sim-camera", "acquire", ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return camera.Frame{}, hardware.Wrap("sim-camera", "acquire", err)
	}
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return camera.Frame{}, err
	}
	samples := make([]float64, c.channels)
	for i := range samples {
		samples[i] = c.Baseline + c.Noise*c.rng.NormFloat64()
	}
	return camera.Frame{
		Samples:   samples,
		Timestamp: time.Now(),
		Exposure:  c.exposure,
		Gain:      c.gain,
	}, nil
}

// Channels returns the number of wavelength channels per frame
func (c *Camera) Channels() int {
	return c.channels
}

// Close marks the camera closed.  Idempotent.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Delay is a virtual delay generator.  Moves complete instantly; the
// reachable range matches a short mechanical stage (t0-50 to t0+300 ps).
type Delay struct {
	mu       sync.Mutex
	timeZero float64
	pos      float64
	offsets  []float64
	moveErrs []error
	closed   bool
}

// NewDelay returns a virtual delay generator with the given time zero
func NewDelay(timeZero float64) *Delay {
	return &Delay{timeZero: timeZero, pos: timeZero}
}

// EnqueueOffset queues apparent position offsets, consumed one per
// CurrentPos call, to simulate drift.
func (d *Delay) EnqueueOffset(offsets ...float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offsets = append(d.offsets, offsets...)
}

// EnqueueMoveErr queues errors to be returned by the next MoveTo calls
func (d *Delay) EnqueueMoveErr(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.moveErrs = append(d.moveErrs, errs...)
}

// MoveTo sets the delay, or returns the next queued error
func (d *Delay) MoveTo(ctx context.Context, ps float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return hardware.WrapFatal("sim-delay", "move-to", ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return hardware.Wrap("sim-delay", "move-to", err)
	}
	if len(d.moveErrs) > 0 {
		err := d.moveErrs[0]
		d.moveErrs = d.moveErrs[1:]
		return err
	}
	min, max := d.rangeLocked()
	if ps < min || ps > max {
		return hardware.Wrap("sim-delay", "move-to",
			errors.New("commanded delay outside reachable range"))
	}
	d.pos = ps
	return nil
}

// CurrentPos returns the delay, plus any queued drift offset
func (d *Delay) CurrentPos(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, hardware.WrapFatal("sim-delay", "current-pos", ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return 0, hardware.Wrap("sim-delay", "current-pos", err)
	}
	pos := d.pos
	if len(d.offsets) > 0 {
		pos += d.offsets[0]
		d.offsets = d.offsets[1:]
	}
	return pos, nil
}

// Range returns the reachable delay range in picoseconds
func (d *Delay) Range() (float64, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rangeLocked()
}

func (d *Delay) rangeLocked() (float64, float64) {
	return d.timeZero - 50, d.timeZero + 300
}

// Close marks the generator closed.  Idempotent.
func (d *Delay) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
