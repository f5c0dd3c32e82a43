/*Package acquire drives one measurement cycle: move the delay generator,
verify it settled, and collect a burst of frames from the camera.

The controller owns no state across cycles; it is a policy layer that turns
flaky single-frame reads into all-or-nothing bursts.  Frame requests are
paced by a rate limiter so the camera is never polled faster than the laser
repetition rate, and each request is retried with exponential backoff before
the burst as a whole is abandoned.
*/
package acquire

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	"github.com/femtolab/gota/camera"
	"github.com/femtolab/gota/delay"
	"github.com/femtolab/gota/hardware"
)

// BurstError is generated when a burst cannot be completed after the
// configured retries are exhausted.
type BurstError struct {
	// Position is the delay position the burst was commanded at
	Position delay.Position

	// Retries is the number of transient retries consumed before giving up
	Retries int

	// Cause is the final underlying error
	Cause error
}

// Error satisfies the error interface
func (e *BurstError) Error() string {
	return fmt.Sprintf("burst at %s failed after %d retries: %v", e.Position, e.Retries, e.Cause)
}

// Unwrap returns the underlying cause
func (e *BurstError) Unwrap() error {
	return e.Cause
}

// Controller coordinates a delay generator and a camera for one
// acquisition step.  The zero value is not usable; populate Camera, Delay,
// and SettleTolerance at minimum.
type Controller struct {
	Camera camera.Camera
	Delay  delay.Generator

	// MaxRetries is the per-frame transient retry limit
	MaxRetries uint64

	// SettleTolerance is the allowed deviation in picoseconds between the
	// commanded and verified delay position
	SettleTolerance float64

	// InitialBackoff seeds the exponential backoff between frame retries.
	// Zero means 10ms.
	InitialBackoff time.Duration

	// Limiter paces frame requests; nil means unpaced
	Limiter *rate.Limiter
}

// AcquireAt moves the delay generator to pos, verifies it settled, and
// collects nFrames sequential frames.  The position is re-verified after
// the burst; if the stage drifted beyond tolerance mid-burst the frames are
// discarded and the burst retried once.  On success exactly nFrames frames
// are returned along with the number of transient retries consumed.
func (c *Controller) AcquireAt(ctx context.Context, pos delay.Position, nFrames int, timeout time.Duration) ([]camera.Frame, int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	totalRetries := 0
	if err := c.moveAndSettle(ctx, pos); err != nil {
		return nil, 0, err
	}
	// one drift retry, per the settle contract
	for attempt := 0; attempt < 2; attempt++ {
		frames, retries, err := c.Burst(ctx, pos, nFrames)
		totalRetries += retries
		if err != nil {
			return nil, totalRetries, err
		}
		drifted, err := c.driftExceeded(ctx, pos)
		if err != nil {
			return nil, totalRetries, err
		}
		if !drifted {
			return frames, totalRetries, nil
		}
		if attempt == 0 {
			// frames are stale; re-seat the stage and go again
			if err := c.moveAndSettle(ctx, pos); err != nil {
				return nil, totalRetries, err
			}
		}
	}
	return nil, totalRetries, hardware.Wrap("delay-generator", "settle-verify",
		fmt.Errorf("position drifted beyond %g ps twice during burst at %s", c.SettleTolerance, pos))
}

// Burst collects nFrames frames without commanding a move, e.g. for
// background captures at the current position.  Each frame request is
// retried with exponential backoff up to MaxRetries before escalating to a
// BurstError.
func (c *Controller) Burst(ctx context.Context, pos delay.Position, nFrames int) ([]camera.Frame, int, error) {
	frames := make([]camera.Frame, 0, nFrames)
	totalRetries := 0
	for i := 0; i < nFrames; i++ {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, totalRetries, &BurstError{Position: pos, Retries: totalRetries, Cause: err}
			}
		}
		frame, retries, err := c.acquireOne(ctx)
		totalRetries += retries
		if err != nil {
			return nil, totalRetries, &BurstError{Position: pos, Retries: totalRetries, Cause: err}
		}
		frame.Index = i
		frames = append(frames, frame)
	}
	return frames, totalRetries, nil
}

// acquireOne reads a single frame, retrying transient failures.  Fatal
// hardware errors short-circuit the backoff.
func (c *Controller) acquireOne(ctx context.Context) (camera.Frame, int, error) {
	var frame camera.Frame
	retries := -1 // first attempt is not a retry
	op := func() error {
		retries++
		var err error
		frame, err = c.Camera.Acquire(ctx)
		if err != nil && hardware.IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithMaxRetries(c.newBackoff(), c.MaxRetries)
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err != nil {
		return camera.Frame{}, retries, err
	}
	return frame, retries, nil
}

func (c *Controller) newBackoff() backoff.BackOff {
	initial := c.InitialBackoff
	if initial == 0 {
		initial = 10 * time.Millisecond
	}
	return &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      0, // bounded by WithMaxRetries, not wall time
		Clock:               backoff.SystemClock,
	}
}

// moveAndSettle commands the generator to pos and verifies it within
// tolerance.
func (c *Controller) moveAndSettle(ctx context.Context, pos delay.Position) error {
	if err := c.Delay.MoveTo(ctx, pos.Time); err != nil {
		return err
	}
	drifted, err := c.driftExceeded(ctx, pos)
	if err != nil {
		return err
	}
	if drifted {
		cur, _ := c.Delay.CurrentPos(ctx)
		return hardware.Wrap("delay-generator", "settle-verify",
			fmt.Errorf("commanded %g ps, verified %g ps, tolerance %g ps", pos.Time, cur, c.SettleTolerance))
	}
	return nil
}

func (c *Controller) driftExceeded(ctx context.Context, pos delay.Position) (bool, error) {
	cur, err := c.Delay.CurrentPos(ctx)
	if err != nil {
		return false, err
	}
	return math.Abs(cur-pos.Time) > c.SettleTolerance, nil
}
