// Package camera defines the capability contract for spectroscopic line cameras
package camera

import (
	"context"
	"time"
)

// Frame is one raw detector readout: an ordered sequence of samples, one per
// wavelength channel, plus acquisition metadata.  Frames are transient;
// a driver creates them and the averaging engine consumes them within one
// acquisition step.
type Frame struct {
	// Samples holds one value per wavelength channel
	Samples []float64

	// Timestamp is when the readout completed
	Timestamp time.Time

	// Exposure is the integration time used for this readout
	Exposure time.Duration

	// Gain is the analog gain used for this readout
	Gain float64

	// Index is the frame's position within its burst
	Index int
}

// Camera describes a detector which can be configured and read out.
// Implementations must make Close idempotent: the scan worker closes on
// every exit path, including failure.
type Camera interface {
	// Configure sets the exposure time and analog gain
	Configure(exposure time.Duration, gain float64) error

	// Acquire triggers one readout and returns the frame.  Blocking; the
	// context bounds the wait.  Failures are hardware.Error values.
	Acquire(ctx context.Context) (Frame, error)

	// Channels returns the number of valid wavelength channels per frame
	Channels() int

	// Close releases the device.  Safe to call multiple times.
	Close() error
}
