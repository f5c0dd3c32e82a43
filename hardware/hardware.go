// Package hardware holds the error contract shared by all device drivers.
package hardware

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error is the failure type produced by device drivers.  It carries the
// device identifier and the underlying cause so callers can distinguish
// which half of the bench misbehaved.  Fatal errors (device disconnected,
// driver unusable) terminate a scan; everything else is retryable.
type Error struct {
	// Device identifies the hardware, e.g. "dg645@/dev/ttyS0"
	Device string

	// Op is the operation that failed, e.g. "move-to"
	Op string

	// Cause is the underlying error
	Cause error

	// Fatal marks the device as unusable; retrying is pointless
	Fatal bool
}

// Error satisfies the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Op, e.Cause)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap builds a retryable Error around cause.  nil cause returns nil.
func Wrap(device, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Device: device, Op: op, Cause: cause}
}

// WrapFatal builds a fatal Error around cause.  nil cause returns nil.
func WrapFatal(device, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Device: device, Op: op, Cause: cause, Fatal: true}
}

// IsFatal returns true if err or anything it wraps is a fatal hardware error
func IsFatal(err error) bool {
	var hwErr *Error
	if errors.As(err, &hwErr) {
		return hwErr.Fatal
	}
	return false
}

// IsTimeout returns true if err looks like a communication timeout.
// Timeouts are always retryable.
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "timeout")
}
