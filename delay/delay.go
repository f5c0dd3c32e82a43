// Package delay defines the capability contract for optical delay generators
package delay

import (
	"context"
	"fmt"
)

// speedOfLightMMPerPS is used to convert optical path length to pump-probe
// delay.  The beam traverses the stage twice, hence the factor of two in
// the conversions below.
const speedOfLightMMPerPS = 0.299792458

// Position is one point on the scan's time axis.  Positions are generated
// once per scan from configuration and never mutated afterwards.
type Position struct {
	// Time is the pump-probe delay in picoseconds
	Time float64 `json:"time"`

	// Index is the position's step index within the scan order
	Index int `json:"index"`
}

func (p Position) String() string {
	return fmt.Sprintf("step %d @ %g ps", p.Index, p.Time)
}

// Generator describes hardware which can set the pump-probe delay.
// Implementations must make Close idempotent: the scan worker closes on
// every exit path, including failure.
type Generator interface {
	// MoveTo commands the generator to the given delay in picoseconds
	// and blocks until motion ceases.  Failures are hardware.Error values.
	MoveTo(ctx context.Context, ps float64) error

	// CurrentPos returns the verified delay in picoseconds
	CurrentPos(ctx context.Context) (float64, error)

	// Close releases the device.  Safe to call multiple times.
	Close() error
}

// Ranger is implemented by generators with a bounded travel range
type Ranger interface {
	// Range returns the minimum and maximum reachable delays in picoseconds
	Range() (min, max float64)
}

// PsToMM converts a delay in picoseconds to a stage position in millimeters
func PsToMM(ps float64) float64 {
	return speedOfLightMMPerPS * ps / 2
}

// MMToPs converts a stage position in millimeters to a delay in picoseconds
func MMToPs(mm float64) float64 {
	return 2 * mm / speedOfLightMMPerPS
}

// CheckTimes returns an error naming the first delay outside [min, max]
func CheckTimes(g Ranger, times []float64) error {
	min, max := g.Range()
	for _, t := range times {
		if t < min || t > max {
			return fmt.Errorf("delay %g ps outside reachable range [%g, %g]", t, min, max)
		}
	}
	return nil
}
