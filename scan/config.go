package scan

import (
	"fmt"
	"time"

	"github.com/femtolab/gota/util"
)

// Recognized time axis distributions
const (
	DistLinear      = "linear"
	DistExponential = "exponential"
)

// Config describes one scan.  The time axis is either given explicitly in
// Positions or generated from Start/End/Steps with the named distribution.
type Config struct {
	// Positions is an explicit time axis in picoseconds.  When set it takes
	// precedence over the generated axis.
	Positions []float64 `koanf:"positions" yaml:"positions,omitempty" json:"positions,omitempty"`

	// Start and End bound the generated time axis in picoseconds
	Start float64 `koanf:"start" yaml:"start" json:"start"`
	End   float64 `koanf:"end" yaml:"end" json:"end"`

	// Steps is the number of points on the generated time axis
	Steps int `koanf:"steps" yaml:"steps" json:"steps"`

	// Distribution selects the generated spacing, "linear" or "exponential".
	// Empty means linear.
	Distribution string `koanf:"distribution" yaml:"distribution" json:"distribution"`

	// NFrames is the number of frames acquired per position
	NFrames int `koanf:"n_frames" yaml:"n_frames" json:"n_frames"`

	// MaxRetries is the transient retry limit per frame request
	MaxRetries int `koanf:"max_retries" yaml:"max_retries" json:"max_retries"`

	// TimeoutS is the per-position timeout in seconds; zero disables it
	TimeoutS float64 `koanf:"timeout_s" yaml:"timeout_s" json:"timeout_s"`

	// OutlierSigma is the frame rejection threshold in standard deviations;
	// zero disables rejection
	OutlierSigma float64 `koanf:"outlier_sigma" yaml:"outlier_sigma" json:"outlier_sigma"`

	// NSweeps is how many times the position list is repeated, accumulating
	// a running average.  Zero means one sweep.
	NSweeps int `koanf:"n_sweeps" yaml:"n_sweeps" json:"n_sweeps"`
}

// Validate checks the configuration for internal consistency
func (c Config) Validate() error {
	if c.NFrames < 1 {
		return fmt.Errorf("scan: n_frames must be at least 1, got %d", c.NFrames)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("scan: max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.TimeoutS < 0 {
		return fmt.Errorf("scan: timeout_s must not be negative, got %g", c.TimeoutS)
	}
	if c.OutlierSigma < 0 {
		return fmt.Errorf("scan: outlier_sigma must not be negative, got %g", c.OutlierSigma)
	}
	if c.NSweeps < 0 {
		return fmt.Errorf("scan: n_sweeps must not be negative, got %d", c.NSweeps)
	}
	if len(c.Positions) == 0 {
		if c.Steps < 2 {
			return fmt.Errorf("scan: generated axis needs at least 2 steps, got %d", c.Steps)
		}
		switch c.Distribution {
		case "", DistLinear, DistExponential:
		default:
			return fmt.Errorf("scan: unknown distribution %q", c.Distribution)
		}
	}
	return nil
}

// TimePoints returns the scan's time axis in picoseconds
func (c Config) TimePoints() ([]float64, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if len(c.Positions) > 0 {
		return append([]float64(nil), c.Positions...), nil
	}
	if c.Distribution == DistExponential {
		return util.ExpSpace(c.Start, c.End, c.Steps), nil
	}
	return util.Linspace(c.Start, c.End, c.Steps), nil
}

// Sweeps returns the effective sweep count, at least one
func (c Config) Sweeps() int {
	if c.NSweeps < 1 {
		return 1
	}
	return c.NSweeps
}

// Timeout returns the per-position timeout as a Duration
func (c Config) Timeout() time.Duration {
	return util.SecsToDuration(c.TimeoutS)
}
