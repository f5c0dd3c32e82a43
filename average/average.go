/*Package average reduces bursts of raw frames to mean/variance spectra.

The reduction is channel-wise: each wavelength channel is averaged across
the frames of a burst.  Frames containing shots far from the per-channel
median are rejected before the final statistics, unless doing so would
throw away more than half the burst; in that case the engine falls back to
an unfiltered average and flags the result as degraded rather than failing,
so one noisy burst never aborts a scan.
*/
package average

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/femtolab/gota/camera"
)

// ErrInsufficientData is generated when Reduce is given zero frames
var ErrInsufficientData = errors.New("average: at least one frame is required")

// Spectrum is the per-delay reduction of a burst: channel-wise mean and
// variance, with bookkeeping about how many frames contributed.
type Spectrum struct {
	// Mean is the channel-wise mean over retained frames
	Mean []float64 `json:"mean"`

	// Variance is the channel-wise population variance over retained frames
	Variance []float64 `json:"variance"`

	// FramesUsed is the number of frames retained for the statistics
	FramesUsed int `json:"framesUsed"`

	// FramesRejected is the number of frames discarded as outliers
	FramesRejected int `json:"framesRejected"`

	// Degraded is true when outlier filtering was skipped because it would
	// have dropped more than half the burst
	Degraded bool `json:"degraded"`
}

// Engine reduces frames.  Sigma is the outlier threshold in standard
// deviations from the per-channel median; zero or negative disables
// rejection.  An optional background spectrum is subtracted channel-wise
// before any statistics.
type Engine struct {
	// Sigma is the outlier rejection threshold in standard deviations
	Sigma float64

	mu         sync.Mutex
	background []float64
}

// SetBackground stores a background spectrum subtracted from every frame
// before reduction.  nil clears it.
func (e *Engine) SetBackground(bg []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bg == nil {
		e.background = nil
		return
	}
	e.background = append([]float64(nil), bg...)
}

// Background returns a copy of the stored background, or nil
func (e *Engine) Background() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.background == nil {
		return nil
	}
	return append([]float64(nil), e.background...)
}

// Reduce computes the channel-wise mean and variance of a burst with
// outlier rejection.  The input frames are not mutated.
func (e *Engine) Reduce(frames []camera.Frame) (Spectrum, error) {
	n := len(frames)
	if n == 0 {
		return Spectrum{}, ErrInsufficientData
	}
	channels := len(frames[0].Samples)
	for i := 1; i < n; i++ {
		if len(frames[i].Samples) != channels {
			return Spectrum{}, fmt.Errorf("average: frame %d has %d channels, expected %d",
				i, len(frames[i].Samples), channels)
		}
	}
	bg := e.Background()
	if bg != nil && len(bg) != channels {
		return Spectrum{}, fmt.Errorf("average: background has %d channels, expected %d", len(bg), channels)
	}

	// working copy with background removed
	data := make([][]float64, n)
	for i, f := range frames {
		row := append([]float64(nil), f.Samples...)
		if bg != nil {
			for c := range row {
				row[c] -= bg[c]
			}
		}
		data[i] = row
	}

	keep := make([]bool, n)
	for i := range keep {
		keep[i] = true
	}
	rejected := 0
	degraded := false
	if e.Sigma > 0 && n > 1 {
		rejected = flagOutliers(data, e.Sigma, keep)
		// ceil(n/2) frames must survive; otherwise fall back unfiltered
		if n-rejected < (n+1)/2 {
			for i := range keep {
				keep[i] = true
			}
			rejected = 0
			degraded = true
		}
	}

	mean, variance := meanVariance(data, keep, channels)
	return Spectrum{
		Mean:           mean,
		Variance:       variance,
		FramesUsed:     n - rejected,
		FramesRejected: rejected,
		Degraded:       degraded,
	}, nil
}

// flagOutliers clears keep[i] for frames with any channel more than sigma
// standard deviations from that channel's median, returning the count.
func flagOutliers(data [][]float64, sigma float64, keep []bool) int {
	n := len(data)
	channels := len(data[0])
	med := make([]float64, channels)
	std := make([]float64, channels)
	col := make([]float64, n)
	for c := 0; c < channels; c++ {
		for i := 0; i < n; i++ {
			col[i] = data[i][c]
		}
		med[c] = median(col)
		std[c] = stddev(col)
	}
	rejected := 0
	for i := 0; i < n; i++ {
		for c := 0; c < channels; c++ {
			if std[c] == 0 {
				continue
			}
			if math.Abs(data[i][c]-med[c]) > sigma*std[c] {
				keep[i] = false
				rejected++
				break
			}
		}
	}
	return rejected
}

// meanVariance runs Welford's algorithm channel-wise over the kept frames.
// Variance is the population variance; a single frame yields zero.
func meanVariance(data [][]float64, keep []bool, channels int) ([]float64, []float64) {
	mean := make([]float64, channels)
	m2 := make([]float64, channels)
	count := 0.
	for i, row := range data {
		if !keep[i] {
			continue
		}
		count++
		for c := 0; c < channels; c++ {
			delta := row[c] - mean[c]
			mean[c] += delta / count
			m2[c] += delta * (row[c] - mean[c])
		}
	}
	variance := make([]float64, channels)
	if count > 0 {
		for c := 0; c < channels; c++ {
			variance[c] = m2[c] / count
		}
	}
	return mean, variance
}

// median returns the middle value of xs.  xs is not modified.
func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// stddev returns the population standard deviation of xs
func stddev(xs []float64) float64 {
	n := float64(len(xs))
	if n == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= n
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / n)
}
