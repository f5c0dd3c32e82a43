// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// Linspace returns n evenly spaced values over [start, end], inclusive of
// both endpoints.  n < 2 returns []float64{start}.
func Linspace(start, end float64, n int) []float64 {
	if n < 2 {
		return []float64{start}
	}
	step := (end - start) / float64(n-1)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = start + float64(i)*step
	}
	// avoid accumulated rounding on the final point
	out[n-1] = end
	return out
}

// ExpSpace returns n values spanning [start, end] with exponentially growing
// spacing.  Delay scans use this to sample early times densely and late
// times sparsely.
func ExpSpace(start, end float64, n int) []float64 {
	if n < 2 {
		return []float64{start}
	}
	span := end - start
	denom := math.E - 1
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		x := float64(i) / float64(n-1)
		out[i] = start + span*math.Expm1(x)/denom
	}
	out[n-1] = end
	return out
}

// Clamp restricts x to the range [low, high]
func Clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// SecsToDuration converts a floating point number of seconds to a Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * 1e9)
}
