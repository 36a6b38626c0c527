// Package stats holds the small numeric helpers shared by the telemetry
// store and the analytical agents.
package stats

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean, or zero for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// MeanStdDev computes mean and population standard deviation in one pass
// using Welford's update.
func MeanStdDev(values []float64) (mean, stdDev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var m, m2 float64
	for i, v := range values {
		delta := v - m
		m += delta / float64(i+1)
		m2 += delta * (v - m)
	}
	return m, math.Sqrt(m2 / float64(len(values)))
}

// MinMax returns the extremes of the slice, or zeros when empty.
func MinMax(values []float64) (min, max float64) {
	if len(values) == 0 {
		return 0, 0
	}
	min, max = values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// Percentile returns the q-th percentile (0-100) using nearest-rank on a
// sorted copy. Returns zero for an empty slice.
func Percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if q <= 0 {
		return sorted[0]
	}
	if q >= 100 {
		return sorted[len(sorted)-1]
	}
	index := int((q / 100.0) * float64(len(sorted)-1))
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

// ZScore measures how many standard deviations value sits from mean. A
// near-zero deviation is floored so flat series still produce a finite score.
func ZScore(value, mean, stdDev float64) float64 {
	if stdDev < 1e-9 {
		stdDev = 0.01
	}
	return (value - mean) / stdDev
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
