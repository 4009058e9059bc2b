// Package stats holds the small descriptive statistics used by profile
// synthesis and anomaly scoring. Every function returns 0 instead of NaN or
// Inf on empty or degenerate input.
package stats

import "math"

// Mean returns the arithmetic mean of values.
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

// Variance returns the population variance (divide by n).
func Variance(values []float64) float64 {
	if len(values) <= 1 {
		return 0
	}
	mu := Mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - mu
		sum += d * d
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation.
func StdDev(values []float64) float64 {
	return math.Sqrt(Variance(values))
}

// SafeDiv returns num/den, or 0 when den is zero or the result is not finite.
func SafeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return Finite(num / den)
}

// Finite maps NaN and ±Inf to 0.
func Finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
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

// NonNegative clamps v at zero and scrubs non-finite values.
func NonNegative(v float64) float64 {
	return math.Max(Finite(v), 0)
}
