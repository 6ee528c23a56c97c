package matching

import (
	"math"

	"rntitrack/sample"
)

// Standardized is a window rescaled to zero mean and unit sample deviation.
type Standardized struct {
	Window     sample.Window
	Values     []float64
	Mean       float64
	StdDev     float64 // after flooring at epsilon
	Degenerate bool    // raw deviation was below epsilon
}

// Standardize z-scores the window values using the n-1 sample deviation. A
// deviation below epsilon is replaced by epsilon and the result is flagged
// degenerate; a constant window therefore standardizes to all zeros.
func Standardize(w sample.Window, epsilon float64) Standardized {
	raw := w.Values()
	out := Standardized{Window: w, Values: make([]float64, len(raw))}
	if len(raw) == 0 {
		out.StdDev = epsilon
		out.Degenerate = true
		return out
	}
	out.Mean = mean(raw)
	sd := math.Sqrt(variance(raw))
	if sd < epsilon || math.IsNaN(sd) {
		sd = epsilon
		out.Degenerate = true
	}
	out.StdDev = sd
	for i, v := range raw {
		out.Values[i] = (v - out.Mean) / sd
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// variance is the n-1 sample variance; fewer than two values yield 0.
func variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return ss / float64(len(values)-1)
}
