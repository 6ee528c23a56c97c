package matching

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"rntitrack/sample"
)

// ErrNoOverlap reports that a candidate and the reference do not share enough
// time span to be compared.
var ErrNoOverlap = errors.New("matching: insufficient overlap")

// Aligner resamples a candidate and the reference onto one shared time grid.
type Aligner struct {
	mode       string
	step       time.Duration
	minOverlap float64
	minPoints  int
}

// NewAligner builds an aligner from normalized config.
func NewAligner(cfg Config) Aligner {
	return Aligner{
		mode:       cfg.AlignMode,
		step:       cfg.Step(),
		minOverlap: cfg.MinOverlapRatio,
		minPoints:  max(cfg.MinAlignedPoints, 2),
	}
}

// Align cuts both windows to their common span and resamples them onto the
// same grid, returning two windows of equal length with identical timestamps.
func (a Aligner) Align(cand, ref sample.Window) (sample.Window, sample.Window, error) {
	if cand.Len() == 0 || ref.Len() == 0 {
		return sample.Window{}, sample.Window{}, fmt.Errorf("%w: empty window", ErrNoOverlap)
	}
	start := laterOf(cand.First(), ref.First())
	end := earlierOf(cand.Last(), ref.Last())
	if end.Before(start) {
		return sample.Window{}, sample.Window{}, fmt.Errorf("%w: disjoint spans", ErrNoOverlap)
	}
	overlap := end.Sub(start)
	span := ref.Duration()
	if span <= 0 {
		span = ref.Last().Sub(ref.First())
	}
	if float64(overlap) < a.minOverlap*float64(span) {
		return sample.Window{}, sample.Window{}, fmt.Errorf("%w: %s of %s", ErrNoOverlap, overlap, span)
	}

	step := a.step
	if step <= 0 {
		step = max(medianSpacing(cand.Points), medianSpacing(ref.Points))
	}
	if step <= 0 {
		return sample.Window{}, sample.Window{}, fmt.Errorf("%w: no sample spacing", ErrNoOverlap)
	}
	count := int(overlap/step) + 1
	if count < a.minPoints {
		return sample.Window{}, sample.Window{}, fmt.Errorf("%w: %d grid points", ErrNoOverlap, count)
	}

	var resample func([]sample.Point, time.Time, time.Duration, int) []sample.Point
	switch a.mode {
	case AlignNearest:
		resample = resampleNearest
	case AlignLinear:
		resample = resampleLinear
	default:
		resample = resampleSum
	}
	outCand := sample.Window{Start: start, End: end, Points: resample(cand.Points, start, step, count)}
	outRef := sample.Window{Start: start, End: end, Points: resample(ref.Points, start, step, count)}
	return outCand, outRef, nil
}

// resampleSum accumulates points into right-closed (t-step, t] buckets, the
// same convention as buffer windows: a value stamped t covers the interval
// ending at t. Empty buckets are 0.
func resampleSum(pts []sample.Point, start time.Time, step time.Duration, count int) []sample.Point {
	out := gridPoints(start, step, count)
	for _, p := range pts {
		offset := p.At.Sub(start)
		if offset <= -step {
			continue
		}
		idx := 0
		if offset > 0 {
			idx = int((offset + step - 1) / step)
		}
		if idx >= count {
			break
		}
		out[idx].Value += p.Value
	}
	return out
}

func resampleNearest(pts []sample.Point, start time.Time, step time.Duration, count int) []sample.Point {
	out := gridPoints(start, step, count)
	for i := range out {
		t := out[i].At
		j := sort.Search(len(pts), func(k int) bool { return !pts[k].At.Before(t) })
		switch {
		case j == 0:
			out[i].Value = pts[0].Value
		case j == len(pts):
			out[i].Value = pts[len(pts)-1].Value
		case pts[j].At.Sub(t) < t.Sub(pts[j-1].At):
			out[i].Value = pts[j].Value
		default:
			out[i].Value = pts[j-1].Value
		}
	}
	return out
}

func resampleLinear(pts []sample.Point, start time.Time, step time.Duration, count int) []sample.Point {
	out := gridPoints(start, step, count)
	for i := range out {
		t := out[i].At
		j := sort.Search(len(pts), func(k int) bool { return !pts[k].At.Before(t) })
		switch {
		case j == 0:
			out[i].Value = pts[0].Value
		case j == len(pts):
			out[i].Value = pts[len(pts)-1].Value
		case pts[j].At.Equal(t):
			out[i].Value = pts[j].Value
		default:
			lo, hi := pts[j-1], pts[j]
			frac := float64(t.Sub(lo.At)) / float64(hi.At.Sub(lo.At))
			out[i].Value = lo.Value + frac*(hi.Value-lo.Value)
		}
	}
	return out
}

func gridPoints(start time.Time, step time.Duration, count int) []sample.Point {
	out := make([]sample.Point, count)
	for i := range out {
		out[i].At = start.Add(time.Duration(i) * step)
	}
	return out
}

func medianSpacing(pts []sample.Point) time.Duration {
	if len(pts) < 2 {
		return 0
	}
	deltas := make([]time.Duration, 0, len(pts)-1)
	for i := 1; i < len(pts); i++ {
		deltas = append(deltas, pts[i].At.Sub(pts[i-1].At))
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })
	return deltas[len(deltas)/2]
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlierOf(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
