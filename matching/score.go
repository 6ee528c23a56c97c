package matching

import (
	"math"
	"sort"

	"rntitrack/sample"
)

// CandidateScore is one candidate's similarity to the reference for a tick.
type CandidateScore struct {
	Key         sample.Key
	Score       float64
	SampleCount int  // raw points in the candidate window
	Degenerate  bool // candidate deviation was floored
}

// Scorer compares standardized series. Higher scores mean more similar.
type Scorer struct {
	method string
}

// NewScorer builds a scorer for the configured method.
func NewScorer(cfg Config) Scorer {
	return Scorer{method: cfg.Method}
}

// Method returns the configured method name.
func (s Scorer) Method() string {
	return s.method
}

// Score returns the similarity of two equal-length standardized series.
// Series of different length are compared over their common prefix.
func (s Scorer) Score(cand, ref Standardized) float64 {
	a, b := cand.Values, ref.Values
	n := min(len(a), len(b))
	if n < 2 {
		return s.floor()
	}
	switch s.method {
	case MethodNegMSD:
		var ss float64
		for i := 0; i < n; i++ {
			d := a[i] - b[i]
			ss += d * d
		}
		return -ss / float64(n)
	default:
		var dot float64
		for i := 0; i < n; i++ {
			dot += a[i] * b[i]
		}
		r := dot / float64(n-1)
		// floating error can push |r| marginally past 1
		return math.Max(-1, math.Min(1, r))
	}
}

// floor is the worst possible score for the method.
func (s Scorer) floor() float64 {
	if s.method == MethodNegMSD {
		return math.Inf(-1)
	}
	return -1
}

// Confidence maps a score onto [0, 1].
func (s Scorer) Confidence(score float64) float64 {
	var c float64
	switch s.method {
	case MethodNegMSD:
		c = 1 - (-score)/2
	default:
		c = score
	}
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Rank orders scores best first; equal scores fall back to ascending cell and
// RNTI so ranking is deterministic. When prefer is set and its score is within
// tieEpsilon of the best, it is moved to the front to avoid flapping between
// near-equal candidates.
func Rank(scores []CandidateScore, prefer *sample.Key, tieEpsilon float64) []CandidateScore {
	out := make([]CandidateScore, len(scores))
	copy(out, scores)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Key.Cell != out[j].Key.Cell {
			return out[i].Key.Cell < out[j].Key.Cell
		}
		return out[i].Key.RNTI < out[j].Key.RNTI
	})
	if prefer == nil || len(out) < 2 || out[0].Key == *prefer {
		return out
	}
	for i := 1; i < len(out); i++ {
		if out[i].Key != *prefer {
			continue
		}
		if out[0].Score-out[i].Score <= tieEpsilon {
			preferred := out[i]
			copy(out[1:i+1], out[0:i])
			out[0] = preferred
		}
		break
	}
	return out
}
