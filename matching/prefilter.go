package matching

import "rntitrack/sample"

// Rejection names why a candidate window was rejected before scoring.
type Rejection string

// Pre-filter outcomes. The non-OK values double as metric labels.
const (
	RejectNone       Rejection = "ok"
	RejectFewSamples Rejection = "few_samples"
	RejectIdle       Rejection = "idle"
	RejectTotalLow   Rejection = "total_low"
	RejectTotalHigh  Rejection = "total_high"
	RejectBurst      Rejection = "burst"
	RejectFlat       Rejection = "flat"
)

// Rejections lists every rejection reason in a stable order.
func Rejections() []Rejection {
	return []Rejection{RejectFewSamples, RejectIdle, RejectTotalLow, RejectTotalHigh, RejectBurst, RejectFlat}
}

// PreFilter rejects candidates that cannot plausibly carry the reference
// traffic. Volume bounds scale with the reference window so the same filter
// works for a phone idling at a few hundred bytes and a bulk upload.
type PreFilter struct {
	minOccurrenceFactor float64
	minTotalFactor      float64
	maxTotalFactor      float64
	maxPerSample        float64
	minVariance         float64
}

// NewPreFilter builds a filter from normalized config.
func NewPreFilter(cfg Config) PreFilter {
	return PreFilter{
		minOccurrenceFactor: cfg.MinOccurrenceFactor,
		minTotalFactor:      cfg.MinTotalFactor,
		maxTotalFactor:      cfg.MaxTotalFactor,
		maxPerSample:        cfg.MaxPerSample,
		minVariance:         cfg.MinVariance,
	}
}

// Check returns the first rule the candidate window fails, or RejectNone.
func (f PreFilter) Check(cand, ref sample.Window) Rejection {
	n := cand.Len()
	if n == 0 {
		return RejectFewSamples
	}
	if float64(n) < f.minOccurrenceFactor*float64(ref.Len()) {
		return RejectFewSamples
	}
	total := cand.Sum()
	if total <= 0 {
		return RejectIdle
	}
	refTotal := ref.Sum()
	if refTotal > 0 {
		if total < f.minTotalFactor*refTotal {
			return RejectTotalLow
		}
		if total > f.maxTotalFactor*refTotal {
			return RejectTotalHigh
		}
	}
	if cand.Max() > f.maxPerSample {
		return RejectBurst
	}
	if variance(cand.Values()) < f.minVariance {
		return RejectFlat
	}
	return RejectNone
}

// IsPlausible reports whether the candidate passes every rule.
func (f PreFilter) IsPlausible(cand, ref sample.Window) bool {
	return f.Check(cand, ref) == RejectNone
}
