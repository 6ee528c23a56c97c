package matching

import (
	"strings"
	"time"
)

// Score methods.
const (
	MethodPearson = "pearson"
	MethodNegMSD  = "neg_msd"
)

// Alignment modes.
const (
	AlignNearest = "nearest"
	AlignLinear  = "linear"
	AlignSum     = "sum"
)

// Config holds the matcher's tuning knobs. Thresholds are in score units of the
// configured method; zero means "use the method default".
type Config struct {
	WindowMS       int    `yaml:"window_ms"`        // scoring window length
	TickIntervalMS int    `yaml:"tick_interval_ms"` // data-time spacing between ticks
	StepMS         int    `yaml:"step_ms"`          // alignment grid; 0 = coarser median spacing
	AlignMode      string `yaml:"align_mode"`       // nearest | linear | sum
	Method         string `yaml:"method"`           // pearson | neg_msd

	Epsilon          float64 `yaml:"epsilon"`            // stddev floor
	MinOverlapRatio  float64 `yaml:"min_overlap_ratio"`  // overlap / window required to score
	MinAlignedPoints int     `yaml:"min_aligned_points"` // grid points required to score

	// Pre-filter, relative to the reference window unless noted.
	MinOccurrenceFactor float64 `yaml:"min_occurrence_factor"`
	MinTotalFactor      float64 `yaml:"min_total_factor"`
	MaxTotalFactor      float64 `yaml:"max_total_factor"`
	MaxPerSample        float64 `yaml:"max_per_sample"` // absolute
	MinVariance         float64 `yaml:"min_variance"`   // absolute

	AcceptScore           float64 `yaml:"accept_score"`
	ReleaseScore          float64 `yaml:"release_score"`
	SwitchMargin          float64 `yaml:"switch_margin"`
	TieEpsilon            float64 `yaml:"tie_epsilon"`
	StreakThreshold       int     `yaml:"streak_threshold"`
	SwitchStreakThreshold int     `yaml:"switch_streak_threshold"`
	GraceMS               int     `yaml:"grace_ms"`

	HistorySize  int `yaml:"history_size"`  // decisions kept in the session
	DominantSize int `yaml:"dominant_size"` // recent decisions voted for the dominant RNTI
}

// DefaultConfig returns the default tuning. Accept, release and switch margin
// are left zero so Normalize can pick them for the configured method.
func DefaultConfig() Config {
	return Config{
		WindowMS:              10000,
		TickIntervalMS:        1000,
		StepMS:                0,
		AlignMode:             AlignSum,
		Method:                MethodPearson,
		Epsilon:               1e-6,
		MinOverlapRatio:       0.5,
		MinAlignedPoints:      8,
		MinOccurrenceFactor:   0.05,
		MinTotalFactor:        0.005,
		MaxTotalFactor:        200,
		MaxPerSample:          5_000_000,
		MinVariance:           1e-9,
		TieEpsilon:            0.01,
		StreakThreshold:       3,
		SwitchStreakThreshold: 3,
		GraceMS:               5000,
		HistorySize:           256,
		DominantSize:          5,
	}
}

// methodThresholds returns accept/release/margin defaults for a method.
func methodThresholds(method string) (accept, release, margin float64) {
	if method == MethodNegMSD {
		// msd of z-scores is about 2(1-r)
		return -0.8, -1.2, 0.2
	}
	return 0.6, 0.4, 0.1
}

// Normalize fills defaults and clamps invalid values in place.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	def := DefaultConfig()
	if c.WindowMS <= 0 {
		c.WindowMS = def.WindowMS
	}
	if c.TickIntervalMS <= 0 {
		c.TickIntervalMS = def.TickIntervalMS
	}
	if c.StepMS < 0 {
		c.StepMS = 0
	}
	c.AlignMode = strings.ToLower(strings.TrimSpace(c.AlignMode))
	switch c.AlignMode {
	case AlignNearest, AlignLinear, AlignSum:
	default:
		c.AlignMode = def.AlignMode
	}
	c.Method = strings.ToLower(strings.TrimSpace(c.Method))
	switch c.Method {
	case MethodPearson, MethodNegMSD:
	default:
		c.Method = def.Method
	}
	if c.Epsilon <= 0 {
		c.Epsilon = def.Epsilon
	}
	if c.MinOverlapRatio <= 0 || c.MinOverlapRatio > 1 {
		c.MinOverlapRatio = def.MinOverlapRatio
	}
	if c.MinAlignedPoints <= 0 {
		c.MinAlignedPoints = def.MinAlignedPoints
	}
	if c.MinAlignedPoints < 2 {
		c.MinAlignedPoints = 2
	}
	if c.MinOccurrenceFactor < 0 {
		c.MinOccurrenceFactor = 0
	}
	if c.MinTotalFactor < 0 {
		c.MinTotalFactor = 0
	}
	if c.MaxTotalFactor <= 0 {
		c.MaxTotalFactor = def.MaxTotalFactor
	}
	if c.MaxPerSample <= 0 {
		c.MaxPerSample = def.MaxPerSample
	}
	if c.MinVariance < 0 {
		c.MinVariance = 0
	}
	accept, release, margin := methodThresholds(c.Method)
	if c.AcceptScore == 0 {
		c.AcceptScore = accept
	}
	if c.ReleaseScore == 0 {
		c.ReleaseScore = release
	}
	if c.ReleaseScore > c.AcceptScore {
		c.ReleaseScore = c.AcceptScore
	}
	if c.SwitchMargin <= 0 {
		c.SwitchMargin = margin
	}
	if c.TieEpsilon < 0 {
		c.TieEpsilon = 0
	}
	if c.StreakThreshold < 1 {
		c.StreakThreshold = 1
	}
	if c.SwitchStreakThreshold < 1 {
		c.SwitchStreakThreshold = 1
	}
	if c.GraceMS < 0 {
		c.GraceMS = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.DominantSize <= 0 {
		c.DominantSize = def.DominantSize
	}
	if c.DominantSize > c.HistorySize {
		c.DominantSize = c.HistorySize
	}
}

// Window returns the scoring window length.
func (c Config) Window() time.Duration {
	return time.Duration(c.WindowMS) * time.Millisecond
}

// TickInterval returns the data-time spacing between ticks.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// Step returns the fixed alignment step, or 0 for automatic.
func (c Config) Step() time.Duration {
	return time.Duration(c.StepMS) * time.Millisecond
}

// Grace returns how long a lock may be missing from the scored set.
func (c Config) Grace() time.Duration {
	return time.Duration(c.GraceMS) * time.Millisecond
}
