package stats

import (
	"net/http"

	"rntitrack/matching"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one tracker. Each tracker owns a
// registry so tests can build trackers freely.
type Metrics struct {
	registry *prometheus.Registry

	samples      *prometheus.CounterVec
	late         *prometheus.CounterVec
	parseErrors  *prometheus.CounterVec
	drops        *prometheus.CounterVec
	insufficient *prometheus.CounterVec
	degenerate   *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	noOverlap    prometheus.Counter
	noCandidates prometheus.Counter
	tickErrors   prometheus.Counter
	tickDuration prometheus.Histogram
	confidence   prometheus.Gauge
	bestScore    prometheus.Gauge
	scored       prometheus.Gauge
	lockedRNTI   prometheus.Gauge
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		samples: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rntitrack_samples_total",
			Help: "Samples accepted into the buffer by feed",
		}, []string{"feed"}),
		late: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rntitrack_late_samples_dropped_total",
			Help: "Samples dropped beyond the lateness bound by feed",
		}, []string{"feed"}),
		parseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rntitrack_parse_errors_total",
			Help: "Undecodable feed messages by feed",
		}, []string{"feed"}),
		drops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rntitrack_queue_drops_total",
			Help: "Messages dropped on full queues by feed",
		}, []string{"feed"}),
		insufficient: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rntitrack_insufficient_data_total",
			Help: "Windows with fewer than the minimum samples by series",
		}, []string{"series"}),
		degenerate: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rntitrack_degenerate_window_total",
			Help: "Windows whose deviation was floored by series",
		}, []string{"series"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rntitrack_prefilter_rejected_total",
			Help: "Candidates rejected before scoring by reason",
		}, []string{"reason"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rntitrack_decisions_total",
			Help: "Decisions emitted by selector phase",
		}, []string{"phase"}),
		noOverlap: f.NewCounter(prometheus.CounterOpts{
			Name: "rntitrack_no_overlap_total",
			Help: "Candidates that could not be aligned with the reference",
		}),
		noCandidates: f.NewCounter(prometheus.CounterOpts{
			Name: "rntitrack_no_candidates_total",
			Help: "Ticks where no candidate survived the pre-filter",
		}),
		tickErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "rntitrack_tick_errors_total",
			Help: "Ticks aborted by a buffer fault",
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rntitrack_tick_duration_seconds",
			Help:    "Scoring tick duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		}),
		confidence: f.NewGauge(prometheus.GaugeOpts{
			Name: "rntitrack_confidence",
			Help: "Confidence of the current candidate or lock",
		}),
		bestScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "rntitrack_best_score",
			Help: "Best candidate score in the last tick",
		}),
		scored: f.NewGauge(prometheus.GaugeOpts{
			Name: "rntitrack_scored_candidates",
			Help: "Candidates that reached the selector in the last tick",
		}),
		lockedRNTI: f.NewGauge(prometheus.GaugeOpts{
			Name: "rntitrack_locked_rnti",
			Help: "Currently locked RNTI, -1 when unlocked",
		}),
	}
}

func (m *Metrics) observeDecision(d matching.Decision) {
	m.decisions.WithLabelValues(d.Phase.String()).Inc()
	m.confidence.Set(d.Confidence)
	m.scored.Set(float64(d.Scored))
	if d.HasBest {
		m.bestScore.Set(d.BestScore)
	}
	if key, ok := d.Matched(); ok {
		m.lockedRNTI.Set(float64(key.RNTI))
	} else {
		m.lockedRNTI.Set(-1)
	}
}

// Registry returns the registry holding this tracker's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
