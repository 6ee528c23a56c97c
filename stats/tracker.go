// Package stats tracks feed and matcher counters for periodic console output
// and exports the same counters to Prometheus.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rntitrack/matching"

	"github.com/dustin/go-humanize"
)

// Feed names used as counter labels.
const (
	FeedDecoder   = "decoder"
	FeedReference = "reference"
)

// Tracker counts ingest and matching events. It implements matching.Counters.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-sample increments don't fight over a mutex
	samples      sync.Map // feed -> *atomic.Uint64
	late         sync.Map // feed -> *atomic.Uint64
	parseErrors  sync.Map // feed -> *atomic.Uint64
	drops        sync.Map // feed -> *atomic.Uint64
	insufficient sync.Map // series -> *atomic.Uint64
	degenerate   sync.Map // series -> *atomic.Uint64
	rejected     sync.Map // reason -> *atomic.Uint64
	decisions    sync.Map // phase -> *atomic.Uint64

	noOverlap    atomic.Uint64
	noCandidates atomic.Uint64
	ticks        atomic.Uint64
	tickErrors   atomic.Uint64
	start        atomic.Int64

	lastMu       sync.Mutex
	lastDecision matching.Decision
	hasDecision  bool

	metrics *Metrics
}

// NewTracker creates a tracker with its own Prometheus registry.
func NewTracker() *Tracker {
	t := &Tracker{metrics: newMetrics()}
	t.start.Store(time.Now().UnixNano())
	return t
}

// Metrics returns the Prometheus collectors backing this tracker.
func (t *Tracker) Metrics() *Metrics {
	return t.metrics
}

// IncSamples counts a sample accepted into the buffer.
func (t *Tracker) IncSamples(feed string) {
	incrementCounter(&t.samples, feed)
	t.metrics.samples.WithLabelValues(feed).Inc()
}

// IncLate counts a sample dropped for arriving beyond the lateness bound.
func (t *Tracker) IncLate(feed string) {
	incrementCounter(&t.late, feed)
	t.metrics.late.WithLabelValues(feed).Inc()
}

// IncParseErrors counts an undecodable message on a feed.
func (t *Tracker) IncParseErrors(feed string) {
	incrementCounter(&t.parseErrors, feed)
	t.metrics.parseErrors.WithLabelValues(feed).Inc()
}

// IncDrops counts a message dropped on a full queue.
func (t *Tracker) IncDrops(feed string) {
	incrementCounter(&t.drops, feed)
	t.metrics.drops.WithLabelValues(feed).Inc()
}

// IncInsufficient counts a window with too few samples.
func (t *Tracker) IncInsufficient(series string) {
	incrementCounter(&t.insufficient, series)
	t.metrics.insufficient.WithLabelValues(series).Inc()
}

// IncNoOverlap counts a candidate that could not be aligned with the reference.
func (t *Tracker) IncNoOverlap() {
	t.noOverlap.Add(1)
	t.metrics.noOverlap.Inc()
}

// IncPrefilterRejected counts a candidate rejected before scoring.
func (t *Tracker) IncPrefilterRejected(reason matching.Rejection) {
	incrementCounter(&t.rejected, string(reason))
	t.metrics.rejected.WithLabelValues(string(reason)).Inc()
}

// IncDegenerate counts a window whose deviation was floored.
func (t *Tracker) IncDegenerate(series string) {
	incrementCounter(&t.degenerate, series)
	t.metrics.degenerate.WithLabelValues(series).Inc()
}

// IncNoCandidates counts a tick where nothing survived to the selector.
func (t *Tracker) IncNoCandidates() {
	t.noCandidates.Add(1)
	t.metrics.noCandidates.Inc()
}

// ObserveDecision records a tick's decision.
func (t *Tracker) ObserveDecision(d matching.Decision) {
	t.ticks.Add(1)
	incrementCounter(&t.decisions, d.Phase.String())
	t.metrics.observeDecision(d)
	t.lastMu.Lock()
	t.lastDecision = d
	t.hasDecision = true
	t.lastMu.Unlock()
}

// IncTickErrors counts a tick that failed outright.
func (t *Tracker) IncTickErrors() {
	t.tickErrors.Add(1)
	t.metrics.tickErrors.Inc()
}

// ObserveTickDuration records how long a scoring tick took.
func (t *Tracker) ObserveTickDuration(d time.Duration) {
	t.metrics.tickDuration.Observe(d.Seconds())
}

// Count returns a single labelled counter, for tests and health output.
func (t *Tracker) Count(kind, label string) uint64 {
	var m *sync.Map
	switch kind {
	case "samples":
		m = &t.samples
	case "late":
		m = &t.late
	case "parse_errors":
		m = &t.parseErrors
	case "drops":
		m = &t.drops
	case "insufficient":
		m = &t.insufficient
	case "degenerate":
		m = &t.degenerate
	case "rejected":
		m = &t.rejected
	case "decisions":
		m = &t.decisions
	default:
		return 0
	}
	if v, ok := m.Load(label); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

// NoOverlap returns the cumulative count of unalignable candidates.
func (t *Tracker) NoOverlap() uint64 {
	return t.noOverlap.Load()
}

// NoCandidates returns the cumulative count of empty ticks.
func (t *Tracker) NoCandidates() uint64 {
	return t.noCandidates.Load()
}

// Ticks returns the number of decisions observed.
func (t *Tracker) Ticks() uint64 {
	return t.ticks.Load()
}

// GetUptime returns how long the tracker has been running.
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	lines := make([]string, 0, 5)
	lines = append(lines, formatMapCounts("Samples", &t.samples))
	lines = append(lines, formatMapCounts("Late drops", &t.late)+" | "+formatMapCounts("Queue drops", &t.drops))
	lines = append(lines, fmt.Sprintf("Ticks: %s (errors %s) | no_overlap=%s no_candidates=%s",
		humanize.Comma(int64(t.ticks.Load())), humanize.Comma(int64(t.tickErrors.Load())),
		humanize.Comma(int64(t.noOverlap.Load())), humanize.Comma(int64(t.noCandidates.Load()))))
	lines = append(lines, formatMapCounts("Rejected", &t.rejected)+" | "+formatMapCounts("Insufficient", &t.insufficient)+" | "+formatMapCounts("Degenerate", &t.degenerate))
	lines = append(lines, t.decisionLine())
	return lines
}

func (t *Tracker) decisionLine() string {
	t.lastMu.Lock()
	d, ok := t.lastDecision, t.hasDecision
	t.lastMu.Unlock()
	if !ok {
		return "Decision: (none)"
	}
	switch d.Phase {
	case matching.PhaseLocked:
		return fmt.Sprintf("Decision: locked rnti=%d cell=%d conf=%.2f (%s)", d.Key.RNTI, d.Key.Cell, d.Confidence, d.Reason)
	case matching.PhaseCandidate:
		return fmt.Sprintf("Decision: candidate rnti=%d cell=%d (%s)", d.Key.RNTI, d.Key.Cell, d.Reason)
	default:
		return fmt.Sprintf("Decision: unlocked scored=%d (%s)", d.Scored, d.Reason)
	}
}

func formatMapCounts(label string, counts *sync.Map) string {
	type kv struct {
		key   string
		value uint64
	}
	var entries []kv
	counts.Range(func(key, value any) bool {
		entries = append(entries, kv{key: key.(string), value: value.(*atomic.Uint64).Load()})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(entries) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	for i, e := range entries {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%s", e.key, humanize.Comma(int64(e.value)))
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
