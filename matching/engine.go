// Package matching scores decoder RNTI series against the tracked device's own
// traffic and decides, tick by tick, which RNTI belongs to the device.
//
// One tick is: window -> pre-filter -> align -> standardize -> score -> rank ->
// selector. Per-candidate failures are counted and skipped; only a buffer
// fault aborts a tick.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rntitrack/buffer"
	"rntitrack/sample"
)

// Counters receives per-tick diagnostics. stats.Tracker implements it.
type Counters interface {
	IncInsufficient(series string)
	IncNoOverlap()
	IncPrefilterRejected(reason Rejection)
	IncDegenerate(series string)
	IncNoCandidates()
	ObserveDecision(d Decision)
}

type nopCounters struct{}

func (nopCounters) IncInsufficient(string) {}
func (nopCounters) IncNoOverlap() {}
func (nopCounters) IncPrefilterRejected(Rejection) {}
func (nopCounters) IncDegenerate(string) {}
func (nopCounters) IncNoCandidates() {}
func (nopCounters) ObserveDecision(Decision) {}

// Series labels passed to Counters.
const (
	SeriesCandidate = "candidate"
	SeriesReference = "reference"
)

// Engine runs scoring ticks over a buffer and owns the session.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	store    *buffer.Store
	session  *Session
	filter   PreFilter
	aligner  Aligner
	scorer   Scorer
	selector Selector
	counters Counters
}

// NewEngine wires an engine over store. cfg is normalized on a copy; a nil
// counters sink discards diagnostics.
func NewEngine(cfg Config, store *buffer.Store, counters Counters) *Engine {
	cfg.Normalize()
	if counters == nil {
		counters = nopCounters{}
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		session:  NewSession(cfg.HistorySize, cfg.DominantSize),
		filter:   NewPreFilter(cfg),
		aligner:  NewAligner(cfg),
		scorer:   NewScorer(cfg),
		selector: NewSelector(cfg),
		counters: counters,
	}
}

// Config returns the normalized config the engine runs with.
func (e *Engine) Config() Config {
	return e.cfg
}

// Session exposes the session for read access.
func (e *Engine) Session() *Session {
	return e.session
}

// Tick scores every buffered candidate against the reference window ending at
// now and advances the selector. It only fails on a buffer fault or a
// cancelled context; every other condition yields a decision.
func (e *Engine) Tick(ctx context.Context, now time.Time) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	ranked, reason, err := e.scoreLocked(ctx, now)
	if err != nil {
		return Decision{}, err
	}
	step := e.selector.Next(e.session.State(), ranked, now)
	if reason != "" && step.Reason == ReasonNoCandidates {
		step.Reason = reason
	}
	d := e.session.record(step, ranked, now)
	e.counters.ObserveDecision(d)
	return d, nil
}

// Scores runs the scoring half of a tick without touching the session.
func (e *Engine) Scores(ctx context.Context, now time.Time) ([]CandidateScore, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ranked, _, err := e.scoreLocked(ctx, now)
	return ranked, err
}

// scoreLocked returns the ranked candidates plus a reason when scoring was
// skipped entirely.
func (e *Engine) scoreLocked(ctx context.Context, now time.Time) ([]CandidateScore, string, error) {
	e.store.Evict(now)
	window := e.cfg.Window()

	refWin, err := e.store.ReferenceWindow(now, window)
	if err != nil {
		if errors.Is(err, buffer.ErrInsufficientData) {
			e.counters.IncInsufficient(SeriesReference)
			return nil, ReasonNoReference, nil
		}
		return nil, "", fmt.Errorf("matching: reference window: %w", err)
	}
	if Standardize(refWin, e.cfg.Epsilon).Degenerate {
		// A silent or constant reference carries no pattern to match.
		e.counters.IncDegenerate(SeriesReference)
		return nil, ReasonNoReference, nil
	}

	keys, err := e.store.Keys()
	if err != nil {
		return nil, "", fmt.Errorf("matching: list candidates: %w", err)
	}
	scores := make([]CandidateScore, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		score, ok, err := e.scoreCandidate(key, refWin, now)
		if err != nil {
			return nil, "", err
		}
		if ok {
			scores = append(scores, score)
		}
	}
	if len(scores) == 0 {
		e.counters.IncNoCandidates()
		return nil, "", nil
	}
	return Rank(scores, e.preferredLocked(), e.cfg.TieEpsilon), "", nil
}

func (e *Engine) scoreCandidate(key sample.Key, refWin sample.Window, now time.Time) (CandidateScore, bool, error) {
	candWin, err := e.store.Window(key, now, e.cfg.Window())
	if err != nil {
		if errors.Is(err, buffer.ErrInsufficientData) {
			e.counters.IncInsufficient(SeriesCandidate)
			return CandidateScore{}, false, nil
		}
		return CandidateScore{}, false, fmt.Errorf("matching: candidate %s window: %w", key, err)
	}
	if rejection := e.filter.Check(candWin, refWin); rejection != RejectNone {
		e.counters.IncPrefilterRejected(rejection)
		return CandidateScore{}, false, nil
	}
	alignedCand, alignedRef, err := e.aligner.Align(candWin, refWin)
	if err != nil {
		e.counters.IncNoOverlap()
		return CandidateScore{}, false, nil
	}
	stdRef := Standardize(alignedRef, e.cfg.Epsilon)
	if stdRef.Degenerate {
		// the reference is flat over this candidate's span only
		e.counters.IncDegenerate(SeriesReference)
		return CandidateScore{}, false, nil
	}
	stdCand := Standardize(alignedCand, e.cfg.Epsilon)
	if stdCand.Degenerate {
		e.counters.IncDegenerate(SeriesCandidate)
	}
	return CandidateScore{
		Key:         key,
		Score:       e.scorer.Score(stdCand, stdRef),
		SampleCount: candWin.Len(),
		Degenerate:  stdCand.Degenerate,
	}, true, nil
}

// preferredLocked picks the key that wins near-ties: the lock, else the
// current candidate, else the previous lock.
func (e *Engine) preferredLocked() *sample.Key {
	st := e.session.State()
	switch {
	case st.Phase != PhaseUnlocked:
		key := st.Key
		return &key
	case st.HasPrevious:
		key := st.Previous
		return &key
	}
	return nil
}

// CellChanged flushes all buffered samples, resets the session to the new
// cell and records an unlocked decision at data time at opening the new epoch.
func (e *Engine) CellChanged(cell uint32, at time.Time) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Flush()
	e.session.Reset(cell, true)
	return e.recordResetLocked(ReasonCellChanged, at)
}

// DeviceDisconnected flushes all buffered samples and resets the session,
// keeping the current cell.
func (e *Engine) DeviceDisconnected(at time.Time) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Flush()
	cell, hasCell := e.session.Cell()
	e.session.Reset(cell, hasCell)
	return e.recordResetLocked(ReasonDisconnected, at)
}

func (e *Engine) recordResetLocked(reason string, at time.Time) Decision {
	d := e.session.record(Step{Reason: reason}, nil, at)
	e.counters.ObserveDecision(d)
	return d
}
