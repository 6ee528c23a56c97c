package matching

import (
	"sync"
	"time"

	"rntitrack/allocation"
	"rntitrack/buffer"
	"rntitrack/sample"
)

// Decision is the immutable per-tick output of the matcher.
type Decision struct {
	Seq        uint64
	Epoch      uint64
	At         time.Time // data time of the tick
	Phase      Phase
	Key        sample.Key // candidate or lock; zero when unlocked
	Confidence float64
	Score      float64 // score of Key this tick, when present
	Best       sample.Key
	BestScore  float64
	HasBest    bool
	Margin     float64 // best minus runner-up, 0 with fewer than two candidates
	Scored     int     // candidates that reached the selector
	Previous   sample.Key
	HasPrev    bool
	Reason     string

	// Allocation of the locked RNTI over the scoring window, when the decoder
	// reported grants for its cell.
	Allocation    allocation.Metrics
	HasAllocation bool
}

// Matched returns the bound RNTI when the decision is a lock.
func (d Decision) Matched() (sample.Key, bool) {
	if d.Phase != PhaseLocked {
		return sample.Key{}, false
	}
	return d.Key, true
}

// Session is the single owner of the current binding. The engine mutates it
// once per tick; other goroutines may read the last decision and history.
type Session struct {
	mu       sync.Mutex
	state    State
	cell     uint32
	hasCell  bool
	epoch    uint64
	seq      uint64
	last     Decision
	hasLast  bool
	history  *buffer.Ring[Decision]
	dominant int
}

// NewSession builds an unlocked session keeping historySize decisions and
// voting the dominant RNTI over the last dominantSize of them.
func NewSession(historySize, dominantSize int) *Session {
	if dominantSize <= 0 {
		dominantSize = 1
	}
	return &Session{
		history:  buffer.NewRing[Decision](historySize),
		dominant: dominantSize,
	}
}

// State returns a copy of the selector state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cell returns the serving cell id reported by the last cell change, if any.
// It is a network-wide id and is never compared with the decoder's per-carrier
// index in sample.Key.Cell.
func (s *Session) Cell() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cell, s.hasCell
}

// Epoch increments on every reset; decisions from older epochs are stale.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// record stores the selector step as the next decision.
func (s *Session) record(step Step, ranked []CandidateScore, at time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = step.State
	s.seq++
	d := Decision{
		Seq:        s.seq,
		Epoch:      s.epoch,
		At:         at,
		Phase:      step.State.Phase,
		Confidence: step.State.Confidence,
		Score:      step.Score,
		Scored:     len(ranked),
		Previous:   step.State.Previous,
		HasPrev:    step.State.HasPrevious,
		Reason:     step.Reason,
	}
	if step.State.Phase != PhaseUnlocked {
		d.Key = step.State.Key
	} else {
		d.Confidence = 0
	}
	if len(ranked) > 0 {
		d.Best = ranked[0].Key
		d.BestScore = ranked[0].Score
		d.HasBest = true
	}
	if len(ranked) > 1 {
		d.Margin = ranked[0].Score - ranked[1].Score
	}
	s.last = d
	s.hasLast = true
	s.history.Add(d)
	return d
}

// Reset returns the session to unlocked, forgets the previous lock and starts a
// new epoch. A known cell id replaces the current one.
func (s *Session) Reset(cell uint32, hasCell bool) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{}
	s.cell = cell
	s.hasCell = hasCell
	s.epoch++
	s.last = Decision{}
	s.hasLast = false
	s.history.Reset()
	return s.epoch
}

// Last returns the most recent decision.
func (s *Session) Last() (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// Recent returns up to n decisions, newest first.
func (s *Session) Recent(n int) []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Recent(n)
}

// Dominant returns the RNTI locked most often over the recent decisions. Ties
// go to the most recent lock.
func (s *Session) Dominant() (sample.Key, int, bool) {
	s.mu.Lock()
	recent := s.history.Recent(s.dominant)
	s.mu.Unlock()
	counts := make(map[sample.Key]int, len(recent))
	var best sample.Key
	bestCount := 0
	for _, d := range recent {
		key, ok := d.Matched()
		if !ok {
			continue
		}
		counts[key]++
	}
	// newest first, so the first key to reach the max wins ties
	for _, d := range recent {
		key, ok := d.Matched()
		if !ok {
			continue
		}
		if counts[key] > bestCount {
			best = key
			bestCount = counts[key]
		}
	}
	return best, bestCount, bestCount > 0
}
