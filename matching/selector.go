package matching

import (
	"time"

	"rntitrack/sample"
)

// Phase is the selector's coarse state.
type Phase uint8

const (
	PhaseUnlocked Phase = iota
	PhaseCandidate
	PhaseLocked
)

func (p Phase) String() string {
	switch p {
	case PhaseCandidate:
		return "candidate"
	case PhaseLocked:
		return "locked"
	default:
		return "unlocked"
	}
}

// State is the selector memory carried between ticks. Key is the candidate
// while in PhaseCandidate and the bound RNTI while in PhaseLocked.
type State struct {
	Phase      Phase
	Key        sample.Key
	Streak     int
	Confidence float64
	LastSeen   time.Time // data time the lock was last present in the scored set

	Challenger       sample.Key
	ChallengerStreak int

	Previous    sample.Key
	HasPrevious bool
}

// Step is the outcome of one selector transition.
type Step struct {
	State  State
	Reason string
	Score  float64 // score of State.Key this tick, when present
}

// Transition reasons.
const (
	ReasonNoCandidates = "no_candidates"
	ReasonBelowAccept  = "below_accept"
	ReasonNewCandidate = "candidate"
	ReasonStreak       = "streak"
	ReasonStreakBroken = "streak_broken"
	ReasonAcquired     = "acquired"
	ReasonHeld         = "held"
	ReasonChallenged   = "challenged"
	ReasonSwitch       = "switch"
	ReasonReleased     = "released"
	ReasonLockLost     = "lock_lost"
	ReasonLockMissing  = "lock_missing"
	ReasonNoReference  = "no_reference"
	ReasonCellChanged  = "cell_changed"
	ReasonDisconnected = "device_disconnected"
)

// Selector applies the hysteresis rules that turn per-tick rankings into a
// stable binding.
type Selector struct {
	accept       float64
	release      float64
	margin       float64
	streak       int
	switchStreak int
	grace        time.Duration
	scorer       Scorer
}

// NewSelector builds a selector from normalized config.
func NewSelector(cfg Config) Selector {
	return Selector{
		accept:       cfg.AcceptScore,
		release:      cfg.ReleaseScore,
		margin:       cfg.SwitchMargin,
		streak:       cfg.StreakThreshold,
		switchStreak: cfg.SwitchStreakThreshold,
		grace:        cfg.Grace(),
		scorer:       NewScorer(cfg),
	}
}

// Next computes the state after a tick at data time now. ranked must be
// ordered best first (see Rank); an empty slice means nothing was scorable.
func (s Selector) Next(st State, ranked []CandidateScore, now time.Time) Step {
	switch st.Phase {
	case PhaseCandidate:
		return s.fromCandidate(st, ranked, now)
	case PhaseLocked:
		return s.fromLocked(st, ranked, now)
	default:
		return s.fromUnlocked(st, ranked, now)
	}
}

func (s Selector) fromUnlocked(st State, ranked []CandidateScore, now time.Time) Step {
	if len(ranked) == 0 {
		return Step{State: unlocked(st), Reason: ReasonNoCandidates}
	}
	best := ranked[0]
	if best.Score < s.accept {
		return Step{State: unlocked(st), Reason: ReasonBelowAccept}
	}
	return s.enterCandidate(st, best, now)
}

func (s Selector) enterCandidate(st State, best CandidateScore, now time.Time) Step {
	next := State{
		Phase:       PhaseCandidate,
		Key:         best.Key,
		Streak:      1,
		Confidence:  s.scorer.Confidence(best.Score),
		Previous:    st.Previous,
		HasPrevious: st.HasPrevious,
	}
	if next.Streak >= s.streak {
		return s.acquire(next, best, now)
	}
	return Step{State: next, Reason: ReasonNewCandidate, Score: best.Score}
}

func (s Selector) fromCandidate(st State, ranked []CandidateScore, now time.Time) Step {
	if len(ranked) == 0 {
		return Step{State: unlocked(st), Reason: ReasonNoCandidates}
	}
	best := ranked[0]
	if best.Score < s.accept {
		return Step{State: unlocked(st), Reason: ReasonBelowAccept}
	}
	if best.Key != st.Key {
		return Step{State: unlocked(st), Reason: ReasonStreakBroken}
	}
	st.Streak++
	st.Confidence = s.scorer.Confidence(best.Score)
	if st.Streak >= s.streak {
		return s.acquire(st, best, now)
	}
	return Step{State: st, Reason: ReasonStreak, Score: best.Score}
}

func (s Selector) acquire(st State, best CandidateScore, now time.Time) Step {
	return Step{
		State: State{
			Phase:       PhaseLocked,
			Key:         best.Key,
			Streak:      st.Streak,
			Confidence:  s.scorer.Confidence(best.Score),
			LastSeen:    now,
			Previous:    st.Previous,
			HasPrevious: st.HasPrevious,
		},
		Reason: ReasonAcquired,
		Score:  best.Score,
	}
}

func (s Selector) fromLocked(st State, ranked []CandidateScore, now time.Time) Step {
	lockScore, present := scoreOf(ranked, st.Key)
	if present {
		st.LastSeen = now
		st.Confidence = s.scorer.Confidence(lockScore)
	}
	if present && ranked[0].Key == st.Key {
		st.Challenger = sample.Key{}
		st.ChallengerStreak = 0
		return Step{State: st, Reason: ReasonHeld, Score: lockScore}
	}

	if !present {
		if now.Sub(st.LastSeen) > s.grace {
			return Step{State: released(st), Reason: ReasonLockLost}
		}
		// With the lock absent any accepted candidate counts as beating it.
		if len(ranked) > 0 && ranked[0].Score >= s.accept {
			return s.challenge(st, ranked[0], now, ReasonLockMissing)
		}
		st.Challenger = sample.Key{}
		st.ChallengerStreak = 0
		return Step{State: st, Reason: ReasonLockMissing}
	}

	if lockScore < s.release {
		return Step{State: released(st), Reason: ReasonReleased}
	}
	best := ranked[0]
	if best.Score >= s.accept && best.Score-lockScore > s.margin {
		step := s.challenge(st, best, now, ReasonChallenged)
		if step.State.Phase == PhaseLocked {
			step.Score = lockScore
		}
		return step
	}
	st.Challenger = sample.Key{}
	st.ChallengerStreak = 0
	return Step{State: st, Reason: ReasonHeld, Score: lockScore}
}

// challenge advances the switch streak for best and hands over to a new
// candidate once it reaches the switch threshold.
func (s Selector) challenge(st State, best CandidateScore, now time.Time, reason string) Step {
	if st.ChallengerStreak > 0 && st.Challenger == best.Key {
		st.ChallengerStreak++
	} else {
		st.Challenger = best.Key
		st.ChallengerStreak = 1
	}
	if st.ChallengerStreak < s.switchStreak {
		return Step{State: st, Reason: reason}
	}
	prev := st
	prev.Previous = st.Key
	prev.HasPrevious = true
	step := s.enterCandidate(prev, best, now)
	if step.Reason == ReasonNewCandidate {
		step.Reason = ReasonSwitch
	}
	return step
}

func unlocked(st State) State {
	return State{Phase: PhaseUnlocked, Previous: st.Previous, HasPrevious: st.HasPrevious}
}

func released(st State) State {
	return State{Phase: PhaseUnlocked, Previous: st.Key, HasPrevious: true}
}

func scoreOf(ranked []CandidateScore, key sample.Key) (float64, bool) {
	for _, c := range ranked {
		if c.Key == key {
			return c.Score, true
		}
	}
	return 0, false
}
