package pipeline

import "time"

// schedule turns the decoder's data clock into tick times. A tick fires each
// time the newest sample crosses the next interval boundary; a large jump
// fires at most maxPerAdvance ticks and then re-phases to the newest sample.
type schedule struct {
	interval      time.Duration
	maxPerAdvance int
	next          time.Time
	last          time.Time
	skipped       uint64
}

func newSchedule(interval time.Duration, maxPerAdvance int) *schedule {
	if interval <= 0 {
		interval = time.Second
	}
	if maxPerAdvance <= 0 {
		maxPerAdvance = 1
	}
	return &schedule{interval: interval, maxPerAdvance: maxPerAdvance}
}

// advance returns the tick times crossed by newest, oldest first.
func (s *schedule) advance(newest time.Time) []time.Time {
	if newest.IsZero() {
		return nil
	}
	if s.next.IsZero() {
		s.next = newest.Truncate(s.interval).Add(s.interval)
		return nil
	}
	var ticks []time.Time
	for !newest.Before(s.next) {
		if len(ticks) == s.maxPerAdvance {
			phase := newest.Truncate(s.interval).Add(s.interval)
			s.skipped += uint64(phase.Sub(s.next) / s.interval)
			s.next = phase
			break
		}
		ticks = append(ticks, s.next)
		s.last = s.next
		s.next = s.next.Add(s.interval)
	}
	return ticks
}

// stall returns the data time for a watchdog tick after d of silence and
// moves the next boundary past it. ok is false before the first tick.
func (s *schedule) stall(d time.Duration) (time.Time, bool) {
	if s.last.IsZero() {
		return time.Time{}, false
	}
	at := s.last.Add(d)
	s.last = at
	if !s.next.After(at) {
		s.next = at.Truncate(s.interval).Add(s.interval)
	}
	return at, true
}

// reset forgets the phase, e.g. after a buffer flush.
func (s *schedule) reset() {
	s.next = time.Time{}
	s.last = time.Time{}
}
