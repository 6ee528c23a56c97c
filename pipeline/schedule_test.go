package pipeline

import (
	"testing"
	"time"
)

var base = time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)

func ms(n int) time.Time {
	return base.Add(time.Duration(n) * time.Millisecond)
}

func TestScheduleFiresOnBoundaryCrossings(t *testing.T) {
	s := newSchedule(500*time.Millisecond, 10)
	if got := s.advance(ms(120)); got != nil {
		t.Fatalf("first sample only sets the phase, got %v", got)
	}
	if got := s.advance(ms(499)); len(got) != 0 {
		t.Fatalf("expected no tick before the boundary, got %v", got)
	}
	got := s.advance(ms(500))
	if len(got) != 1 || !got[0].Equal(ms(500)) {
		t.Fatalf("expected tick at 500ms, got %v", got)
	}
	got = s.advance(ms(1700))
	if len(got) != 2 || !got[0].Equal(ms(1000)) || !got[1].Equal(ms(1500)) {
		t.Fatalf("expected ticks at 1000ms and 1500ms, got %v", got)
	}
}

func TestScheduleCapsCatchUp(t *testing.T) {
	s := newSchedule(time.Second, 2)
	s.advance(ms(0))
	got := s.advance(ms(10_500))
	if len(got) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(got))
	}
	if s.skipped != 8 {
		t.Fatalf("expected 8 skipped ticks, got %d", s.skipped)
	}
	if got := s.advance(ms(11_000)); len(got) != 1 || !got[0].Equal(ms(11_000)) {
		t.Fatalf("expected schedule re-phased to 11s, got %v", got)
	}
}

func TestScheduleStall(t *testing.T) {
	s := newSchedule(time.Second, 5)
	if _, ok := s.stall(3 * time.Second); ok {
		t.Fatalf("stall before any tick must not fire")
	}
	s.advance(ms(0))
	s.advance(ms(1000))
	at, ok := s.stall(3 * time.Second)
	if !ok || !at.Equal(ms(4000)) {
		t.Fatalf("expected stall tick at 4s, got %v %v", at, ok)
	}
	if got := s.advance(ms(4200)); len(got) != 0 {
		t.Fatalf("data inside the stalled interval must not re-tick, got %v", got)
	}
	if got := s.advance(ms(5000)); len(got) != 1 {
		t.Fatalf("expected the next boundary to tick, got %v", got)
	}
}
