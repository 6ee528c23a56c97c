// Package allocation estimates the uplink resources a cell grants one RNTI
// over a trailing window of decoded TTIs: what it was given, what share of the
// cell that is, and what it could get if the idle PRBs were split fairly.
package allocation

import (
	"sync"
	"time"

	"rntitrack/sample"
)

// DefaultBitPerPRB stands in for the PRB efficiency when no PRB in the window
// carried a transport block size.
const DefaultBitPerPRB = 500

// Metrics summarise one RNTI's uplink allocation over a window.
type Metrics struct {
	TTIs        int     // decoded TTIs of the cell in the window
	ULBytes     float64 // bytes granted to the RNTI
	ULPRB       uint64  // PRBs granted to the RNTI
	CellULPRB   uint64  // PRBs granted to every RNTI
	PRBShare    float64 // ULPRB / CellULPRB
	ActiveRNTIs int     // RNTIs holding at least one PRB
	BitPerPRB   float64
	Coarse      bool // BitPerPRB was taken from the whole cell or the default

	// FairShareBitPerMS is the RNTI's own PRBs plus an equal slice of the idle
	// ones, at BitPerPRB, per TTI. Zero while the cell capacity is unknown.
	FairShareBitPerMS float64
}

type grant struct {
	bytes float64
	prb   uint64
}

type tti struct {
	at        time.Time
	cellBytes float64
	cellPRB   uint64
	capacity  uint64
	grants    map[sample.RNTI]grant
}

// Tracker keeps the recent TTIs of every cell. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	cells  map[uint32][]*tti
}

// NewTracker keeps TTIs newer than window behind the newest one per cell.
func NewTracker(window time.Duration) *Tracker {
	return &Tracker{
		window: window,
		cells:  make(map[uint32][]*tti),
	}
}

// Observe adds a decoder batch. Samples sharing a cell and timestamp belong to
// one TTI; a TTI older than the newest one of its cell is ignored.
func (t *Tracker) Observe(batch []sample.RntiSample) {
	if len(batch) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range batch {
		list := t.cells[s.Cell]
		var cur *tti
		n := len(list)
		switch {
		case n > 0 && list[n-1].at.Equal(s.At):
			cur = list[n-1]
		case n > 0 && s.At.Before(list[n-1].at):
			continue
		default:
			cur = &tti{
				at:        s.At,
				cellBytes: s.Grant.CellBytes,
				cellPRB:   uint64(s.Grant.CellPRB),
				capacity:  uint64(s.Grant.Capacity),
				grants:    make(map[sample.RNTI]grant),
			}
			list = t.evict(append(list, cur), s.At)
			t.cells[s.Cell] = list
		}
		g := cur.grants[s.RNTI]
		g.bytes += s.Grant.Bytes
		g.prb += uint64(s.Grant.PRB)
		cur.grants[s.RNTI] = g
	}
}

func (t *Tracker) evict(list []*tti, newest time.Time) []*tti {
	cutoff := newest.Add(-t.window)
	drop := 0
	for drop < len(list) && !list[drop].at.After(cutoff) {
		drop++
	}
	if drop == 0 {
		return list
	}
	clear(list[:drop])
	return list[drop:]
}

// Reset forgets every cell.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.cells)
}

// Metrics computes key's allocation over (now-window, now]. It reports false
// when the cell has no decoded TTI in that span.
func (t *Tracker) Metrics(key sample.Key, now time.Time) (Metrics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	var (
		m         Metrics
		cellBytes float64
		capacity  uint64
	)
	active := make(map[sample.RNTI]struct{})
	for _, x := range t.cells[key.Cell] {
		if !x.at.After(cutoff) || x.at.After(now) {
			continue
		}
		m.TTIs++
		m.CellULPRB += x.cellPRB
		cellBytes += x.cellBytes
		capacity += x.capacity
		for rnti, g := range x.grants {
			if g.prb > 0 {
				active[rnti] = struct{}{}
			}
		}
		if g, ok := x.grants[key.RNTI]; ok {
			m.ULBytes += g.bytes
			m.ULPRB += g.prb
		}
	}
	if m.TTIs == 0 {
		return Metrics{}, false
	}
	m.ActiveRNTIs = len(active)
	if m.CellULPRB > 0 {
		m.PRBShare = float64(m.ULPRB) / float64(m.CellULPRB)
	}
	switch {
	case m.ULPRB > 0:
		m.BitPerPRB = m.ULBytes * 8 / float64(m.ULPRB)
	case m.CellULPRB > 0:
		m.BitPerPRB = cellBytes * 8 / float64(m.CellULPRB)
		m.Coarse = true
	default:
		m.BitPerPRB = DefaultBitPerPRB
		m.Coarse = true
	}
	if capacity > 0 {
		var idle uint64
		if capacity > m.CellULPRB {
			idle = capacity - m.CellULPRB
		}
		share := uint64(max(m.ActiveRNTIs, 1))
		fair := m.ULPRB + (idle+share-1)/share
		m.FairShareBitPerMS = m.BitPerPRB * float64(fair) / float64(m.TTIs)
	}
	return m, true
}
