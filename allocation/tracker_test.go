package allocation

import (
	"math"
	"testing"
	"time"

	"rntitrack/sample"
)

var t0 = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

func grantAt(ms int, rnti sample.RNTI, bytes float64, prb, cellPRB uint16, cellBytes float64) sample.RntiSample {
	return sample.RntiSample{
		Cell:  0,
		RNTI:  rnti,
		At:    t0.Add(time.Duration(ms) * time.Millisecond),
		Value: bytes,
		Grant: sample.Grant{Bytes: bytes, PRB: prb, CellBytes: cellBytes, CellPRB: cellPRB, Capacity: 50},
	}
}

func observeTwoTTIs(tr *Tracker) {
	tr.Observe([]sample.RntiSample{
		grantAt(1, 9, 100, 4, 6, 150),
		grantAt(1, 7, 50, 2, 6, 150),
	})
	tr.Observe([]sample.RntiSample{
		grantAt(2, 7, 100, 4, 4, 100),
	})
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestMetricsForActiveRNTI(t *testing.T) {
	tr := NewTracker(time.Second)
	observeTwoTTIs(tr)
	m, ok := tr.Metrics(sample.Key{Cell: 0, RNTI: 9}, t0.Add(2*time.Millisecond))
	if !ok {
		t.Fatalf("expected metrics")
	}
	if m.TTIs != 2 || m.ULBytes != 100 || m.ULPRB != 4 || m.CellULPRB != 10 || m.ActiveRNTIs != 2 {
		t.Fatalf("unexpected totals %+v", m)
	}
	if !near(m.PRBShare, 0.4) || !near(m.BitPerPRB, 200) || m.Coarse {
		t.Fatalf("unexpected share or rate %+v", m)
	}
	// capacity 100 PRBs, 90 idle split over 2 RNTIs: 4+45 PRBs at 200 bit over 2 TTIs
	if !near(m.FairShareBitPerMS, 4900) {
		t.Fatalf("expected fair share 4900 bit/ms, got %g", m.FairShareBitPerMS)
	}
}

func TestMetricsFallBackToCellRate(t *testing.T) {
	tr := NewTracker(time.Second)
	observeTwoTTIs(tr)
	m, ok := tr.Metrics(sample.Key{Cell: 0, RNTI: 5}, t0.Add(2*time.Millisecond))
	if !ok {
		t.Fatalf("expected metrics for an idle RNTI on a known cell")
	}
	if m.ULPRB != 0 || !m.Coarse || !near(m.BitPerPRB, 200) {
		t.Fatalf("expected coarse cell rate, got %+v", m)
	}
	if _, ok := tr.Metrics(sample.Key{Cell: 3, RNTI: 9}, t0.Add(2*time.Millisecond)); ok {
		t.Fatalf("expected no metrics for an unseen cell")
	}
}

func TestTrackerEvictsAndIgnoresOldTTIs(t *testing.T) {
	tr := NewTracker(time.Second)
	observeTwoTTIs(tr)
	tr.Observe([]sample.RntiSample{grantAt(2000, 9, 10, 1, 1, 10)})
	tr.Observe([]sample.RntiSample{grantAt(1, 9, 999, 9, 9, 999)})
	m, ok := tr.Metrics(sample.Key{Cell: 0, RNTI: 9}, t0.Add(2*time.Second))
	if !ok || m.TTIs != 1 || m.ULBytes != 10 {
		t.Fatalf("expected only the newest TTI, got %+v (%v)", m, ok)
	}
	tr.Reset()
	if _, ok := tr.Metrics(sample.Key{Cell: 0, RNTI: 9}, t0.Add(2*time.Second)); ok {
		t.Fatalf("expected nothing after reset")
	}
}

func TestMetricsWithoutCapacityOrTBS(t *testing.T) {
	tr := NewTracker(time.Second)
	s := grantAt(1, 9, 0, 0, 0, 0)
	s.Grant.Capacity = 0
	tr.Observe([]sample.RntiSample{s})
	m, ok := tr.Metrics(sample.Key{Cell: 0, RNTI: 9}, t0.Add(time.Millisecond))
	if !ok {
		t.Fatalf("expected metrics")
	}
	if m.BitPerPRB != DefaultBitPerPRB || !m.Coarse || m.FairShareBitPerMS != 0 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}
