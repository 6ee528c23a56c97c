package buffer

import (
	"errors"
	"testing"
	"time"

	"rntitrack/sample"
)

var t0 = time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

func rnti(r sample.RNTI, ms int, v float64) sample.RntiSample {
	return sample.RntiSample{Cell: 1, RNTI: r, At: at(ms), Value: v}
}

func TestStoreInsertionSortedWithinLateness(t *testing.T) {
	s := NewStore(Options{Lateness: 200 * time.Millisecond, MinSamples: 1})
	for _, ms := range []int{0, 300, 100, 200} {
		if err := s.RecordRNTI(rnti(7, ms, float64(ms))); err != nil {
			t.Fatalf("record %d: %v", ms, err)
		}
	}
	w, err := s.Window(sample.Key{Cell: 1, RNTI: 7}, at(300), time.Second)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if w.Len() != 4 {
		t.Fatalf("expected 4 points, got %d", w.Len())
	}
	for i := 1; i < w.Len(); i++ {
		if !w.Points[i].At.After(w.Points[i-1].At) {
			t.Fatalf("points not sorted at %d: %v", i, w.Points)
		}
	}
}

func TestStoreDropsLateSamples(t *testing.T) {
	s := NewStore(Options{Lateness: 100 * time.Millisecond, MinSamples: 1})
	if err := s.RecordRNTI(rnti(7, 1000, 1)); err != nil {
		t.Fatalf("record: %v", err)
	}
	err := s.RecordRNTI(rnti(7, 500, 1))
	if !errors.Is(err, ErrLateSample) {
		t.Fatalf("expected ErrLateSample, got %v", err)
	}
	if err := s.RecordReference(sample.ReferenceSample{At: at(1000), ULBytes: 3}); err != nil {
		t.Fatalf("record reference: %v", err)
	}
	if err := s.RecordReference(sample.ReferenceSample{At: at(10), ULBytes: 3}); !errors.Is(err, ErrLateSample) {
		t.Fatalf("expected late reference drop, got %v", err)
	}
	snap := s.Snapshot()
	if snap.LateRNTI != 1 || snap.LateReference != 1 {
		t.Fatalf("unexpected late counters: %+v", snap)
	}
}

func TestStoreSumsIdenticalTimestamps(t *testing.T) {
	s := NewStore(Options{MinSamples: 1})
	_ = s.RecordRNTI(rnti(7, 100, 10))
	_ = s.RecordRNTI(rnti(7, 100, 5))
	w, err := s.Window(sample.Key{Cell: 1, RNTI: 7}, at(100), time.Second)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if w.Len() != 1 || w.Points[0].Value != 15 {
		t.Fatalf("expected single summed point of 15, got %+v", w.Points)
	}
}

func TestStoreWindowBoundsAndInsufficientData(t *testing.T) {
	s := NewStore(Options{MinSamples: 3})
	for _, ms := range []int{0, 100, 200, 300} {
		_ = s.RecordRNTI(rnti(9, ms, 1))
	}
	key := sample.Key{Cell: 1, RNTI: 9}
	// (100, 300] excludes the point at exactly 100ms.
	w, err := s.Window(key, at(300), 200*time.Millisecond)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	if w.Len() != 2 {
		t.Fatalf("expected 2 points in half-open window, got %d", w.Len())
	}
	if _, err := s.Window(key, at(300), 300*time.Millisecond); err != nil {
		t.Fatalf("expected 3 points to satisfy MinSamples: %v", err)
	}
	if _, err := s.Window(sample.Key{Cell: 1, RNTI: 10}, at(300), time.Second); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected unknown key to be insufficient, got %v", err)
	}
}

func TestStoreRetentionEviction(t *testing.T) {
	s := NewStore(Options{Retention: time.Second, Lateness: 0, MinSamples: 1})
	_ = s.RecordRNTI(rnti(1, 0, 1))
	_ = s.RecordRNTI(rnti(2, 0, 1))
	_ = s.RecordRNTI(rnti(1, 2000, 1))

	// Append-time trim already removed the old point from RNTI 1.
	w, _ := s.Window(sample.Key{Cell: 1, RNTI: 1}, at(2000), 10*time.Second)
	if w.Len() != 1 {
		t.Fatalf("expected append-time trim, got %d points", w.Len())
	}
	if removed := s.Evict(at(2000)); removed != 1 {
		t.Fatalf("expected idle series to be evicted, removed=%d", removed)
	}
	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0].RNTI != 1 {
		t.Fatalf("unexpected keys after evict: %v", keys)
	}
}

func TestStoreKeysSorted(t *testing.T) {
	s := NewStore(Options{MinSamples: 1})
	for _, r := range []sample.RNTI{300, 17, 4000, 200} {
		_ = s.RecordRNTI(rnti(r, 0, 1))
	}
	_ = s.RecordRNTI(sample.RntiSample{Cell: 0, RNTI: 9999, At: at(0), Value: 1})
	keys, _ := s.Keys()
	want := []sample.Key{{Cell: 0, RNTI: 9999}, {Cell: 1, RNTI: 17}, {Cell: 1, RNTI: 200}, {Cell: 1, RNTI: 300}, {Cell: 1, RNTI: 4000}}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %v", len(want), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("key %d: expected %v, got %v", i, want[i], keys[i])
		}
	}
}

func TestStoreCapacityFaultIsSticky(t *testing.T) {
	s := NewStore(Options{MaxSeries: 2, MinSamples: 1})
	_ = s.RecordRNTI(rnti(1, 0, 1))
	_ = s.RecordRNTI(rnti(2, 0, 1))
	if err := s.RecordRNTI(rnti(3, 0, 1)); !errors.Is(err, ErrStorageExhausted) {
		t.Fatalf("expected ErrStorageExhausted, got %v", err)
	}
	if _, err := s.Window(sample.Key{Cell: 1, RNTI: 1}, at(0), time.Second); !errors.Is(err, ErrStorageExhausted) {
		t.Fatalf("expected window read to surface the fault, got %v", err)
	}
	if _, err := s.Keys(); !errors.Is(err, ErrStorageExhausted) {
		t.Fatalf("expected keys to surface the fault, got %v", err)
	}
	s.Flush()
	if err := s.Fault(); err != nil {
		t.Fatalf("expected flush to clear the fault, got %v", err)
	}
	if err := s.RecordRNTI(rnti(3, 0, 1)); err != nil {
		t.Fatalf("record after flush: %v", err)
	}
}

func TestStoreFlushDropsEverything(t *testing.T) {
	s := NewStore(Options{MinSamples: 1})
	_ = s.RecordRNTI(rnti(1, 0, 1))
	_ = s.RecordReference(sample.ReferenceSample{At: at(0), ULBytes: 1})
	s.Flush()
	snap := s.Snapshot()
	if snap.Series != 0 || snap.ReferencePoints != 0 {
		t.Fatalf("expected empty store, got %+v", snap)
	}
	if !s.NewestRNTI().IsZero() {
		t.Fatalf("expected newest timestamp reset")
	}
	// A sample older than anything seen before the flush is no longer late.
	if err := s.RecordRNTI(rnti(1, -5000, 1)); err != nil {
		t.Fatalf("expected fresh lateness horizon after flush, got %v", err)
	}
}
