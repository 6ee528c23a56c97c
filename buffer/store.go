// Package buffer holds the bounded, time-indexed sample history the matcher
// scores against. Candidate series are spread over lock-sharded maps so the
// decoder feed never contends with itself; the single reference series has its
// own lock so the side channel never waits on the decoder.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"rntitrack/sample"

	"github.com/zeebo/xxh3"
)

var (
	// ErrInsufficientData reports that a window holds fewer than MinSamples points.
	ErrInsufficientData = errors.New("buffer: insufficient data")
	// ErrLateSample reports a sample that arrived beyond the lateness bound and was dropped.
	ErrLateSample = errors.New("buffer: late sample dropped")
	// ErrStorageExhausted reports that the configured capacity was exceeded. It is
	// sticky: every later read returns it until Flush.
	ErrStorageExhausted = errors.New("buffer: storage exhausted")
)

// shardCount must remain a power of two so shard selection can mask the hash.
const shardCount = 64

// Options bounds the store. Zero values except Lateness are replaced by
// defaults in NewStore; a zero Lateness accepts no out-of-order samples.
type Options struct {
	Retention          time.Duration // points older than newest-Retention are evicted
	Lateness           time.Duration // out-of-order tolerance behind the newest sample
	MinSamples         int           // minimum points for a usable window
	MaxSeries          int           // candidate series cap
	MaxPointsPerSeries int           // per-series point cap
}

const (
	defaultRetention          = 15 * time.Second
	defaultMinSamples         = 3
	defaultMaxSeries          = 4096
	defaultMaxPointsPerSeries = 1 << 16
)

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = defaultRetention
	}
	if o.Lateness < 0 {
		o.Lateness = 0
	}
	if o.Lateness > o.Retention {
		o.Lateness = o.Retention
	}
	if o.MinSamples <= 0 {
		o.MinSamples = defaultMinSamples
	}
	if o.MaxSeries <= 0 {
		o.MaxSeries = defaultMaxSeries
	}
	if o.MaxPointsPerSeries <= 0 {
		o.MaxPointsPerSeries = defaultMaxPointsPerSeries
	}
	return o
}

type series struct {
	points []sample.Point
}

type seriesShard struct {
	mu     sync.Mutex
	series map[sample.Key]*series
}

// Store is the sample buffer shared by both feeds and the scoring tick.
type Store struct {
	opts   Options
	shards []seriesShard

	refMu sync.Mutex
	ref   series

	seriesCount   atomic.Int64
	newestRNTI    atomic.Int64 // unix nanos of the newest decoder sample
	newestRef     atomic.Int64
	lateRNTI      atomic.Uint64
	lateReference atomic.Uint64

	faultMu sync.Mutex
	fault   error
}

// NewStore builds an empty store.
func NewStore(opts Options) *Store {
	shards := make([]seriesShard, shardCount)
	for i := range shards {
		shards[i].series = make(map[sample.Key]*series)
	}
	return &Store{
		opts:   opts.withDefaults(),
		shards: shards,
	}
}

// Options returns the effective (defaulted) options.
func (s *Store) Options() Options {
	return s.opts
}

func (s *Store) shardFor(key sample.Key) *seriesShard {
	var raw [6]byte
	binary.LittleEndian.PutUint32(raw[0:4], key.Cell)
	binary.LittleEndian.PutUint16(raw[4:6], uint16(key.RNTI))
	return &s.shards[xxh3.Hash(raw[:])&(shardCount-1)]
}

// RecordRNTI appends a decoder sample to its candidate series. Samples behind
// the lateness bound return ErrLateSample; a capacity breach returns
// ErrStorageExhausted and faults the store.
func (s *Store) RecordRNTI(smp sample.RntiSample) error {
	if err := s.Fault(); err != nil {
		return err
	}
	at := smp.At.UnixNano()
	newest := advanceNewest(&s.newestRNTI, at)
	if at < newest-s.opts.Lateness.Nanoseconds() {
		s.lateRNTI.Add(1)
		return fmt.Errorf("%w: rnti %s at %s", ErrLateSample, smp.Key(), smp.At.Format(time.RFC3339Nano))
	}

	key := smp.Key()
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	ser, ok := shard.series[key]
	if !ok {
		if int(s.seriesCount.Load()) >= s.opts.MaxSeries {
			return s.setFault(fmt.Errorf("%w: %d candidate series", ErrStorageExhausted, s.opts.MaxSeries))
		}
		ser = &series{}
		shard.series[key] = ser
		s.seriesCount.Add(1)
	}
	return s.insertLocked(ser, sample.Point{At: smp.At, Value: smp.Value}, newest)
}

// RecordReference appends a side-channel sample to the reference series.
func (s *Store) RecordReference(smp sample.ReferenceSample) error {
	if err := s.Fault(); err != nil {
		return err
	}
	at := smp.At.UnixNano()
	newest := advanceNewest(&s.newestRef, at)
	if at < newest-s.opts.Lateness.Nanoseconds() {
		s.lateReference.Add(1)
		return fmt.Errorf("%w: reference at %s", ErrLateSample, smp.At.Format(time.RFC3339Nano))
	}
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.insertLocked(&s.ref, sample.Point{At: smp.At, Value: smp.ULBytes}, newest)
}

// insertLocked keeps points sorted, sums duplicates and trims the retention
// horizon from the front.
func (s *Store) insertLocked(ser *series, p sample.Point, newestNanos int64) error {
	pts := ser.points
	idx := sort.Search(len(pts), func(i int) bool { return !pts[i].At.Before(p.At) })
	switch {
	case idx < len(pts) && pts[idx].At.Equal(p.At):
		pts[idx].Value += p.Value
	case idx == len(pts):
		pts = append(pts, p)
	default:
		pts = append(pts, sample.Point{})
		copy(pts[idx+1:], pts[idx:])
		pts[idx] = p
	}
	ser.points = trimBefore(pts, time.Unix(0, newestNanos-s.opts.Retention.Nanoseconds()))
	if len(ser.points) > s.opts.MaxPointsPerSeries {
		return s.setFault(fmt.Errorf("%w: %d points in one series", ErrStorageExhausted, s.opts.MaxPointsPerSeries))
	}
	return nil
}

// Window returns the candidate points in (end-duration, end].
func (s *Store) Window(key sample.Key, end time.Time, duration time.Duration) (sample.Window, error) {
	if err := s.Fault(); err != nil {
		return sample.Window{}, err
	}
	shard := s.shardFor(key)
	shard.mu.Lock()
	var pts []sample.Point
	if ser, ok := shard.series[key]; ok {
		pts = cut(ser.points, end.Add(-duration), end)
	}
	shard.mu.Unlock()
	return s.finishWindow(key.String(), pts, end, duration)
}

// ReferenceWindow returns the reference points in (end-duration, end].
func (s *Store) ReferenceWindow(end time.Time, duration time.Duration) (sample.Window, error) {
	if err := s.Fault(); err != nil {
		return sample.Window{}, err
	}
	s.refMu.Lock()
	pts := cut(s.ref.points, end.Add(-duration), end)
	s.refMu.Unlock()
	return s.finishWindow("reference", pts, end, duration)
}

func (s *Store) finishWindow(label string, pts []sample.Point, end time.Time, duration time.Duration) (sample.Window, error) {
	w := sample.Window{Start: end.Add(-duration), End: end, Points: pts}
	if len(pts) < s.opts.MinSamples {
		return w, fmt.Errorf("%w: %s has %d of %d samples", ErrInsufficientData, label, len(pts), s.opts.MinSamples)
	}
	return w, nil
}

// Keys lists every candidate series, ordered by cell then RNTI.
func (s *Store) Keys() ([]sample.Key, error) {
	if err := s.Fault(); err != nil {
		return nil, err
	}
	keys := make([]sample.Key, 0, int(s.seriesCount.Load()))
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for k := range shard.series {
			keys = append(keys, k)
		}
		shard.mu.Unlock()
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Cell != keys[j].Cell {
			return keys[i].Cell < keys[j].Cell
		}
		return keys[i].RNTI < keys[j].RNTI
	})
	return keys, nil
}

// Evict drops points older than now-Retention and removes series left empty.
// It returns how many candidate series were removed.
func (s *Store) Evict(now time.Time) int {
	cutoff := now.Add(-s.opts.Retention)
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for k, ser := range shard.series {
			ser.points = trimBefore(ser.points, cutoff)
			if len(ser.points) == 0 {
				delete(shard.series, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	s.seriesCount.Add(-int64(removed))
	s.refMu.Lock()
	s.ref.points = trimBefore(s.ref.points, cutoff)
	s.refMu.Unlock()
	return removed
}

// Flush discards every series and clears a storage fault. Late-drop counters
// are cumulative and survive.
func (s *Store) Flush() {
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		shard.series = make(map[sample.Key]*series)
		shard.mu.Unlock()
	}
	s.seriesCount.Store(0)
	s.refMu.Lock()
	s.ref.points = nil
	s.refMu.Unlock()
	s.newestRNTI.Store(0)
	s.newestRef.Store(0)
	s.faultMu.Lock()
	s.fault = nil
	s.faultMu.Unlock()
}

// Fault returns the sticky storage error, if any.
func (s *Store) Fault() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	return s.fault
}

func (s *Store) setFault(err error) error {
	s.faultMu.Lock()
	if s.fault == nil {
		s.fault = err
	}
	s.faultMu.Unlock()
	return err
}

// NewestRNTI returns the timestamp of the newest decoder sample seen since the
// last Flush, or the zero time.
func (s *Store) NewestRNTI() time.Time {
	return nanosToTime(s.newestRNTI.Load())
}

// NewestReference returns the timestamp of the newest side-channel sample.
func (s *Store) NewestReference() time.Time {
	return nanosToTime(s.newestRef.Load())
}

// Snapshot describes buffer occupancy for diagnostics.
type Snapshot struct {
	Series          int
	Points          int
	ReferencePoints int
	LateRNTI        uint64
	LateReference   uint64
	Faulted         bool
}

// Snapshot returns current occupancy and cumulative late-drop counts.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		LateRNTI:      s.lateRNTI.Load(),
		LateReference: s.lateReference.Load(),
		Faulted:       s.Fault() != nil,
	}
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		snap.Series += len(shard.series)
		for _, ser := range shard.series {
			snap.Points += len(ser.points)
		}
		shard.mu.Unlock()
	}
	s.refMu.Lock()
	snap.ReferencePoints = len(s.ref.points)
	s.refMu.Unlock()
	return snap
}

func advanceNewest(newest *atomic.Int64, at int64) int64 {
	for {
		cur := newest.Load()
		if cur != 0 && at <= cur {
			return cur
		}
		if newest.CompareAndSwap(cur, at) {
			return at
		}
	}
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// trimBefore drops the prefix strictly older than cutoff, reusing the backing array.
func trimBefore(pts []sample.Point, cutoff time.Time) []sample.Point {
	idx := sort.Search(len(pts), func(i int) bool { return !pts[i].At.Before(cutoff) })
	if idx == 0 {
		return pts
	}
	n := copy(pts, pts[idx:])
	return pts[:n]
}

// cut copies the points in (start, end].
func cut(pts []sample.Point, start, end time.Time) []sample.Point {
	lo := sort.Search(len(pts), func(i int) bool { return pts[i].At.After(start) })
	hi := sort.Search(len(pts), func(i int) bool { return pts[i].At.After(end) })
	if hi <= lo {
		return nil
	}
	out := make([]sample.Point, hi-lo)
	copy(out, pts[lo:hi])
	return out
}
