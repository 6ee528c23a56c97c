// Package journal keeps a bounded, time-ordered Pebble log of every ingested
// decoder sample, reference sample and control event so a session can be
// replayed offline against a different matcher configuration.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rntitrack/internal/ratelimit"

	"github.com/cockroachdb/pebble"
)

// Options tune the journal. Zero values pick defaults.
type Options struct {
	Retention      time.Duration // data-time horizon; 0 keeps everything
	QueueSize      int
	BatchSize      int
	FlushInterval  time.Duration
	PurgeInterval  time.Duration
	CacheSizeBytes int64
}

const (
	defaultQueueSize     = 16384
	defaultBatchSize     = 512
	defaultFlushInterval = 250 * time.Millisecond
	defaultPurgeInterval = time.Minute
)

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = defaultPurgeInterval
	}
	if o.Retention < 0 {
		o.Retention = 0
	}
	return o
}

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal: closed")

type request struct {
	cutoff time.Time // zero = flush only
	resp   chan result
}

type result struct {
	err error
}

// Journal is safe for concurrent Append; a single goroutine owns writes.
type Journal struct {
	db    *pebble.DB
	cache *pebble.Cache
	opts  Options

	records  chan Record
	requests chan request
	done     chan struct{}

	mu     sync.Mutex
	closed bool

	seq      atomic.Uint64
	newest   atomic.Int64
	written  atomic.Uint64
	dropped  atomic.Uint64
	dropLog  ratelimit.Counter
	errorLog ratelimit.Counter
}

// Purpose: Open or create the journal database.
// Key aspects: Seeds key sequence from wall time so reopened journals never
// reuse a key; starts the single writer goroutine.
// Upstream: main.go startup, cmd/replay.
// Downstream: Pebble open, writeLoop.
func Open(path string, opts Options) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	opts = opts.withDefaults()
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("journal: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("journal: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("journal: ensure directory: %w", err)
	}

	pebbleOpts := &pebble.Options{}
	if opts.CacheSizeBytes > 0 {
		pebbleOpts.Cache = pebble.NewCache(opts.CacheSizeBytes)
	}
	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		if pebbleOpts.Cache != nil {
			pebbleOpts.Cache.Unref()
		}
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	j := &Journal{
		db:       db,
		cache:    pebbleOpts.Cache,
		opts:     opts,
		records:  make(chan Record, opts.QueueSize),
		requests: make(chan request),
		done:     make(chan struct{}),
		dropLog:  ratelimit.NewCounter(10 * time.Second),
		errorLog: ratelimit.NewCounter(10 * time.Second),
	}
	j.seq.Store(uint64(time.Now().UnixNano()))
	go j.writeLoop()
	return j, nil
}

// Append queues a record without blocking. Records are dropped when the
// writer falls behind.
func (j *Journal) Append(r Record) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.records <- r:
	default:
		j.dropped.Add(1)
		if total, ok := j.dropLog.Inc(); ok {
			log.Printf("Journal backpressure: dropped %d records", total)
		}
	}
}

// Flush blocks until every record queued before the call is committed.
func (j *Journal) Flush(ctx context.Context) error {
	return j.do(ctx, request{})
}

// PurgeOlderThan deletes records strictly before cutoff.
func (j *Journal) PurgeOlderThan(ctx context.Context, cutoff time.Time) error {
	if cutoff.IsZero() {
		return nil
	}
	return j.do(ctx, request{cutoff: cutoff})
}

func (j *Journal) do(ctx context.Context, req request) error {
	req.resp = make(chan result, 1)
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	j.mu.Unlock()
	select {
	case j.requests <- req:
	case <-j.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Written returns how many records were committed.
func (j *Journal) Written() uint64 { return j.written.Load() }

// Dropped returns how many records were discarded on a full queue.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// Close drains queued records and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.records)
	j.mu.Unlock()
	<-j.done
	err := j.db.Close()
	if j.cache != nil {
		j.cache.Unref()
		j.cache = nil
	}
	return err
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	batch := make([]Record, 0, j.opts.BatchSize)
	flushTicker := time.NewTicker(j.opts.FlushInterval)
	defer flushTicker.Stop()
	purgeTicker := time.NewTicker(j.opts.PurgeInterval)
	defer purgeTicker.Stop()

	commit := func() {
		if len(batch) == 0 {
			return
		}
		if err := j.commit(batch); err != nil {
			if total, ok := j.errorLog.Inc(); ok {
				log.Printf("Journal commit failed (%d): %v", total, err)
			}
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case r, ok := <-j.records:
				if !ok {
					return
				}
				batch = append(batch, r)
				if len(batch) >= j.opts.BatchSize {
					commit()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case r, ok := <-j.records:
			if !ok {
				commit()
				return
			}
			batch = append(batch, r)
			if len(batch) >= j.opts.BatchSize {
				commit()
			}
		case <-flushTicker.C:
			commit()
		case <-purgeTicker.C:
			commit()
			if cutoff := j.retentionCutoff(); !cutoff.IsZero() {
				if err := j.purge(cutoff); err != nil {
					log.Printf("Journal purge failed: %v", err)
				}
			}
		case req := <-j.requests:
			drain()
			commit()
			var err error
			if !req.cutoff.IsZero() {
				err = j.purge(req.cutoff)
			}
			req.resp <- result{err: err}
		}
	}
}

func (j *Journal) commit(recs []Record) error {
	b := j.db.NewBatch()
	defer b.Close()
	for _, r := range recs {
		if r.At.IsZero() {
			continue
		}
		key := encodeKey(r.At, j.seq.Add(1))
		if err := b.Set(key, encodeValue(r), nil); err != nil {
			return fmt.Errorf("journal: batch set: %w", err)
		}
		advance(&j.newest, r.At.UnixNano())
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("journal: commit: %w", err)
	}
	j.written.Add(uint64(len(recs)))
	return nil
}

func (j *Journal) retentionCutoff() time.Time {
	newest := j.newest.Load()
	if j.opts.Retention <= 0 || newest == 0 {
		return time.Time{}
	}
	return time.Unix(0, newest).Add(-j.opts.Retention)
}

func (j *Journal) purge(cutoff time.Time) error {
	if err := j.db.DeleteRange([]byte{recordPrefix}, timeBound(cutoff), pebble.Sync); err != nil {
		return fmt.Errorf("journal: purge: %w", err)
	}
	return nil
}

// Replay calls fn for each record with from <= At < to, in time order. A zero
// from or to leaves that side open. fn returning an error stops the replay.
func (j *Journal) Replay(ctx context.Context, from, to time.Time, fn func(Record) error) error {
	lower := []byte{recordPrefix}
	upper := []byte{recordPrefix + 1}
	if !from.IsZero() {
		lower = timeBound(from)
	}
	if !to.IsZero() {
		upper = timeBound(to)
	}
	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("journal: iterator: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := decodeRecord(iter.Key(), iter.Value())
		if err != nil {
			log.Printf("Journal: skipping record: %v", err)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("journal: iterate: %w", err)
	}
	return nil
}

func advance(newest *atomic.Int64, at int64) {
	for {
		cur := newest.Load()
		if at <= cur || newest.CompareAndSwap(cur, at) {
			return
		}
	}
}
