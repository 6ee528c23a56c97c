// Package pipeline moves feed samples into the buffer, drives scoring ticks
// from the decoder's data clock, applies control signals and hands every
// decision to the configured outputs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rntitrack/allocation"
	"rntitrack/buffer"
	"rntitrack/journal"
	"rntitrack/matching"
	"rntitrack/sample"
	"rntitrack/sidechannel"
)

// Feed labels used with Counters.
const (
	FeedDecoder   = "decoder"
	FeedReference = "reference"
	FeedDecisions = "decisions"
)

// Counters receives ingest and tick diagnostics. *stats.Tracker implements it.
type Counters interface {
	IncSamples(feed string)
	IncLate(feed string)
	IncDrops(feed string)
	IncTickErrors()
	ObserveTickDuration(time.Duration)
}

// Recorder journals every ingested event. *journal.Journal implements it.
type Recorder interface {
	Append(journal.Record)
}

// Emitted is a decision plus the dominant binding at the time it was made.
type Emitted struct {
	Decision    matching.Decision
	Dominant    sample.Key
	HasDominant bool
}

// Options control tick scheduling.
type Options struct {
	TickInterval      time.Duration
	StallTimeout      time.Duration
	MaxTicksPerSample int
}

type nopCounters struct{}

func (nopCounters) IncSamples(string)                 {}
func (nopCounters) IncLate(string)                    {}
func (nopCounters) IncDrops(string)                   {}
func (nopCounters) IncTickErrors()                    {}
func (nopCounters) ObserveTickDuration(time.Duration) {}

// Driver is the synchronous core of the pipeline: each call ingests input,
// runs whatever ticks the data clock crossed and returns their decisions.
// It is not safe for concurrent use; Runner serialises calls, and offline
// replay calls it directly.
type Driver struct {
	engine   *matching.Engine
	store    *buffer.Store
	counters Counters
	recorder Recorder
	sched    *schedule
	alloc    *allocation.Tracker
}

// NewDriver builds a driver. counters and recorder may be nil.
func NewDriver(engine *matching.Engine, store *buffer.Store, opts Options, counters Counters, recorder Recorder) *Driver {
	if counters == nil {
		counters = nopCounters{}
	}
	return &Driver{
		engine:   engine,
		store:    store,
		counters: counters,
		recorder: recorder,
		sched:    newSchedule(opts.TickInterval, opts.MaxTicksPerSample),
		alloc:    allocation.NewTracker(engine.Config().Window()),
	}
}

// Engine returns the engine the driver ticks.
func (d *Driver) Engine() *matching.Engine {
	return d.engine
}

// IngestRNTI buffers a decoder batch and runs the ticks it made due.
func (d *Driver) IngestRNTI(ctx context.Context, batch []sample.RntiSample) ([]Emitted, error) {
	for _, s := range batch {
		if d.recorder != nil {
			d.recorder.Append(journal.FromRNTI(s))
		}
		if err := d.store.RecordRNTI(s); err != nil {
			if errors.Is(err, buffer.ErrLateSample) {
				d.counters.IncLate(FeedDecoder)
				continue
			}
			return nil, fmt.Errorf("pipeline: record decoder sample: %w", err)
		}
		d.counters.IncSamples(FeedDecoder)
	}
	d.alloc.Observe(batch)
	return d.runTicks(ctx, d.sched.advance(d.store.NewestRNTI()))
}

// IngestReference buffers a side-channel sample. The reference never drives
// ticks.
func (d *Driver) IngestReference(ref sample.ReferenceSample) error {
	if d.recorder != nil {
		d.recorder.Append(journal.FromReference(ref))
	}
	if err := d.store.RecordReference(ref); err != nil {
		if errors.Is(err, buffer.ErrLateSample) {
			d.counters.IncLate(FeedReference)
			return nil
		}
		return fmt.Errorf("pipeline: record reference sample: %w", err)
	}
	d.counters.IncSamples(FeedReference)
	return nil
}

// Control applies a session signal and returns the reset decision.
func (d *Driver) Control(ctl sidechannel.Control) (Emitted, error) {
	at := d.dataTime(ctl.At)
	var dec matching.Decision
	switch ctl.Event {
	case sidechannel.EventCellChanged:
		if d.recorder != nil {
			d.recorder.Append(journal.Record{Kind: journal.KindCellChanged, At: at, Cell: ctl.Cell})
		}
		dec = d.engine.CellChanged(ctl.Cell, at)
	case sidechannel.EventDeviceDisconnected:
		if d.recorder != nil {
			d.recorder.Append(journal.Record{Kind: journal.KindDisconnected, At: at})
		}
		dec = d.engine.DeviceDisconnected(at)
	default:
		return Emitted{}, fmt.Errorf("pipeline: unknown control event %q", ctl.Event)
	}
	d.sched.reset()
	d.alloc.Reset()
	return d.wrap(dec), nil
}

// Stall runs a watchdog tick after silence of the decoder feed so a lock can
// age out. It does nothing before the first data-driven tick.
func (d *Driver) Stall(ctx context.Context, silence time.Duration) ([]Emitted, error) {
	at, ok := d.sched.stall(silence)
	if !ok {
		return nil, nil
	}
	return d.runTicks(ctx, []time.Time{at})
}

// dataTime places a control signal on the data clock: the newest decoder
// sample when there is one, else the signal's own timestamp.
func (d *Driver) dataTime(fallback time.Time) time.Time {
	if newest := d.store.NewestRNTI(); !newest.IsZero() {
		return newest
	}
	if fallback.IsZero() {
		return time.Now().UTC()
	}
	return fallback
}

func (d *Driver) runTicks(ctx context.Context, ticks []time.Time) ([]Emitted, error) {
	if len(ticks) == 0 {
		return nil, nil
	}
	out := make([]Emitted, 0, len(ticks))
	for _, at := range ticks {
		start := time.Now()
		dec, err := d.engine.Tick(ctx, at)
		d.counters.ObserveTickDuration(time.Since(start))
		if err != nil {
			d.counters.IncTickErrors()
			return out, err
		}
		out = append(out, d.wrap(dec))
	}
	return out, nil
}

// wrap attaches the locked RNTI's allocation and the dominant binding.
func (d *Driver) wrap(dec matching.Decision) Emitted {
	if key, ok := dec.Matched(); ok {
		dec.Allocation, dec.HasAllocation = d.alloc.Metrics(key, dec.At)
	}
	key, _, ok := d.engine.Session().Dominant()
	return Emitted{Decision: dec, Dominant: key, HasDominant: ok}
}
