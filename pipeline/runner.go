package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"rntitrack/decisionlog"
	"rntitrack/matching"
	"rntitrack/sample"
	"rntitrack/sidechannel"

	"golang.org/x/sync/errgroup"
)

// Output consumes emitted decisions off the tick path.
type Output interface {
	Emit(Emitted)
}

// OutputFunc adapts a function to Output.
type OutputFunc func(Emitted)

func (f OutputFunc) Emit(e Emitted) { f(e) }

// DecisionLogger is satisfied by *decisionlog.Logger.
type DecisionLogger interface {
	Enqueue(decisionlog.Entry)
}

// LogOutput persists every decision.
func LogOutput(l DecisionLogger) Output {
	return OutputFunc(func(e Emitted) {
		l.Enqueue(decisionlog.Entry{Decision: e.Decision, Dominant: e.Dominant, HasDominant: e.HasDominant})
	})
}

// DecisionPublisher is satisfied by *sink.Fanout.
type DecisionPublisher interface {
	Publish(d matching.Decision, dominant sample.Key, hasDominant bool) bool
}

// PublishOutput forwards decisions to downstream consumers.
func PublishOutput(p DecisionPublisher) Output {
	return OutputFunc(func(e Emitted) {
		p.Publish(e.Decision, e.Dominant, e.HasDominant)
	})
}

// Inputs are the feed channels a Runner drains. Nil channels are ignored.
type Inputs struct {
	Decoder   <-chan []sample.RntiSample
	Reference <-chan sample.ReferenceSample
	Controls  <-chan sidechannel.Control
}

const defaultDecisionQueue = 256

// Runner serialises ingest, ticks and control signals on one goroutine and
// fans decisions out on another.
type Runner struct {
	driver       *Driver
	inputs       Inputs
	outputs      []Output
	counters     Counters
	stallTimeout time.Duration
	decisions    chan Emitted
	control      chan sidechannel.Control
	stopped      chan struct{}
	stopOnce     sync.Once
}

// NewRunner wires a runner. decisionQueue <= 0 picks a default.
func NewRunner(driver *Driver, inputs Inputs, stallTimeout time.Duration, decisionQueue int, counters Counters, outputs ...Output) *Runner {
	if decisionQueue <= 0 {
		decisionQueue = defaultDecisionQueue
	}
	if counters == nil {
		counters = nopCounters{}
	}
	return &Runner{
		driver:       driver,
		inputs:       inputs,
		outputs:      outputs,
		counters:     counters,
		stallTimeout: stallTimeout,
		decisions:    make(chan Emitted, decisionQueue),
		control:      make(chan sidechannel.Control, 4),
		stopped:      make(chan struct{}),
	}
}

// CellChanged signals a cell change directly, bypassing the side channel. It
// blocks while four signals are already pending and reports false once Run
// has returned.
func (r *Runner) CellChanged(cell uint32) bool {
	return r.signal(sidechannel.Control{Event: sidechannel.EventCellChanged, Cell: cell, At: time.Now().UTC()})
}

// DeviceDisconnected signals a device disconnect directly.
func (r *Runner) DeviceDisconnected() bool {
	return r.signal(sidechannel.Control{Event: sidechannel.EventDeviceDisconnected, At: time.Now().UTC()})
}

func (r *Runner) signal(ctl sidechannel.Control) bool {
	select {
	case <-r.stopped:
		return false
	default:
	}
	select {
	case r.control <- ctl:
		return true
	case <-r.stopped:
		return false
	}
}

// Run processes inputs until ctx is cancelled or the buffer faults. A fault is
// returned; cancellation returns nil.
func (r *Runner) Run(ctx context.Context) error {
	defer r.stopOnce.Do(func() { close(r.stopped) })
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(r.decisions)
		return r.loop(gctx)
	})
	g.Go(func() error {
		for e := range r.decisions {
			for _, out := range r.outputs {
				out.Emit(e)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (r *Runner) loop(ctx context.Context) error {
	decoder, refs, controls := r.inputs.Decoder, r.inputs.Reference, r.inputs.Controls

	var stallC <-chan time.Time
	var stall *time.Timer
	if r.stallTimeout > 0 {
		stall = time.NewTimer(r.stallTimeout)
		defer stall.Stop()
		stallC = stall.C
	}
	resetStall := func() {
		if stall == nil {
			return
		}
		if !stall.Stop() {
			select {
			case <-stall.C:
			default:
			}
		}
		stall.Reset(r.stallTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-decoder:
			if !ok {
				decoder = nil
				continue
			}
			out, err := r.driver.IngestRNTI(ctx, batch)
			r.emit(out)
			if err != nil {
				return err
			}
			resetStall()
		case ref, ok := <-refs:
			if !ok {
				refs = nil
				continue
			}
			if err := r.driver.IngestReference(ref); err != nil {
				return err
			}
		case ctl, ok := <-controls:
			if !ok {
				controls = nil
				continue
			}
			r.applyControl(ctl)
		case ctl := <-r.control:
			r.applyControl(ctl)
		case <-stallC:
			out, err := r.driver.Stall(ctx, r.stallTimeout)
			r.emit(out)
			if err != nil {
				return err
			}
			stall.Reset(r.stallTimeout)
		}
	}
}

func (r *Runner) applyControl(ctl sidechannel.Control) {
	e, err := r.driver.Control(ctl)
	if err != nil {
		log.Printf("Pipeline: %v", err)
		return
	}
	log.Printf("Pipeline: %s, session reset to epoch %d", ctl.Event, e.Decision.Epoch)
	r.emit([]Emitted{e})
}

// emit never blocks the tick path; a full queue drops and counts.
func (r *Runner) emit(out []Emitted) {
	for _, e := range out {
		select {
		case r.decisions <- e:
		default:
			r.counters.IncDrops(FeedDecisions)
		}
	}
}
