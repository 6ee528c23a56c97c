// Command replay re-runs the matcher offline over a recorded sample journal
// and prints every decision it would have made.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rntitrack/buffer"
	"rntitrack/config"
	"rntitrack/journal"
	"rntitrack/matching"
	"rntitrack/pipeline"
	"rntitrack/sample"
	"rntitrack/sidechannel"
	"rntitrack/sink"
	"rntitrack/stats"

	"github.com/dustin/go-humanize"
)

func main() {
	configDir := flag.String("config", "data/config", "config directory")
	journalPath := flag.String("journal", "", "journal directory (default: journal.path from config)")
	fromFlag := flag.String("from", "", "replay start, RFC3339 (default: beginning)")
	toFlag := flag.String("to", "", "replay end, RFC3339, exclusive (default: end)")
	format := flag.String("format", "text", "output format: text or json")
	changesOnly := flag.Bool("changes", false, "print only decisions that change phase or RNTI")
	flag.Parse()

	if err := run(*configDir, *journalPath, *fromFlag, *toFlag, *format, *changesOnly); err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir, journalPath, fromFlag, toFlag, format string, changesOnly bool) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(journalPath) == "" {
		journalPath = cfg.Journal.Path
	}
	from, err := parseBound(fromFlag)
	if err != nil {
		return fmt.Errorf("-from: %w", err)
	}
	to, err := parseBound(toFlag)
	if err != nil {
		return fmt.Errorf("-to: %w", err)
	}
	var printFn func(pipeline.Emitted) error
	switch format {
	case "text":
		printFn = printText
	case "json":
		printFn = printJSON
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	j, err := journal.Open(journalPath, journal.Options{})
	if err != nil {
		return err
	}
	defer j.Close()

	tracker := stats.NewTracker()
	store := buffer.NewStore(buffer.Options{
		Retention:          cfg.Buffer.Retention(),
		Lateness:           cfg.Buffer.Lateness(),
		MinSamples:         cfg.Buffer.MinSamples,
		MaxSeries:          cfg.Buffer.MaxSeries,
		MaxPointsPerSeries: cfg.Buffer.MaxPointsPerSeries,
	})
	engine := matching.NewEngine(cfg.Matching, store, tracker)
	driver := pipeline.NewDriver(engine, store, pipeline.Options{
		TickInterval:      cfg.Matching.TickInterval(),
		StallTimeout:      cfg.Pipeline.StallTimeout(),
		MaxTicksPerSample: cfg.Pipeline.MaxTicksPerSample,
	}, tracker, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var last pipeline.Emitted
	var printed, records int
	emit := func(out []pipeline.Emitted) error {
		for _, e := range out {
			if changesOnly && printed > 0 && !changed(last, e) {
				last = e
				continue
			}
			last = e
			printed++
			if err := printFn(e); err != nil {
				return err
			}
		}
		return nil
	}

	// Decoder records sharing a timestamp came from one DCI datagram; they are
	// ingested as one batch so ticks fire after the whole batch is buffered.
	var batch []sample.RntiSample
	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		out, err := driver.IngestRNTI(ctx, batch)
		batch = batch[:0]
		if emitErr := emit(out); emitErr != nil {
			return emitErr
		}
		return err
	}

	start := time.Now()
	err = j.Replay(ctx, from, to, func(rec journal.Record) error {
		records++
		if rec.Kind == journal.KindRNTI {
			if len(batch) > 0 && !batch[0].At.Equal(rec.At) {
				if err := flushBatch(); err != nil {
					return err
				}
			}
			batch = append(batch, rec.RntiSample())
			return nil
		}
		if err := flushBatch(); err != nil {
			return err
		}
		switch rec.Kind {
		case journal.KindReference:
			return driver.IngestReference(rec.ReferenceSample())
		case journal.KindCellChanged:
			e, err := driver.Control(sidechannel.Control{Event: sidechannel.EventCellChanged, Cell: rec.Cell, At: rec.At})
			if err != nil {
				return err
			}
			return emit([]pipeline.Emitted{e})
		case journal.KindDisconnected:
			e, err := driver.Control(sidechannel.Control{Event: sidechannel.EventDeviceDisconnected, At: rec.At})
			if err != nil {
				return err
			}
			return emit([]pipeline.Emitted{e})
		}
		return nil
	})
	if err == nil {
		err = flushBatch()
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Replayed %s records into %s decisions (%s printed) in %s\n",
		humanize.Comma(int64(records)), humanize.Comma(int64(tracker.Ticks())),
		humanize.Comma(int64(printed)), time.Since(start).Round(time.Millisecond))
	for _, line := range tracker.SnapshotLines() {
		fmt.Fprintln(os.Stderr, line)
	}
	return nil
}

func parseBound(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func changed(prev, cur pipeline.Emitted) bool {
	p, c := prev.Decision, cur.Decision
	return p.Epoch != c.Epoch || p.Phase != c.Phase || p.Key != c.Key
}

func printText(e pipeline.Emitted) error {
	d := e.Decision
	line := fmt.Sprintf("%s epoch=%d seq=%d %-9s", d.At.UTC().Format("2006-01-02T15:04:05.000Z"), d.Epoch, d.Seq, d.Phase)
	if d.Phase != matching.PhaseUnlocked {
		line += fmt.Sprintf(" rnti=%s conf=%.2f score=%.3f", d.Key, d.Confidence, d.Score)
	}
	if d.HasBest {
		line += fmt.Sprintf(" best=%s(%.3f) margin=%.3f", d.Best, d.BestScore, d.Margin)
	}
	line += fmt.Sprintf(" scored=%d reason=%s", d.Scored, d.Reason)
	if e.HasDominant {
		line += fmt.Sprintf(" dominant=%s", e.Dominant)
	}
	_, err := fmt.Println(line)
	return err
}

func printJSON(e pipeline.Emitted) error {
	data, err := sink.EncodeJSON(sink.NewPayload(e.Decision, e.Dominant, e.HasDominant))
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(data, '\n'))
	return err
}
