// Command rntitrack binds a device's uplink traffic, reported over an MQTT side
// channel, to the RNTI an ngscope decoder sees carrying it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"rntitrack/buffer"
	"rntitrack/config"
	"rntitrack/decisionlog"
	"rntitrack/journal"
	"rntitrack/matching"
	"rntitrack/ngscope"
	"rntitrack/pipeline"
	"rntitrack/sidechannel"
	"rntitrack/sink"
	"rntitrack/stats"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const (
	envConfigPath     = "RNTITRACK_CONFIG_PATH"
	defaultConfigPath = "data/config"

	metricsShutdownTimeout = 5 * time.Second
)

// Purpose: Report whether stdout is a TTY for stats display.
// Key aspects: Uses term.IsTerminal on stdout fd.
// Upstream: displayStats.
// Downstream: term.IsTerminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Purpose: Load configuration from env/default locations.
// Key aspects: Tries env override first, then the default config dir.
// Upstream: main startup.
// Downstream: config.Load and os.IsNotExist.
func loadConfig() (*config.Config, string, error) {
	candidates := make([]string, 0, 2)
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		candidates = append(candidates, envPath)
	}
	candidates = append(candidates, defaultConfigPath)

	var lastErr error
	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err != nil {
			if os.IsNotExist(err) {
				lastErr = err
				continue
			}
			return nil, path, err
		}
		return cfg, cfg.LoadedFrom, nil
	}
	return nil, "", fmt.Errorf("unable to load config; tried %s (last error: %v)", strings.Join(candidates, ", "), lastErr)
}

func main() {
	cfg, configSource, err := loadConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	logs, logErr := setupLogging(cfg.Logging, os.Stderr)
	log.SetFlags(0)
	log.SetOutput(logs)
	if logErr != nil {
		log.Printf("Logging: file output disabled: %v", logErr)
	}
	log.Printf("Loaded configuration from %s", configSource)
	cfg.Print()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logs)
	stop()
	if err != nil {
		log.Printf("Fatal: %v", err)
		_ = logs.Close()
		os.Exit(1)
	}
	log.Println("Shutdown complete")
	_ = logs.Close()
}

// Purpose: Wire feeds, matcher and outputs, then run until ctx ends.
// Key aspects: Optional stages are skipped when disabled; a buffer fault or a
// decoder socket error ends the run with an error.
// Upstream: main.
// Downstream: pipeline.Runner, ngscope.Listener, sidechannel.Client, sinks.
func run(ctx context.Context, cfg *config.Config, logs *logFanout) error {
	tracker := stats.NewTracker()
	store := buffer.NewStore(buffer.Options{
		Retention:          cfg.Buffer.Retention(),
		Lateness:           cfg.Buffer.Lateness(),
		MinSamples:         cfg.Buffer.MinSamples,
		MaxSeries:          cfg.Buffer.MaxSeries,
		MaxPointsPerSeries: cfg.Buffer.MaxPointsPerSeries,
	})
	engine := matching.NewEngine(cfg.Matching, store, tracker)

	var recorder pipeline.Recorder
	var sampleJournal *journal.Journal
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, journal.Options{
			Retention:      time.Duration(cfg.Journal.RetentionHours) * time.Hour,
			QueueSize:      cfg.Journal.QueueSize,
			BatchSize:      cfg.Journal.BatchSize,
			CacheSizeBytes: int64(cfg.Journal.CacheMB) << 20,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.Printf("Journal: close: %v", err)
			}
		}()
		sampleJournal = j
		recorder = j
	}

	driver := pipeline.NewDriver(engine, store, pipeline.Options{
		TickInterval:      cfg.Matching.TickInterval(),
		StallTimeout:      cfg.Pipeline.StallTimeout(),
		MaxTicksPerSample: cfg.Pipeline.MaxTicksPerSample,
	}, tracker, recorder)

	var outputs []pipeline.Output
	var decisions *decisionlog.Logger
	if cfg.DecisionLog.Enabled {
		dl, err := decisionlog.New(cfg.DecisionLog.Path, cfg.DecisionLog.QueueSize, cfg.DecisionLog.RetentionDays)
		if err != nil {
			return err
		}
		defer func() {
			if err := dl.Close(); err != nil {
				log.Printf("Decision log: close: %v", err)
			}
		}()
		decisions = dl
		outputs = append(outputs, pipeline.LogOutput(dl))
	}
	if publishers := buildPublishers(cfg.Sink); len(publishers) > 0 {
		fanout := sink.NewFanout(cfg.Sink.OnlyChanges, publishers...)
		defer fanout.Close()
		outputs = append(outputs, pipeline.PublishOutput(fanout))
	}

	g, gctx := errgroup.WithContext(ctx)
	var inputs pipeline.Inputs
	var health []ingestHealthSource

	if cfg.Decoder.Enabled {
		listener := ngscope.NewListener(ngscope.Options{
			ListenAddr:  cfg.Decoder.ListenAddr,
			ServerAddr:  cfg.Decoder.ServerAddr,
			Metric:      cfg.Decoder.Metric,
			SkipRetrans: cfg.Decoder.SkipRetrans,
			ReadBuffer:  cfg.Decoder.ReadBuffer,
			QueueSize:   cfg.Pipeline.InputQueue,
			Counters:    tracker,
		})
		if err := listener.Listen(); err != nil {
			return err
		}
		inputs.Decoder = listener.Batches()
		health = append(health, decoderHealthSource(ngscope.FeedName, listener))
		g.Go(func() error { return listener.Run(gctx) })
	} else {
		log.Println("Decoder feed disabled; no ticks will run")
	}

	if cfg.SideChannel.Enabled {
		client := sidechannel.NewClient(sidechannel.Options{
			Broker:         cfg.SideChannel.Broker,
			Port:           cfg.SideChannel.Port,
			ClientID:       cfg.SideChannel.ClientID,
			Topic:          cfg.SideChannel.Topic,
			ControlTopic:   cfg.SideChannel.ControlTopic,
			QoS:            cfg.SideChannel.QoS,
			MaxPayloadSize: cfg.SideChannel.MaxPayloadSize,
			QueueSize:      cfg.Pipeline.InputQueue,
			Counters:       tracker,
		})
		if err := client.Connect(); err != nil {
			log.Printf("Side channel: %v (matching will report no_reference)", err)
		} else {
			defer client.Stop()
			inputs.Reference = client.References()
			inputs.Controls = client.Controls()
		}
		health = append(health, sideChannelHealthSource(sidechannel.FeedName, client))
	} else {
		log.Println("Side channel disabled; matching will report no_reference")
	}

	runner := pipeline.NewRunner(driver, inputs, cfg.Pipeline.StallTimeout(), cfg.Pipeline.DecisionQueue, tracker, outputs...)
	g.Go(func() error { return runner.Run(gctx) })

	if cfg.Metrics.Enabled {
		startMetricsServer(gctx, g, cfg.Metrics.ListenAddr, tracker.Metrics().Handler())
	}
	startIngestHealthMonitor(gctx, health)

	interval := time.Duration(cfg.Stats.DisplayIntervalSeconds) * time.Second
	g.Go(func() error {
		displayStats(gctx, interval, tracker, store, sampleJournal, decisions, logs)
		return nil
	})

	log.Println("rntitrack is running. Press Ctrl+C to stop.")
	log.Printf("Statistics will be displayed every %d seconds...", cfg.Stats.DisplayIntervalSeconds)
	log.Println("---")

	err := g.Wait()
	log.Println("Shutting down gracefully...")
	return err
}

// Purpose: Build the decision publishers enabled in config.
// Key aspects: A publisher that cannot start is logged and skipped.
// Upstream: run.
// Downstream: sink.NewMQTTPublisher, sink.NewUDPPublisher.
func buildPublishers(cfg config.SinkConfig) []sink.Publisher {
	var pubs []sink.Publisher
	if cfg.MQTT.Enabled {
		p, err := sink.NewMQTTPublisher(sink.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			Port:     cfg.MQTT.Port,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
			Retained: cfg.MQTT.Retained,
		})
		if err != nil {
			log.Printf("Decision sink: mqtt disabled: %v", err)
		} else {
			pubs = append(pubs, p)
		}
	}
	if cfg.UDP.Enabled {
		p, err := sink.NewUDPPublisher(cfg.UDP.Addr)
		if err != nil {
			log.Printf("Decision sink: udp disabled: %v", err)
		} else {
			pubs = append(pubs, p)
		}
	}
	return pubs
}

func startMetricsServer(ctx context.Context, g *errgroup.Group, addr string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		log.Printf("Metrics: serving http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics: server error: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// Purpose: Periodically emit stats to the console and log file.
// Key aspects: On a TTY the lines go to stdout and the log file only; without
// one they are logged normally.
// Upstream: run.
// Downstream: statsLines, logFanout.WriteFileOnlyLine.
func displayStats(ctx context.Context, interval time.Duration, tracker *stats.Tracker, store *buffer.Store, j *journal.Journal, decisions *decisionlog.Logger, logs *logFanout) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	tty := isStdoutTTY()
	var mem runtime.MemStats
	var pauses gcPauses
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			runtime.ReadMemStats(&mem)
			lines := append(statsLines(tracker, store.Snapshot(), j, decisions), runtimeLine(&mem, &pauses))
			for _, line := range lines {
				if tty {
					fmt.Println(line)
					logs.WriteFileOnlyLine(line, now)
				} else {
					log.Print(line)
				}
			}
		}
	}
}

func statsLines(tracker *stats.Tracker, snap buffer.Snapshot, j *journal.Journal, decisions *decisionlog.Logger) []string {
	lines := []string{fmt.Sprintf("Uptime: %s", tracker.GetUptime().Truncate(time.Second))}
	lines = append(lines, tracker.SnapshotLines()...)
	bufLine := fmt.Sprintf("Buffer: series=%s points=%s reference=%s",
		humanize.Comma(int64(snap.Series)), humanize.Comma(int64(snap.Points)), humanize.Comma(int64(snap.ReferencePoints)))
	if snap.Faulted {
		bufLine += " FAULTED"
	}
	lines = append(lines, bufLine)
	var storage []string
	if j != nil {
		storage = append(storage, fmt.Sprintf("journal written=%s dropped=%s",
			humanize.Comma(int64(j.Written())), humanize.Comma(int64(j.Dropped()))))
	}
	if decisions != nil {
		storage = append(storage, fmt.Sprintf("decision log written=%s dropped=%s",
			humanize.Comma(decisions.Written()), humanize.Comma(decisions.Dropped())))
	}
	if len(storage) > 0 {
		lines = append(lines, "Storage: "+strings.Join(storage, " | "))
	}
	return lines
}
