// Package config loads the daemon's YAML configuration. A config path is a
// directory; every *.yaml file in it is applied in lexical order over the
// defaults, so operators can split tuning from deployment settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"rntitrack/matching"
	"rntitrack/ngscope"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	Matching    matching.Config   `yaml:"matching"`
	Buffer      BufferConfig      `yaml:"buffer"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Decoder     DecoderConfig     `yaml:"decoder"`
	SideChannel SideChannelConfig `yaml:"side_channel"`
	Sink        SinkConfig        `yaml:"sink"`
	DecisionLog DecisionLogConfig `yaml:"decision_log"`
	Journal     JournalConfig     `yaml:"journal"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Stats       StatsConfig       `yaml:"stats"`
	Logging     LoggingConfig     `yaml:"logging"`

	// LoadedFrom is the directory the config was read from.
	LoadedFrom string `yaml:"-"`
}

// BufferConfig bounds the sample buffer.
type BufferConfig struct {
	RetentionMS        int `yaml:"retention_ms"` // 0 = 3x the scoring window
	LatenessMS         int `yaml:"lateness_ms"`
	MinSamples         int `yaml:"min_samples"`
	MaxSeries          int `yaml:"max_series"`
	MaxPointsPerSeries int `yaml:"max_points_per_series"`
}

// PipelineConfig controls tick scheduling and decision fan-out.
type PipelineConfig struct {
	StallTimeoutMS    int `yaml:"stall_timeout_ms"` // wall-clock tick when the decoder goes quiet
	InputQueue        int `yaml:"input_queue"`
	DecisionQueue     int `yaml:"decision_queue"`
	MaxTicksPerSample int `yaml:"max_ticks_per_sample"` // catch-up bound after a data-time jump
}

// DecoderConfig describes the ngscope DCI feed.
type DecoderConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ListenAddr  string `yaml:"listen_addr"`
	ServerAddr  string `yaml:"server_addr"` // ngscope dci-sink to register with; empty = passive
	Metric      string `yaml:"metric"`      // ul_bytes | ul_prb
	ReadBuffer  int    `yaml:"read_buffer_bytes"`
	SkipRetrans bool   `yaml:"skip_retransmissions"`
}

// SideChannelConfig describes the MQTT reference and control feed.
type SideChannelConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Broker         string `yaml:"broker"`
	Port           int    `yaml:"port"`
	ClientID       string `yaml:"client_id"`
	Topic          string `yaml:"topic"`
	ControlTopic   string `yaml:"control_topic"`
	QoS            byte   `yaml:"qos"`
	MaxPayloadSize int    `yaml:"max_payload_bytes"`
}

// SinkConfig describes where decisions are published.
type SinkConfig struct {
	MQTT        MQTTSinkConfig `yaml:"mqtt"`
	UDP         UDPSinkConfig  `yaml:"udp"`
	OnlyChanges bool           `yaml:"only_changes"` // publish only when phase or RNTI changes
}

// MQTTSinkConfig publishes decisions as JSON.
type MQTTSinkConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Retained bool   `yaml:"retained"`
}

// UDPSinkConfig sends framed decisions to a local consumer.
type UDPSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DecisionLogConfig controls the SQLite decision log.
type DecisionLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	QueueSize     int    `yaml:"queue_size"`
	RetentionDays int    `yaml:"retention_days"`
}

// JournalConfig controls the Pebble raw sample journal.
type JournalConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	RetentionHours int    `yaml:"retention_hours"`
	QueueSize      int    `yaml:"queue_size"`
	BatchSize      int    `yaml:"batch_size"`
	CacheMB        int    `yaml:"cache_mb"`
}

// MetricsConfig exposes Prometheus metrics over HTTP.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// StatsConfig controls periodic console statistics.
type StatsConfig struct {
	DisplayIntervalSeconds int `yaml:"display_interval_seconds"`
}

// LoggingConfig controls the daily log file sink.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Default returns a configuration that runs the decoder feed and side channel
// against local endpoints with persistence disabled.
func Default() Config {
	return Config{
		Matching: matching.DefaultConfig(),
		Buffer: BufferConfig{
			LatenessMS:         500,
			MinSamples:         3,
			MaxSeries:          4096,
			MaxPointsPerSeries: 1 << 16,
		},
		Pipeline: PipelineConfig{
			StallTimeoutMS:    5000,
			InputQueue:        8192,
			DecisionQueue:     256,
			MaxTicksPerSample: 10,
		},
		Decoder: DecoderConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:6767",
			Metric:     MetricULBytes,
			ReadBuffer: 1 << 20,
		},
		SideChannel: SideChannelConfig{
			Enabled:        true,
			Broker:         "127.0.0.1",
			Port:           1883,
			ClientID:       "rntitrack",
			Topic:          "rntitrack/reference",
			ControlTopic:   "rntitrack/control",
			MaxPayloadSize: 4096,
		},
		Sink: SinkConfig{
			MQTT: MQTTSinkConfig{
				Broker:   "127.0.0.1",
				Port:     1883,
				ClientID: "rntitrack-sink",
				Topic:    "rntitrack/decision",
			},
			UDP: UDPSinkConfig{
				Addr: "127.0.0.1:9292",
			},
		},
		DecisionLog: DecisionLogConfig{
			Path:          filepath.Join("data", "decisions"),
			QueueSize:     4096,
			RetentionDays: 14,
		},
		Journal: JournalConfig{
			Path:           filepath.Join("data", "journal"),
			RetentionHours: 24,
			QueueSize:      16384,
			BatchSize:      512,
			CacheMB:        16,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9464",
		},
		Stats: StatsConfig{
			DisplayIntervalSeconds: 30,
		},
		Logging: LoggingConfig{
			Dir:           filepath.Join("data", "logs"),
			RetentionDays: 7,
		},
	}
}

// Decoder metrics.
const (
	MetricULBytes = ngscope.MetricULBytes
	MetricULPRB   = ngscope.MetricULPRB
)

// Load reads every *.yaml / *.yml file in dir over the defaults and
// normalizes the result.
func Load(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config path %s is not a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			files = append(files, entry.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no yaml files in config directory %s", dir)
	}
	sort.Strings(files)

	cfg := Default()
	for _, name := range files {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", name, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", name, err)
		}
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	cfg.LoadedFrom = dir
	return &cfg, nil
}

// Normalize fills defaults, clamps invalid values and rejects settings the
// daemon cannot run with.
func (c *Config) Normalize() error {
	if c == nil {
		return errors.New("config is nil")
	}
	def := Default()
	c.Matching.Normalize()

	window := c.Matching.Window()
	if c.Buffer.RetentionMS <= 0 {
		c.Buffer.RetentionMS = int(3 * window / time.Millisecond)
	}
	if c.Buffer.RetentionMS < c.Matching.WindowMS {
		c.Buffer.RetentionMS = c.Matching.WindowMS
	}
	if c.Buffer.LatenessMS < 0 {
		c.Buffer.LatenessMS = 0
	}
	if c.Buffer.LatenessMS > c.Buffer.RetentionMS {
		c.Buffer.LatenessMS = c.Buffer.RetentionMS
	}
	if c.Buffer.MinSamples <= 0 {
		c.Buffer.MinSamples = def.Buffer.MinSamples
	}
	if c.Buffer.MaxSeries <= 0 {
		c.Buffer.MaxSeries = def.Buffer.MaxSeries
	}
	if c.Buffer.MaxPointsPerSeries <= 0 {
		c.Buffer.MaxPointsPerSeries = def.Buffer.MaxPointsPerSeries
	}

	if c.Pipeline.StallTimeoutMS <= 0 {
		c.Pipeline.StallTimeoutMS = def.Pipeline.StallTimeoutMS
	}
	if c.Pipeline.InputQueue <= 0 {
		c.Pipeline.InputQueue = def.Pipeline.InputQueue
	}
	if c.Pipeline.DecisionQueue <= 0 {
		c.Pipeline.DecisionQueue = def.Pipeline.DecisionQueue
	}
	if c.Pipeline.MaxTicksPerSample <= 0 {
		c.Pipeline.MaxTicksPerSample = def.Pipeline.MaxTicksPerSample
	}

	c.Decoder.Metric = strings.ToLower(strings.TrimSpace(c.Decoder.Metric))
	switch c.Decoder.Metric {
	case MetricULBytes, MetricULPRB:
	case "":
		c.Decoder.Metric = MetricULBytes
	default:
		return fmt.Errorf("decoder.metric %q not supported (use %s or %s)", c.Decoder.Metric, MetricULBytes, MetricULPRB)
	}
	if c.Decoder.Enabled && strings.TrimSpace(c.Decoder.ListenAddr) == "" {
		return errors.New("decoder.listen_addr is required when the decoder feed is enabled")
	}
	if c.Decoder.ReadBuffer <= 0 {
		c.Decoder.ReadBuffer = def.Decoder.ReadBuffer
	}

	if c.SideChannel.Enabled {
		if strings.TrimSpace(c.SideChannel.Broker) == "" || strings.TrimSpace(c.SideChannel.Topic) == "" {
			return errors.New("side_channel.broker and side_channel.topic are required when the side channel is enabled")
		}
	}
	if c.SideChannel.Port <= 0 {
		c.SideChannel.Port = def.SideChannel.Port
	}
	if c.SideChannel.QoS > 2 {
		c.SideChannel.QoS = 2
	}
	if c.SideChannel.MaxPayloadSize <= 0 {
		c.SideChannel.MaxPayloadSize = def.SideChannel.MaxPayloadSize
	}

	if c.Sink.MQTT.Port <= 0 {
		c.Sink.MQTT.Port = def.Sink.MQTT.Port
	}
	if c.Sink.MQTT.QoS > 2 {
		c.Sink.MQTT.QoS = 2
	}
	if c.Sink.MQTT.Enabled && strings.TrimSpace(c.Sink.MQTT.Topic) == "" {
		return errors.New("sink.mqtt.topic is required when the MQTT sink is enabled")
	}
	if c.Sink.UDP.Enabled && strings.TrimSpace(c.Sink.UDP.Addr) == "" {
		return errors.New("sink.udp.addr is required when the UDP sink is enabled")
	}

	if c.DecisionLog.QueueSize <= 0 {
		c.DecisionLog.QueueSize = def.DecisionLog.QueueSize
	}
	if c.DecisionLog.RetentionDays < 0 {
		c.DecisionLog.RetentionDays = 0
	}
	if c.Journal.RetentionHours < 0 {
		c.Journal.RetentionHours = 0
	}
	if c.Journal.QueueSize <= 0 {
		c.Journal.QueueSize = def.Journal.QueueSize
	}
	if c.Journal.BatchSize <= 0 {
		c.Journal.BatchSize = def.Journal.BatchSize
	}
	if c.Journal.CacheMB < 0 {
		c.Journal.CacheMB = 0
	}
	if c.Stats.DisplayIntervalSeconds <= 0 {
		c.Stats.DisplayIntervalSeconds = def.Stats.DisplayIntervalSeconds
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = def.Logging.RetentionDays
	}
	return nil
}

// StallTimeout returns the wall-clock tick fallback.
func (p PipelineConfig) StallTimeout() time.Duration {
	return time.Duration(p.StallTimeoutMS) * time.Millisecond
}

// Retention returns the buffer retention horizon.
func (b BufferConfig) Retention() time.Duration {
	return time.Duration(b.RetentionMS) * time.Millisecond
}

// Lateness returns the out-of-order tolerance.
func (b BufferConfig) Lateness() time.Duration {
	return time.Duration(b.LatenessMS) * time.Millisecond
}

// Print displays the effective configuration.
func (c *Config) Print() {
	m := c.Matching
	fmt.Printf("Matching: %s/%s window=%dms points=%d tick=%dms accept=%.2f release=%.2f margin=%.2f streak=%d switch=%d grace=%dms\n",
		m.Method, m.AlignMode, m.WindowMS, m.MinAlignedPoints, m.TickIntervalMS, m.AcceptScore, m.ReleaseScore, m.SwitchMargin,
		m.StreakThreshold, m.SwitchStreakThreshold, m.GraceMS)
	fmt.Printf("Buffer: retention=%dms lateness=%dms min_samples=%d max_series=%d\n",
		c.Buffer.RetentionMS, c.Buffer.LatenessMS, c.Buffer.MinSamples, c.Buffer.MaxSeries)
	if c.Decoder.Enabled {
		fmt.Printf("Decoder: udp %s (metric %s)\n", c.Decoder.ListenAddr, c.Decoder.Metric)
		if c.Decoder.ServerAddr != "" {
			fmt.Printf("Decoder: registering with %s\n", c.Decoder.ServerAddr)
		}
	}
	if c.SideChannel.Enabled {
		fmt.Printf("Side channel: %s:%d (topic: %s, control: %s)\n", c.SideChannel.Broker, c.SideChannel.Port, c.SideChannel.Topic, c.SideChannel.ControlTopic)
	}
	if c.Sink.MQTT.Enabled {
		fmt.Printf("Decision sink: mqtt %s:%d (topic: %s)\n", c.Sink.MQTT.Broker, c.Sink.MQTT.Port, c.Sink.MQTT.Topic)
	}
	if c.Sink.UDP.Enabled {
		fmt.Printf("Decision sink: udp %s\n", c.Sink.UDP.Addr)
	}
	if c.DecisionLog.Enabled {
		fmt.Printf("Decision log: %s (retention %dd)\n", c.DecisionLog.Path, c.DecisionLog.RetentionDays)
	}
	if c.Journal.Enabled {
		fmt.Printf("Sample journal: %s (retention %dh)\n", c.Journal.Path, c.Journal.RetentionHours)
	}
	if c.Metrics.Enabled {
		fmt.Printf("Metrics: http://%s/metrics\n", c.Metrics.ListenAddr)
	}
}
