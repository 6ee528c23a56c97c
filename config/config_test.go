package config

import (
	"os"
	"path/filepath"
	"testing"

	"rntitrack/matching"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.yaml", `decoder:
  listen_addr: "0.0.0.0:7000"
side_channel:
  topic: "phone/ul"
`)
	writeFile(t, dir, "matching.yaml", `matching:
  window_ms: 2000
  streak_threshold: 4
side_channel:
  control_topic: "phone/control"
`)
	writeFile(t, dir, "notes.txt", "ignored")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := filepath.Clean(cfg.LoadedFrom); got != filepath.Clean(dir) {
		t.Fatalf("expected LoadedFrom=%s, got %s", dir, got)
	}
	if cfg.Decoder.ListenAddr != "0.0.0.0:7000" {
		t.Fatalf("expected decoder.listen_addr from app.yaml, got %q", cfg.Decoder.ListenAddr)
	}
	if cfg.SideChannel.Topic != "phone/ul" || cfg.SideChannel.ControlTopic != "phone/control" {
		t.Fatalf("expected side_channel merged across files, got %+v", cfg.SideChannel)
	}
	if cfg.Matching.WindowMS != 2000 || cfg.Matching.StreakThreshold != 4 {
		t.Fatalf("expected matching overrides, got %+v", cfg.Matching)
	}
	// Untouched keys keep their defaults.
	if cfg.Matching.TickIntervalMS != 1000 {
		t.Fatalf("expected default tick interval, got %d", cfg.Matching.TickIntervalMS)
	}
	if cfg.Buffer.RetentionMS != 6000 {
		t.Fatalf("expected retention derived as 3x window, got %d", cfg.Buffer.RetentionMS)
	}
}

func TestLoadRejectsSingleFilePath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "runtime.yaml", "decoder:\n  enabled: false\n")
	if _, err := Load(filepath.Join(dir, "runtime.yaml")); err == nil {
		t.Fatalf("expected Load() to reject non-directory config path")
	}
}

func TestLoadMissingDirectoryIsNotExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestNormalizeClampsMatchingThresholds(t *testing.T) {
	cfg := Default()
	cfg.Matching.AcceptScore = 0.5
	cfg.Matching.ReleaseScore = 0.9
	cfg.Matching.StreakThreshold = 0
	cfg.Buffer.LatenessMS = 999999
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if cfg.Matching.ReleaseScore != 0.5 {
		t.Fatalf("expected release clamped to accept, got %g", cfg.Matching.ReleaseScore)
	}
	if cfg.Matching.StreakThreshold != 1 {
		t.Fatalf("expected streak floor of 1, got %d", cfg.Matching.StreakThreshold)
	}
	if cfg.Buffer.LatenessMS != cfg.Buffer.RetentionMS {
		t.Fatalf("expected lateness clamped to retention, got %d/%d", cfg.Buffer.LatenessMS, cfg.Buffer.RetentionMS)
	}
}

func TestNormalizeMethodDefaults(t *testing.T) {
	cfg := Default()
	cfg.Matching.Method = "NEG_MSD"
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if cfg.Matching.Method != matching.MethodNegMSD {
		t.Fatalf("expected method normalized, got %q", cfg.Matching.Method)
	}
	if cfg.Matching.AcceptScore >= 0 {
		t.Fatalf("expected negative accept threshold for neg_msd, got %g", cfg.Matching.AcceptScore)
	}
}

func TestNormalizeRejectsUnknownMetric(t *testing.T) {
	cfg := Default()
	cfg.Decoder.Metric = "dl_bytes"
	if err := cfg.Normalize(); err == nil {
		t.Fatalf("expected unknown decoder metric to be rejected")
	}
}
