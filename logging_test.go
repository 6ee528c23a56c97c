package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rntitrack/config"
)

func TestLogFileNameRoundTrip(t *testing.T) {
	when := time.Date(2026, time.January, 22, 23, 59, 0, 0, time.UTC)
	name := logFileNameForDate(when)
	if name != "rntitrack-2026-01-22.log" {
		t.Fatalf("unexpected log filename %q", name)
	}
	parsed, ok := parseLogFileDate(name)
	if !ok || parsed.Year() != 2026 || parsed.Month() != time.January || parsed.Day() != 22 {
		t.Fatalf("unexpected parse of %q: %v %v", name, parsed, ok)
	}
	for _, other := range []string{"notes.txt", "rntitrack-2026-01-22.txt", "other-2026-01-22.log", "rntitrack-yesterday.log"} {
		if _, ok := parseLogFileDate(other); ok {
			t.Fatalf("expected %q to be rejected", other)
		}
	}
}

func TestPruneLogsKeepsRetentionWindow(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"rntitrack-2026-01-20.log",
		"rntitrack-2026-01-21.log",
		"rntitrack-2026-01-22.log",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	now := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if err := pruneLogs(dir, now, 2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "rntitrack-2026-01-20.log")); !os.IsNotExist(err) {
		t.Fatalf("expected oldest log to be removed, stat err=%v", err)
	}
	for _, name := range []string{"rntitrack-2026-01-21.log", "rntitrack-2026-01-22.log", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to remain: %v", name, err)
		}
	}
}

func TestDailyFileRotatesAtMidnight(t *testing.T) {
	dir := t.TempDir()
	file, err := newDailyFile(dir, 30)
	if err != nil {
		t.Fatalf("newDailyFile: %v", err)
	}
	day1 := time.Date(2026, time.January, 22, 23, 59, 59, 0, time.UTC)
	file.WriteLine("first", day1)
	file.WriteLine("second", day1.Add(2*time.Second))
	if err := file.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	first, err := os.ReadFile(filepath.Join(dir, "rntitrack-2026-01-22.log"))
	if err != nil {
		t.Fatalf("read day1: %v", err)
	}
	if !strings.HasSuffix(string(first), " first\n") || strings.Contains(string(first), "second") {
		t.Fatalf("unexpected day1 contents %q", first)
	}
	second, err := os.ReadFile(filepath.Join(dir, "rntitrack-2026-01-23.log"))
	if err != nil {
		t.Fatalf("read day2: %v", err)
	}
	if !strings.HasPrefix(string(second), "2026-01-23 00:00:01.000 second") {
		t.Fatalf("unexpected day2 contents %q", second)
	}
}

func TestLogFanoutSplitsLines(t *testing.T) {
	var console bytes.Buffer
	dir := t.TempDir()
	file, err := newDailyFile(dir, 1)
	if err != nil {
		t.Fatalf("newDailyFile: %v", err)
	}
	fanout := newLogFanout(&writerSink{w: &console}, file)
	logger := log.New(fanout, "", 0)
	logger.Print("one\ntwo")
	fanout.WriteFileOnlyLine("file only", time.Now())
	if _, err := fanout.Write([]byte("partial")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fanout.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if console.String() != "one\ntwo\n" {
		t.Fatalf("unexpected console output %q", console.String())
	}
	data, err := os.ReadFile(filepath.Join(dir, logFileNameForDate(time.Now())))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	got := string(data)
	if strings.Count(got, "\n") != 3 || !strings.Contains(got, "file only") || strings.Contains(got, "partial") {
		t.Fatalf("unexpected file contents %q", got)
	}
}

func TestSetupLoggingDisabledUsesConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	fanout, err := setupLogging(config.LoggingConfig{}, &console)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	if fanout.file != nil {
		t.Fatalf("expected no file sink when logging is disabled")
	}
	if _, err := setupLogging(config.LoggingConfig{Enabled: true, Dir: " "}, &console); err == nil {
		t.Fatalf("expected an error for an empty log directory")
	}
}
