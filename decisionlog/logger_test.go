package decisionlog

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rntitrack/allocation"
	"rntitrack/matching"
	"rntitrack/sample"
)

func countRows(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM decisions`).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestLoggerWritesDailyFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, 16, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)
	key := sample.Key{Cell: 7, RNTI: 17921}
	l.Enqueue(Entry{Decision: matching.Decision{Seq: 1, At: day1, Phase: matching.PhaseLocked, Key: key, Reason: "acquired"}, Dominant: key, HasDominant: true})
	l.Enqueue(Entry{Decision: matching.Decision{Seq: 2, At: day1.Add(time.Second), Phase: matching.PhaseLocked, Key: key, Reason: "held"}})
	l.Enqueue(Entry{Decision: matching.Decision{Seq: 3, At: day2, Phase: matching.PhaseUnlocked, Reason: "no_candidates"}})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if l.Written() != 3 || l.Dropped() != 0 {
		t.Fatalf("expected 3 written 0 dropped, got %d/%d", l.Written(), l.Dropped())
	}
	if got := countRows(t, Path(dir, day1)); got != 2 {
		t.Fatalf("expected 2 rows on day 1, got %d", got)
	}
	if got := countRows(t, Path(dir, day2)); got != 1 {
		t.Fatalf("expected 1 row on day 2, got %d", got)
	}

	db, err := sql.Open("sqlite", Path(dir, day1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	var rnti, dominant sql.NullInt64
	if err := db.QueryRow(`SELECT rnti, dominant_rnti FROM decisions WHERE seq = 1`).Scan(&rnti, &dominant); err != nil {
		t.Fatalf("select: %v", err)
	}
	if rnti.Int64 != 17921 || dominant.Int64 != 17921 {
		t.Fatalf("unexpected rnti/dominant %v/%v", rnti, dominant)
	}
}

func TestUnlockedDecisionStoresNullRNTI(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, 4, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	l.Enqueue(Entry{Decision: matching.Decision{Seq: 1, At: at, Phase: matching.PhaseUnlocked, Reason: "no_reference"}})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	db, err := sql.Open("sqlite", Path(dir, at))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	var rnti sql.NullInt64
	var reason string
	if err := db.QueryRow(`SELECT rnti, reason FROM decisions`).Scan(&rnti, &reason); err != nil {
		t.Fatalf("select: %v", err)
	}
	if rnti.Valid || reason != "no_reference" {
		t.Fatalf("expected NULL rnti and no_reference, got %v %q", rnti, reason)
	}
}

func TestAllocationColumnsOnOlderFile(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	path := Path(dir, at)
	old, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := old.Exec(`CREATE TABLE decisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT, ts_ms INTEGER NOT NULL, seq INTEGER NOT NULL,
    epoch INTEGER NOT NULL, phase TEXT NOT NULL, cell INTEGER, rnti INTEGER,
    confidence REAL, score REAL, best_rnti INTEGER, best_score REAL, margin REAL,
    scored INTEGER, previous_rnti INTEGER, dominant_rnti INTEGER, reason TEXT)`); err != nil {
		t.Fatalf("create old schema: %v", err)
	}
	old.Close()

	l, err := New(dir, 4, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	d := matching.Decision{Seq: 1, At: at, Phase: matching.PhaseLocked, Key: sample.Key{Cell: 0, RNTI: 200}, Reason: "held"}
	d.Allocation = allocation.Metrics{TTIs: 10, ULBytes: 5000, ULPRB: 40, PRBShare: 0.25, FairShareBitPerMS: 900}
	d.HasAllocation = true
	l.Enqueue(Entry{Decision: d})
	l.Enqueue(Entry{Decision: matching.Decision{Seq: 2, At: at, Phase: matching.PhaseUnlocked, Reason: "no_candidates"}})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if l.Written() != 2 {
		t.Fatalf("expected 2 written, got %d", l.Written())
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	var prb sql.NullInt64
	var share sql.NullFloat64
	if err := db.QueryRow(`SELECT ul_prb, prb_share FROM decisions WHERE seq = 1`).Scan(&prb, &share); err != nil {
		t.Fatalf("select: %v", err)
	}
	if prb.Int64 != 40 || share.Float64 != 0.25 {
		t.Fatalf("unexpected allocation columns %v %v", prb, share)
	}
	if err := db.QueryRow(`SELECT ul_prb FROM decisions WHERE seq = 2`).Scan(&prb); err != nil {
		t.Fatalf("select: %v", err)
	}
	if prb.Valid {
		t.Fatalf("expected NULL allocation on an unlocked decision, got %v", prb)
	}
}

func TestPathResolution(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := Path(filepath.Join("data", "decisions"), at); got != filepath.Join("data", "decisions", "decisions_2026-01-02.db") {
		t.Fatalf("directory path: %s", got)
	}
	if got := Path(filepath.Join("logs", "match.log"), at); got != filepath.Join("logs", "match_2026-01-02.db") {
		t.Fatalf("file path: %s", got)
	}
}

func TestRetentionRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "decisions_2020-01-01.db")
	unrelated := filepath.Join(dir, "notes.db")
	for _, p := range []string{old, unrelated} {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	l, err := New(dir, 4, 3)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Enqueue(Entry{Decision: matching.Decision{Seq: 1, At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected expired file removed, stat err=%v", err)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Fatalf("unrelated file should remain: %v", err)
	}
}

func TestPreflightQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decisions_2026-03-01.db")
	if err := os.WriteFile(path, []byte("not a sqlite database at all, just some text padding it out"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	res, err := Preflight(path, time.Second, func(string, ...any) {})
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if res.Healthy || !res.Quarantined || !strings.Contains(res.QuarantinePath, ".bad-") {
		t.Fatalf("expected quarantine, got %+v", res)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected original renamed, stat err=%v", err)
	}
}

func TestPreflightHealthyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ok.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE t (id INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	db.Close()
	res, err := Preflight(path, time.Second, nil)
	if err != nil || !res.Healthy {
		t.Fatalf("expected healthy, got %+v err=%v", res, err)
	}
}
