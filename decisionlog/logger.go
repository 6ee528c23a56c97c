// Package decisionlog persists every matcher decision to a daily-rotated
// SQLite database for offline analysis. Writes happen on a background
// goroutine; the tick loop never waits on disk.
package decisionlog

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rntitrack/internal/ratelimit"
	"rntitrack/matching"
	"rntitrack/sample"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

const (
	defaultQueue         = 4096
	filePrefix           = "decisions"
	schemaVersionKey     = "schema_version"
	currentSchemaVersion = "2"
	preflightTimeout     = 2 * time.Second
)

// Entry is one decision plus the dominant binding at the time it was made.
type Entry struct {
	Decision    matching.Decision
	Dominant    sample.Key
	HasDominant bool
}

// Logger writes decisions to data/decisions/decisions_YYYY-MM-DD.db style
// files. When the queue is full entries are dropped and counted.
type Logger struct {
	basePath      string
	retentionDays int
	queue         chan Entry

	mu          sync.Mutex
	db          *sql.DB
	currentPath string
	insertStmt  *sql.Stmt
	checked     map[string]bool

	wg        sync.WaitGroup
	closeOnce sync.Once

	dropped  atomic.Int64
	written  atomic.Int64
	dropLog  ratelimit.Counter
	errorLog ratelimit.Counter
}

// New starts a logger. retentionDays <= 0 keeps every file.
// The caller must Close the logger to flush buffered entries.
func New(basePath string, queueSize, retentionDays int) (*Logger, error) {
	if queueSize <= 0 {
		queueSize = defaultQueue
	}
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, fmt.Errorf("decision log: empty path")
	}
	l := &Logger{
		basePath:      basePath,
		retentionDays: retentionDays,
		queue:         make(chan Entry, queueSize),
		checked:       make(map[string]bool),
		dropLog:       ratelimit.NewCounter(10 * time.Second),
		errorLog:      ratelimit.NewCounter(10 * time.Second),
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Enqueue buffers the entry without blocking.
func (l *Logger) Enqueue(entry Entry) {
	select {
	case l.queue <- entry:
	default:
		l.dropped.Add(1)
		if total, ok := l.dropLog.Inc(); ok {
			log.Printf("Decision log backpressure: dropped %d entries", total)
		}
	}
}

// Dropped returns how many entries were discarded due to backpressure.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Written returns how many entries reached the database.
func (l *Logger) Written() int64 {
	return l.written.Load()
}

// Close drains the queue and releases the database handle.
func (l *Logger) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.queue)
		l.wg.Wait()
		l.mu.Lock()
		defer l.mu.Unlock()
		closeErr = l.closeDBLocked()
	})
	return closeErr
}

func (l *Logger) run() {
	defer l.wg.Done()
	for entry := range l.queue {
		if err := l.write(entry); err != nil {
			if total, ok := l.errorLog.Inc(); ok {
				log.Printf("Decision log error (%d): %v", total, err)
			}
			continue
		}
		l.written.Add(1)
	}
}

func (l *Logger) write(entry Entry) error {
	d := entry.Decision
	ts := d.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	for attempt := 0; attempt < 2; attempt++ {
		stmt, path, err := l.ensureDB(ts)
		if err != nil {
			return err
		}
		_, err = stmt.Exec(
			ts.UTC().UnixMilli(),
			d.Seq,
			d.Epoch,
			d.Phase.String(),
			keyCell(d.Key, d.Phase != matching.PhaseUnlocked),
			keyRNTI(d.Key, d.Phase != matching.PhaseUnlocked),
			d.Confidence,
			d.Score,
			keyRNTI(d.Best, d.HasBest),
			d.BestScore,
			d.Margin,
			d.Scored,
			keyRNTI(d.Previous, d.HasPrev),
			keyRNTI(entry.Dominant, entry.HasDominant),
			d.Reason,
			allocValue(d.HasAllocation, d.Allocation.ULBytes),
			allocValue(d.HasAllocation, float64(d.Allocation.ULPRB)),
			allocValue(d.HasAllocation, d.Allocation.PRBShare),
			allocValue(d.HasAllocation, d.Allocation.FairShareBitPerMS),
		)
		if err == nil {
			return nil
		}
		if attempt == 0 && isSQLiteCorrupted(err) {
			l.mu.Lock()
			_ = l.closeDBLocked()
			l.mu.Unlock()
			_ = os.Remove(path)
			continue
		}
		return fmt.Errorf("decision log: insert: %w", err)
	}
	return fmt.Errorf("decision log: insert failed after reopen")
}

func keyCell(k sample.Key, ok bool) any {
	if !ok {
		return nil
	}
	return int64(k.Cell)
}

func keyRNTI(k sample.Key, ok bool) any {
	if !ok {
		return nil
	}
	return int64(k.RNTI)
}

func allocValue(ok bool, v float64) any {
	if !ok {
		return nil
	}
	return v
}

func (l *Logger) ensureDB(ts time.Time) (*sql.Stmt, string, error) {
	path := Path(l.basePath, ts)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db != nil && l.currentPath == path {
		return l.insertStmt, path, nil
	}
	if err := l.closeDBLocked(); err != nil {
		return nil, path, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, path, fmt.Errorf("decision log: mkdir %s: %w", filepath.Dir(path), err)
	}
	if !l.checked[path] {
		l.checked[path] = true
		if _, err := os.Stat(path); err == nil {
			if _, err := Preflight(path, preflightTimeout, log.Printf); err != nil {
				return nil, path, err
			}
		}
		l.removeExpired(ts)
	}

	for attempt := 0; attempt < 2; attempt++ {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, path, fmt.Errorf("decision log: open %s: %w", path, err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL;`); err != nil {
			db.Close()
			if attempt == 0 && isSQLiteCorrupted(err) {
				_ = os.Remove(path)
				continue
			}
			return nil, path, fmt.Errorf("decision log: pragmas: %w", err)
		}
		if err := initSchema(db); err != nil {
			db.Close()
			if attempt == 0 && isSQLiteCorrupted(err) {
				_ = os.Remove(path)
				continue
			}
			return nil, path, err
		}
		stmt, err := db.Prepare(`
INSERT INTO decisions (
    ts_ms, seq, epoch, phase, cell, rnti, confidence, score,
    best_rnti, best_score, margin, scored, previous_rnti, dominant_rnti, reason,
    ul_bytes, ul_prb, prb_share, fair_share_bit_per_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
		if err != nil {
			db.Close()
			return nil, path, fmt.Errorf("decision log: prepare insert: %w", err)
		}
		l.db = db
		l.insertStmt = stmt
		l.currentPath = path
		return stmt, path, nil
	}
	return nil, path, fmt.Errorf("decision log: unable to open %s", path)
}

func (l *Logger) closeDBLocked() error {
	var firstErr error
	if l.insertStmt != nil {
		if err := l.insertStmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.insertStmt = nil
	}
	if l.db != nil {
		if err := l.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.db = nil
	}
	l.currentPath = ""
	return firstErr
}

// removeExpired deletes dated files older than the retention horizon. Only
// files matching this logger's naming pattern are touched.
func (l *Logger) removeExpired(now time.Time) {
	if l.retentionDays <= 0 {
		return
	}
	dir, prefix, ext := l.pattern()
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"_*"+ext))
	if err != nil {
		return
	}
	cutoff := now.UTC().AddDate(0, 0, -l.retentionDays).Truncate(24 * time.Hour)
	for _, path := range matches {
		name := strings.TrimSuffix(filepath.Base(path), ext)
		day, err := time.Parse("2006-01-02", strings.TrimPrefix(name, prefix+"_"))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			for _, suffix := range []string{"", "-wal", "-shm"} {
				_ = os.Remove(path + suffix)
			}
			log.Printf("Decision log: removed expired %s", filepath.Base(path))
		}
	}
}

func (l *Logger) pattern() (dir, prefix, ext string) {
	clean := filepath.Clean(l.basePath)
	ext = filepath.Ext(clean)
	if ext == "" {
		return clean, filePrefix, ".db"
	}
	prefix = strings.TrimSuffix(filepath.Base(clean), ext)
	if prefix == "" {
		prefix = filePrefix
	}
	if strings.EqualFold(ext, ".log") || strings.EqualFold(ext, ".txt") {
		ext = ".db"
	}
	return filepath.Dir(clean), prefix, ext
}

// Path resolves the database file for a base path and day.
//   - a path without an extension is a directory: <dir>/decisions_YYYY-MM-DD.db
//   - a file path keeps its directory and gets a date suffix: foo.db -> foo_YYYY-MM-DD.db
func Path(basePath string, ts time.Time) string {
	l := Logger{basePath: strings.TrimSpace(basePath)}
	dir, prefix, ext := l.pattern()
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", prefix, ts.UTC().Format("2006-01-02"), ext))
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS decisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts_ms INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    epoch INTEGER NOT NULL,
    phase TEXT NOT NULL,
    cell INTEGER,
    rnti INTEGER,
    confidence REAL,
    score REAL,
    best_rnti INTEGER,
    best_score REAL,
    margin REAL,
    scored INTEGER,
    previous_rnti INTEGER,
    dominant_rnti INTEGER,
    reason TEXT,
    ul_bytes REAL,
    ul_prb INTEGER,
    prb_share REAL,
    fair_share_bit_per_ms REAL
);
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT
);
CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts_ms);
CREATE INDEX IF NOT EXISTS idx_decisions_rnti ON decisions(rnti);
`); err != nil {
		return fmt.Errorf("decision log: init schema: %w", err)
	}
	if err := addAllocationColumns(db); err != nil {
		return err
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO metadata(key, value) VALUES (?, ?)`, schemaVersionKey, currentSchemaVersion); err != nil {
		return fmt.Errorf("decision log: write metadata: %w", err)
	}
	return nil
}

// allocationColumns were added in schema version 2.
var allocationColumns = []struct{ name, decl string }{
	{"ul_bytes", "REAL"},
	{"ul_prb", "INTEGER"},
	{"prb_share", "REAL"},
	{"fair_share_bit_per_ms", "REAL"},
}

// addAllocationColumns upgrades a same-day file written by an older build.
func addAllocationColumns(db *sql.DB) error {
	rows, err := db.Query(`PRAGMA table_info(decisions)`)
	if err != nil {
		return fmt.Errorf("decision log: table info: %w", err)
	}
	have := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("decision log: table info: %w", err)
		}
		have[name] = true
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("decision log: table info: %w", err)
	}
	for _, col := range allocationColumns {
		if have[col.name] {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE decisions ADD COLUMN %s %s`, col.name, col.decl)); err != nil {
			return fmt.Errorf("decision log: add column %s: %w", col.name, err)
		}
	}
	return nil
}

func isSQLiteCorrupted(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is encrypted or is not a database") ||
		strings.Contains(msg, "file is not a database")
}
