// Package history keeps an optional SQLite log of executions and batches.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/hyperifyio/snippetd/internal/engine"
)

// Record kinds.
const (
	KindExecution = "execution"
	KindBatch     = "batch"
)

// Record is one stored run.
type Record struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"startedAt"`
	Succeeded bool      `json:"succeeded"`
	FaultKind string    `json:"faultKind,omitempty"`
	ElapsedMs int64     `json:"elapsedMs"`
	TimeoutMs int64     `json:"timeoutMs,omitempty"`
	LogLines  int       `json:"logLines"`
	// Detail is the snippet shape for executions and the
	// total/succeeded/failed counts for batches.
	Detail string `json:"detail,omitempty"`
}

// Store persists records.
type Store struct {
	db  *sql.DB
	log logrus.FieldLogger
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	succeeded   INTEGER NOT NULL,
	fault_kind  TEXT NOT NULL DEFAULT '',
	elapsed_ms  INTEGER NOT NULL DEFAULT 0,
	timeout_ms  INTEGER NOT NULL DEFAULT 0,
	log_lines   INTEGER NOT NULL DEFAULT 0,
	detail      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// isBusyLock reports whether err is SQLITE_BUSY, possibly wrapped.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory store.
func Open(path string, log logrus.FieldLogger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(nopWriter{})
		log = l
	}
	return &Store{db: db, log: log}, nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts r.
func (s *Store) Add(ctx context.Context, r Record) error {
	err := retryOnBusy(func() error {
		_, e := s.db.ExecContext(ctx,
			`INSERT INTO runs (id, kind, started_at, succeeded, fault_kind, elapsed_ms, timeout_ms, log_lines, detail)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Kind, r.StartedAt.UTC(), r.Succeeded, r.FaultKind, r.ElapsedMs, r.TimeoutMs, r.LogLines, r.Detail,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, started_at, succeeded, fault_kind, elapsed_ms, timeout_ms, log_lines, detail
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Kind, &r.StartedAt, &r.Succeeded, &r.FaultKind, &r.ElapsedMs, &r.TimeoutMs, &r.LogLines, &r.Detail); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FromOutcome converts an execution outcome into a record.
func FromOutcome(o *engine.Outcome) Record {
	r := Record{
		ID:        o.ID,
		Kind:      KindExecution,
		StartedAt: o.Started,
		Succeeded: o.Succeeded,
		ElapsedMs: o.Elapsed.Milliseconds(),
		TimeoutMs: o.Timeout.Milliseconds(),
		LogLines:  len(o.Logs),
	}
	if o.Shape != 0 {
		r.Detail = o.Shape.String()
	}
	if o.Fault != nil {
		r.FaultKind = string(o.Fault.Kind)
	}
	return r
}

// ObserveExecution stores o. Failures are logged, not returned, so history
// never changes an execution's result.
func (s *Store) ObserveExecution(ctx context.Context, o *engine.Outcome) {
	if err := s.Add(ctx, FromOutcome(o)); err != nil {
		s.log.WithError(err).WithField("execution", o.ID).Warn("history insert failed")
	}
}
