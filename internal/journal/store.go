// Package journal keeps a history of runs in SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run ID is not in the journal.
var ErrNotFound = errors.New("run not found")

// Status is the outcome of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"  // Every group ran; tasks may still have failed
	StatusCancelled Status = "cancelled" // Stopped or replaced before the queue drained
)

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID         string
	Pipeline   string
	Status     Status
	Groups     int
	Tasks      int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time // Zero while running
}

// Entry is one recorded task event.
type Entry struct {
	RunID  string
	Task   string
	Kind   string
	Detail string
	At     time.Time
}

// Store defines the journal operations.
type Store interface {
	StartRun(ctx context.Context, run RunRecord) error
	FinishRun(ctx context.Context, runID string, status Status, failed int, at time.Time) error
	Append(ctx context.Context, entry Entry) error

	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	RunEvents(ctx context.Context, runID string) ([]Entry, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the journal at dbPath, creating parent directories
// and tables as needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates a private in-memory journal for testing.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	// Each store gets its own named database; cache=shared lets the pool's
	// connections see the same one.
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys in the connection string
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StartRun records a new run. Recording the same ID twice updates it.
func (s *SQLiteStore) StartRun(ctx context.Context, run RunRecord) error {
	status := run.Status
	if status == "" {
		status = StatusRunning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, status, groups_total, tasks_total, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pipeline = excluded.pipeline,
			status = excluded.status,
			groups_total = excluded.groups_total,
			tasks_total = excluded.tasks_total,
			started_at = excluded.started_at
	`, run.ID, run.Pipeline, string(status), run.Groups, run.Tasks, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun sets the final status of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status Status, failed int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, failed = ?, finished_at = ? WHERE id = ?
	`, string(status), failed, at.UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of run %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return nil
}

// Append adds one event to a run's history.
func (s *SQLiteStore) Append(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (run_id, task, kind, detail, at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.RunID, entry.Task, entry.Kind, entry.Detail, entry.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to append %s event for run %s: %w", entry.Kind, entry.RunID, err)
	}
	return nil
}

const runColumns = `id, pipeline, status, groups_total, tasks_total, failed, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		r        RunRecord
		status   string
		finished sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Pipeline, &status, &r.Groups, &r.Tasks, &r.Failed, &r.StartedAt, &finished); err != nil {
		return RunRecord{}, err
	}
	r.Status = Status(status)
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return r, nil
}

// GetRun loads one run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return &r, nil
}

// ListRuns returns up to limit runs, newest first. A limit <= 0 means all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		ORDER BY started_at DESC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunEvents returns a run's events in the order they were recorded.
func (s *SQLiteStore) RunEvents(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task, kind, detail, at FROM task_events
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RunID, &e.Task, &e.Kind, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
