// Package history keeps an append-only ledger of finished jobs in sqlite.
// Live jobs never touch it; a daemon restart starts with an empty registry
// but the ledger survives for operator inspection.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dar-k-dev/vidharvest/internal/jobs"
	"github.com/dar-k-dev/vidharvest/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id        TEXT NOT NULL,
    url           TEXT NOT NULL,
    platform      TEXT NOT NULL,
    format        TEXT NOT NULL,
    quality       TEXT NOT NULL,
    enhanced      INTEGER NOT NULL DEFAULT 0,
    outcome       TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    attempts      INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL,
    finished_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_history_finished_at ON job_history(finished_at);
CREATE INDEX IF NOT EXISTS idx_job_history_outcome ON job_history(outcome);
`

// Entry is one finished job as recorded in the ledger.
type Entry struct {
	JobID        string
	URL          string
	Platform     string
	Format       string
	Quality      string
	Enhanced     bool
	Outcome      jobs.State
	ErrorMessage string
	Attempts     int
	CreatedAt    time.Time
	FinishedAt   time.Time
}

// Store wraps the sqlite ledger.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the ledger database at path and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logging.NewComponentLogger(logger, "history"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends the terminal outcome of a job to the ledger.
func (s *Store) Record(ctx context.Context, job jobs.Job) error {
	if !job.Finished() {
		return fmt.Errorf("job %s is not finished (state %s)", job.ID, job.State)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_history (job_id, url, platform, format, quality, enhanced, outcome, error_message, attempts, created_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Request.URL,
		job.Request.Platform,
		job.Request.Format,
		job.Request.Quality,
		boolToInt(job.Request.Enhancements.Any()),
		string(job.State),
		job.ErrorMessage,
		job.RetryCount,
		job.CreatedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record job history: %w", err)
	}
	return nil
}

// List returns the most recently finished entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT job_id, url, platform, format, quality, enhanced, outcome, error_message, attempts, created_at, finished_at
FROM job_history
ORDER BY id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list job history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var enhanced int
		var outcome, createdAt, finishedAt string
		if err := rows.Scan(
			&entry.JobID, &entry.URL, &entry.Platform, &entry.Format, &entry.Quality,
			&enhanced, &outcome, &entry.ErrorMessage, &entry.Attempts,
			&createdAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entry.Enhanced = enhanced != 0
		entry.Outcome = jobs.State(outcome)
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entry.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Stats returns ledger entry counts grouped by outcome.
func (s *Store) Stats(ctx context.Context) (map[jobs.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM job_history GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("history stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[jobs.State]int)
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats[jobs.State(outcome)] = count
	}
	return stats, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
