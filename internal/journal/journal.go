// Package journal records precalculation runs and their per-file failures in SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Run summarizes one precalculation run.
type Run struct {
	ID          string    `json:"id"`
	Root        string    `json:"root"`
	StoragePath string    `json:"storage_path"`
	SplitDepth  int       `json:"split_depth"`
	Parallelism int       `json:"parallelism"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Processed   int       `json:"processed"`
	Failed      int       `json:"failed"`
	Error       string    `json:"error,omitempty"`
}

// Failure is a file that was skipped during a run.
type Failure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Journal stores runs in a SQLite database.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at dbPath. Parent directories are
// created if they do not exist.
func Open(dbPath string) (*Journal, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		root TEXT NOT NULL,
		storage_path TEXT,
		split_depth INTEGER NOT NULL,
		parallelism INTEGER NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		processed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS failures (
		run_id TEXT NOT NULL,
		path TEXT NOT NULL,
		reason TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_failures_run_id ON failures(run_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Start inserts a new run and assigns its ID and start time.
func (j *Journal) Start(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, root, storage_path, split_depth, parallelism, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Root, run.StoragePath, run.SplitDepth, run.Parallelism, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// Finish records the outcome of a run together with its failures.
func (j *Journal) Finish(ctx context.Context, run *Run, failures []Failure) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	run.Failed = len(failures)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, processed = ?, failed = ?, error = ? WHERE id = ?`,
		run.FinishedAt, run.Processed, run.Failed, run.Error, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", run.ID)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO failures (run_id, path, reason) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, f := range failures {
		if _, err := stmt.ExecContext(ctx, run.ID, f.Path, f.Reason); err != nil {
			return fmt.Errorf("failed to insert failure: %w", err)
		}
	}
	return tx.Commit()
}

// Recent returns the latest runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, root, storage_path, split_depth, parallelism, started_at, finished_at, processed, failed, error
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			run        Run
			storage    sql.NullString
			finishedAt sql.NullTime
			runErr     sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Root, &storage, &run.SplitDepth, &run.Parallelism,
			&run.StartedAt, &finishedAt, &run.Processed, &run.Failed, &runErr); err != nil {
			return nil, err
		}
		run.StoragePath = storage.String
		run.FinishedAt = finishedAt.Time
		run.Error = runErr.String
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// Failures returns the files skipped by the given run.
func (j *Journal) Failures(ctx context.Context, runID string) ([]Failure, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT path, reason FROM failures WHERE run_id = ? ORDER BY path`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.Path, &f.Reason); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountRuns returns the total number of recorded runs.
func (j *Journal) CountRuns(ctx context.Context) (int64, error) {
	var count int64
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}
