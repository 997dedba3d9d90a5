package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// RunStore keeps training run history in a SQLite database.
type RunStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// NewRunStore returns a store for the database at path. Call Init before use.
func NewRunStore(path string) *RunStore {
	return &RunStore{path: path}
}

// Init opens the database and creates the tables.
func (s *RunStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("run store path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("opening run store: %w", err)
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating run tables: %w", err)
	}

	s.db = db
	return nil
}

// SaveRun inserts or updates a run.
func (s *RunStore) SaveRun(ctx context.Context, r RunRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, task, row_count, features, num_mfs, epochs, batch_size,
			learning_rate, seed, output, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at
	`, r.ID, r.Task, r.Rows, r.Features, r.NumMFs, r.Epochs, r.BatchSize,
		r.LearningRate, r.Seed, r.Output, r.Status,
		formatTime(r.StartedAt), formatTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("saving run %s: %w", r.ID, err)
	}
	return nil
}

// SaveEpoch inserts or replaces one epoch record.
func (s *RunStore) SaveEpoch(ctx context.Context, e EpochRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO epochs (run_id, head, epoch, train_loss, val_loss, best, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, head, epoch) DO UPDATE SET
			train_loss = excluded.train_loss,
			val_loss = excluded.val_loss,
			best = excluded.best,
			elapsed_ms = excluded.elapsed_ms
	`, e.RunID, e.Head, e.Epoch, finiteOrNull(e.TrainLoss), finiteOrNull(e.ValLoss), e.Best, e.ElapsedMS)
	if err != nil {
		return fmt.Errorf("saving epoch %d of %s/%s: %w", e.Epoch, e.RunID, e.Head, err)
	}
	return nil
}

// GetRun returns the run with id. The bool is false if it does not exist.
func (s *RunStore) GetRun(ctx context.Context, id string) (RunRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return RunRecord{}, false, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT id, task, row_count, features, num_mfs, epochs, batch_size,
			learning_rate, seed, output, status, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, false, nil
		}
		return RunRecord{}, false, err
	}
	return r, true, nil
}

// Runs returns every run, most recent first.
func (s *RunStore) Runs(ctx context.Context) ([]RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, task, row_count, features, num_mfs, epochs, batch_size,
			learning_rate, seed, output, status, started_at, finished_at
		FROM runs ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Epochs returns a run's epoch records ordered by head and epoch.
func (s *RunStore) Epochs(ctx context.Context, runID string) ([]EpochRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT e.run_id, r.task, e.head, e.epoch, e.train_loss, e.val_loss, e.best, e.elapsed_ms
		FROM epochs e JOIN runs r ON r.id = e.run_id
		WHERE e.run_id = ?
		ORDER BY e.head, e.epoch
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EpochRecord
	for rows.Next() {
		var e EpochRecord
		var trainLoss, valLoss sql.NullFloat64
		if err := rows.Scan(&e.RunID, &e.Task, &e.Head, &e.Epoch, &trainLoss, &valLoss, &e.Best, &e.ElapsedMS); err != nil {
			return nil, err
		}
		// Non-finite losses are stored as NULL
		e.TrainLoss = nullToNaN(trainLoss)
		e.ValLoss = nullToNaN(valLoss)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ObserveRun records run start and completion.
func (s *RunStore) ObserveRun(r RunRecord) error {
	return s.SaveRun(context.Background(), r)
}

// ObserveEpoch records one epoch.
func (s *RunStore) ObserveEpoch(e EpochRecord) error {
	return s.SaveEpoch(context.Background(), e)
}

// Close closes the database.
func (s *RunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *RunStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("run store is not initialized")
	}
	return s.db, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (RunRecord, error) {
	var r RunRecord
	var started, finished string
	err := sc.Scan(&r.ID, &r.Task, &r.Rows, &r.Features, &r.NumMFs, &r.Epochs, &r.BatchSize,
		&r.LearningRate, &r.Seed, &r.Output, &r.Status, &started, &finished)
	if err != nil {
		return RunRecord{}, err
	}
	if r.StartedAt, err = parseTime(started); err != nil {
		return RunRecord{}, fmt.Errorf("decode run %s: %w", r.ID, err)
	}
	if r.FinishedAt, err = parseTime(finished); err != nil {
		return RunRecord{}, fmt.Errorf("decode run %s: %w", r.ID, err)
	}
	return r, nil
}

func finiteOrNull(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v) && !math.IsInf(v, 0)}
}

func nullToNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			row_count INTEGER NOT NULL,
			features INTEGER NOT NULL,
			num_mfs INTEGER NOT NULL,
			epochs INTEGER NOT NULL,
			batch_size INTEGER NOT NULL,
			learning_rate REAL NOT NULL,
			seed INTEGER NOT NULL,
			output TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS epochs (
			run_id TEXT NOT NULL,
			head TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			train_loss REAL,
			val_loss REAL,
			best INTEGER NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			PRIMARY KEY (run_id, head, epoch)
		);
	`)
	return err
}
