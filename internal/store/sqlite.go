package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/johann-project/johann-go/internal/broker"
)

// ErrRunNotFound indicates a lookup for a run id that was never created.
var ErrRunNotFound = errors.New("run not found")

// SQLiteDB implements the DB interface using SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB creates a new SQLite database connection. Use ":memory:" for
// tests.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency (coordinator and watcher
	// write from separate goroutines)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *SQLiteDB) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			score TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS dispatches (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL,
			measure TEXT NOT NULL,
			player TEXT NOT NULL,
			host TEXT NOT NULL,
			state TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_run ON dispatches(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_run_measure ON dispatches(run_id, measure)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_score_created ON runs(score, created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateRun inserts a new run row
func (s *SQLiteDB) CreateRun(run *Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, score, state, created_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Score, run.State, run.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteDB) GetRun(id string) (*Run, error) {
	var run Run
	var finishedAt sql.NullTime

	err := s.db.QueryRow(
		`SELECT id, score, state, created_at, finished_at FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.Score, &run.State, &run.CreatedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}

	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

// SetRunState advances the run submission state
func (s *SQLiteDB) SetRunState(id, state string) error {
	if _, err := s.db.Exec(`UPDATE runs SET state = ? WHERE id = ?`, state, id); err != nil {
		return fmt.Errorf("failed to set state of run %s: %w", id, err)
	}
	return nil
}

// FinishRun records the terminal state and finish time of a run
func (s *SQLiteDB) FinishRun(id, state string, finishedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE runs SET state = ?, finished_at = ? WHERE id = ?`,
		state, finishedAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	return nil
}

// LatestRunForScore returns the most recently created run of a score
func (s *SQLiteDB) LatestRunForScore(score string) (*Run, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM runs WHERE score = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		score,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: score %q has no runs", ErrRunNotFound, score)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest run of %s: %w", score, err)
	}
	return s.GetRun(id)
}

// RecordDispatch inserts one dispatch row
func (s *SQLiteDB) RecordDispatch(d *Dispatch) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO dispatches (task_id, run_id, measure, player, host, state, result, error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.TaskID, d.RunID, d.Measure, d.Player, d.Host,
		string(d.State), d.Result, d.Error, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record dispatch %s: %w", d.TaskID, err)
	}
	return nil
}

// UpdateDispatch applies a status update keyed by task id. The WHERE clause
// rejects writes against rows already in a terminal state, so a duplicate or
// late delivery never overwrites a settled outcome.
func (s *SQLiteDB) UpdateDispatch(taskID string, state broker.State, result, errMsg string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE dispatches SET state = ?, result = ?, error = ?, updated_at = ?
		 WHERE task_id = ? AND state NOT IN (?, ?)`,
		string(state), result, errMsg, time.Now().UTC(),
		taskID, string(broker.StateSuccess), string(broker.StateFailure),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update dispatch %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update dispatch %s: %w", taskID, err)
	}
	return n > 0, nil
}

// ListDispatches returns every dispatch of a run in insertion order
func (s *SQLiteDB) ListDispatches(runID string) ([]Dispatch, error) {
	return s.queryDispatches(
		`SELECT task_id, run_id, measure, player, host, state, result, error, updated_at
		 FROM dispatches WHERE run_id = ? ORDER BY seq`, runID)
}

// ListMeasureDispatches returns the dispatches of one measure in a run
func (s *SQLiteDB) ListMeasureDispatches(runID, measure string) ([]Dispatch, error) {
	return s.queryDispatches(
		`SELECT task_id, run_id, measure, player, host, state, result, error, updated_at
		 FROM dispatches WHERE run_id = ? AND measure = ? ORDER BY seq`, runID, measure)
}

func (s *SQLiteDB) queryDispatches(query string, args ...any) ([]Dispatch, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatches: %w", err)
	}
	defer rows.Close()

	var dispatches []Dispatch
	for rows.Next() {
		var d Dispatch
		var state string

		err := rows.Scan(&d.TaskID, &d.RunID, &d.Measure, &d.Player, &d.Host,
			&state, &d.Result, &d.Error, &d.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatch: %w", err)
		}

		d.State = broker.State(state)
		dispatches = append(dispatches, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dispatches: %w", err)
	}
	return dispatches, nil
}
