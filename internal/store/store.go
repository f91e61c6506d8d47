// Package store keeps the history of verification runs in SQLite so that a
// suite can be re-verified over time and compared against earlier runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"callcheck/internal/effects"
	"callcheck/internal/report"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	started_at     INTEGER NOT NULL,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	seed           INTEGER NOT NULL,
	trials         INTEGER NOT NULL DEFAULT 0,
	passed         INTEGER NOT NULL,
	budget_hit     INTEGER NOT NULL DEFAULT 0,
	counts_json    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

CREATE TABLE IF NOT EXISTS subcase_results (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	spec            TEXT NOT NULL,
	subcase         INTEGER NOT NULL,
	subcase_id      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	argv_json       TEXT NOT NULL DEFAULT '[]',
	mismatches_json TEXT NOT NULL DEFAULT '[]',
	error           TEXT NOT NULL DEFAULT '',
	UNIQUE(run_id, spec, subcase)
);
CREATE INDEX IF NOT EXISTS idx_results_run ON subcase_results(run_id, spec);
`

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Store is the run history database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path and
// migrates its schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// Run is the summary row of one recorded suite.
type Run struct {
	ID             string
	Started        time.Time
	Duration       time.Duration
	Seed           int64
	Trials         int
	Passed         bool
	BudgetExceeded bool
	Counts         report.Counts
}

// RecordSuite stores a finished suite and its subcase results in one
// transaction. Specs that errored before running a subcase are stored with
// subcase index -1.
func (s *Store) RecordSuite(ctx context.Context, suite *report.Suite) error {
	if suite.RunID == "" {
		return errors.New("record suite: run id is required")
	}
	counts, err := json.Marshal(suite.Counts())
	if err != nil {
		return fmt.Errorf("record suite: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record suite: begin: %w", err)
	}
	defer tx.Rollback()

	const insertRun = `INSERT INTO runs (id, started_at, duration_ms, seed, trials, passed, budget_hit, counts_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, insertRun,
		suite.RunID, suite.Started.UnixMilli(), suite.Duration.Milliseconds(), suite.Seed, suite.Trials,
		boolInt(suite.Passed()), boolInt(suite.BudgetExceeded), string(counts))
	if err != nil {
		return fmt.Errorf("record suite %s: %w", suite.RunID, err)
	}

	const insertResult = `INSERT INTO subcase_results (run_id, spec, subcase, subcase_id, status, argv_json, mismatches_json, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := tx.PrepareContext(ctx, insertResult)
	if err != nil {
		return fmt.Errorf("record suite: prepare: %w", err)
	}
	defer stmt.Close()

	for _, sp := range suite.Specs {
		if sp.Error != "" || len(sp.Subcases) == 0 {
			if _, err := stmt.ExecContext(ctx, suite.RunID, sp.Name, -1, "", string(sp.Status), "[]", "[]", sp.Error); err != nil {
				return fmt.Errorf("record spec %s: %w", sp.Name, err)
			}
			continue
		}
		for _, sc := range sp.Subcases {
			argv, err := marshalList(sc.Argv)
			if err != nil {
				return fmt.Errorf("record %s #%d: %w", sp.Name, sc.Index, err)
			}
			mm, err := marshalList(sc.Mismatches)
			if err != nil {
				return fmt.Errorf("record %s #%d: %w", sp.Name, sc.Index, err)
			}
			if _, err := stmt.ExecContext(ctx, suite.RunID, sp.Name, sc.Index, sc.ID, string(sc.Status), argv, mm, sc.Error); err != nil {
				return fmt.Errorf("record %s #%d: %w", sp.Name, sc.Index, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record suite: commit: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first, at most limit of them
// (all when limit <= 0).
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	const q = `SELECT id, started_at, duration_ms, seed, trials, passed, budget_hit, counts_json
		FROM runs ORDER BY started_at DESC, id LIMIT ?`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun loads one run summary.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	const q = `SELECT id, started_at, duration_ms, seed, trials, passed, budget_hit, counts_json
		FROM runs WHERE id = ?`
	r, err := scanRun(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// FailuresForRun lists the non-passing results of a run in spec and
// subcase order.
func (s *Store) FailuresForRun(ctx context.Context, runID string) ([]report.Failure, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	const q = `SELECT spec, subcase, subcase_id, status, argv_json, mismatches_json, error
		FROM subcase_results
		WHERE run_id = ? AND status NOT IN ('passed', 'skipped')
		ORDER BY spec, subcase`
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("failures for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []report.Failure
	for rows.Next() {
		var (
			f          report.Failure
			status     string
			argv, mism string
		)
		if err := rows.Scan(&f.Spec, &f.Subcase, &f.ID, &status, &argv, &mism, &f.Error); err != nil {
			return nil, fmt.Errorf("failures for run %s: %w", runID, err)
		}
		f.Status = report.Status(status)
		if err := json.Unmarshal([]byte(argv), &f.Argv); err != nil {
			return nil, fmt.Errorf("decode argv: %w", err)
		}
		var mm []effects.Mismatch
		if err := json.Unmarshal([]byte(mism), &mm); err != nil {
			return nil, fmt.Errorf("decode mismatches: %w", err)
		}
		if len(mm) > 0 {
			f.Mismatches = mm
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r              Run
		started, durMs int64
		passed, budget int
		counts         string
	)
	if err := row.Scan(&r.ID, &started, &durMs, &r.Seed, &r.Trials, &passed, &budget, &counts); err != nil {
		return Run{}, err
	}
	r.Started = time.UnixMilli(started).UTC()
	r.Duration = time.Duration(durMs) * time.Millisecond
	r.Passed = passed != 0
	r.BudgetExceeded = budget != 0
	if err := json.Unmarshal([]byte(counts), &r.Counts); err != nil {
		return Run{}, fmt.Errorf("decode counts: %w", err)
	}
	return r, nil
}

func marshalList[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
