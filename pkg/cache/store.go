package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"
)

const createRecordsTableStmt = `
CREATE TABLE IF NOT EXISTS pybundle_tasks (
  task TEXT PRIMARY KEY,
  fingerprint TEXT NOT NULL,
  outputs_json TEXT NOT NULL,
  updated_at_ns INTEGER NOT NULL
);`

// Record is the last successful run of a task
type Record struct {
	Task        string
	Fingerprint digest.Digest
	Outputs     []string
	UpdatedAt   time.Time
}

// Store persists records in a sqlite file
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the store at path
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		createRecordsTableStmt,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Path returns the database file
func (s *Store) Path() string {
	return s.path
}

// Close closes the database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get loads the record for task
func (s *Store) Get(ctx context.Context, task string) (*Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, outputs_json, updated_at_ns FROM pybundle_tasks WHERE task = ?`, task)

	var fp, outputs string
	var updated int64
	if err := row.Scan(&fp, &outputs, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load %s: %w", task, err)
	}

	rec := &Record{Task: task, Fingerprint: digest.Digest(fp), UpdatedAt: time.Unix(0, updated)}
	if err := json.Unmarshal([]byte(outputs), &rec.Outputs); err != nil {
		return nil, false, fmt.Errorf("decode outputs of %s: %w", task, err)
	}
	return rec, true, nil
}

// Put stores rec, replacing any previous record for the task
func (s *Store) Put(ctx context.Context, rec Record) error {
	if err := rec.Fingerprint.Validate(); err != nil {
		return fmt.Errorf("record %s: %w", rec.Task, err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	outputs, err := json.Marshal(rec.Outputs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO pybundle_tasks (task, fingerprint, outputs_json, updated_at_ns)
VALUES (?, ?, ?, ?)
ON CONFLICT(task) DO UPDATE SET
  fingerprint = excluded.fingerprint,
  outputs_json = excluded.outputs_json,
  updated_at_ns = excluded.updated_at_ns`,
		rec.Task, rec.Fingerprint.String(), string(outputs), rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store %s: %w", rec.Task, err)
	}
	return nil
}

// Delete forgets task
func (s *Store) Delete(ctx context.Context, task string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pybundle_tasks WHERE task = ?`, task); err != nil {
		return fmt.Errorf("delete %s: %w", task, err)
	}
	return nil
}

// List returns every record ordered by task name
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task, fingerprint, outputs_json, updated_at_ns FROM pybundle_tasks ORDER BY task`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var fp, outputs string
		var updated int64
		if err := rows.Scan(&rec.Task, &fp, &outputs, &updated); err != nil {
			return nil, err
		}
		rec.Fingerprint = digest.Digest(fp)
		rec.UpdatedAt = time.Unix(0, updated)
		if err := json.Unmarshal([]byte(outputs), &rec.Outputs); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpToDate reports whether task last succeeded with fingerprint fp and all of
// its recorded outputs still exist.
func (s *Store) UpToDate(ctx context.Context, task string, fp digest.Digest) (bool, error) {
	rec, ok, err := s.Get(ctx, task)
	if err != nil || !ok {
		return false, err
	}
	if rec.Fingerprint != fp {
		return false, nil
	}
	for _, out := range rec.Outputs {
		if _, err := os.Stat(out); err != nil {
			return false, nil
		}
	}
	return true, nil
}
