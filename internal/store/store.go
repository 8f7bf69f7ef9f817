// Package store persists workflow checkpoints, finalized recipes, extraction
// reports, and the LLM call ledger in a single SQLite database. Durability of
// the checkpoint table is what lets a run suspend at the human gate for days
// and resume in another process.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Store manages extraction persistence backed by SQLite.
type Store struct {
	db     *sql.DB
	path   string
	lock   *flock.Flock
	logger *slog.Logger
}

// ErrLocked is returned when another process holds the database.
var ErrLocked = fmt.Errorf("store: database is locked by another process")

// Open initializes or connects to the database at path and applies the
// schema. A file lock next to the database enforces a single engine process;
// concurrent engines would violate the one-execution-per-run invariant.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire store lock: %w", err)
	}
	if !held {
		return nil, ErrLocked
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path, lock: lock, logger: logger}
	if err := s.applySchema(context.Background()); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

// Close closes the database and releases the process lock.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id           TEXT PRIMARY KEY,
    book_ref         TEXT NOT NULL,
    state            TEXT NOT NULL,
    attempt_count    INTEGER NOT NULL DEFAULT 0,
    pending_question TEXT,
    snapshot_json    TEXT NOT NULL,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_book_ref ON runs(book_ref);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_active_book
    ON runs(book_ref) WHERE state NOT IN ('completed', 'failed');

CREATE TABLE IF NOT EXISTS reports (
    run_id        TEXT PRIMARY KEY REFERENCES runs(run_id),
    book_ref      TEXT NOT NULL,
    strategy      TEXT NOT NULL,
    provider      TEXT NOT NULL,
    model         TEXT NOT NULL,
    recipe_count  INTEGER NOT NULL,
    total_chapters INTEGER NOT NULL,
    cost_usd      REAL NOT NULL,
    input_tokens  INTEGER NOT NULL,
    output_tokens INTEGER NOT NULL,
    errors_json   TEXT NOT NULL DEFAULT '[]',
    created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS recipes (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id           TEXT NOT NULL REFERENCES runs(run_id),
    book_ref         TEXT NOT NULL,
    book_order       INTEGER NOT NULL,
    name             TEXT NOT NULL,
    description      TEXT,
    author           TEXT,
    yield_text       TEXT,
    ingredients_json TEXT NOT NULL,
    instructions_json TEXT NOT NULL,
    keywords_json    TEXT NOT NULL DEFAULT '[]',
    image_ref        TEXT,
    image_path       TEXT,
    created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recipes_run_id ON recipes(run_id);
CREATE INDEX IF NOT EXISTS idx_recipes_book_ref ON recipes(book_ref);

CREATE TABLE IF NOT EXISTS llm_calls (
    id            TEXT PRIMARY KEY,
    run_id        TEXT,
    book_ref      TEXT,
    purpose       TEXT NOT NULL,
    provider      TEXT NOT NULL,
    model         TEXT NOT NULL,
    input_tokens  INTEGER NOT NULL,
    output_tokens INTEGER NOT NULL,
    cost_usd      REAL NOT NULL,
    latency_ms    INTEGER NOT NULL,
    success       INTEGER NOT NULL,
    error         TEXT,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_llm_calls_run_id ON llm_calls(run_id);
`

func (s *Store) applySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
