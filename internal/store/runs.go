package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cookmarks/cookmarks/internal/extraction"
)

// SaveRun checkpoints a run. The full run is serialized as a snapshot;
// indexed columns are duplicated for querying. Upsert keeps the call
// idempotent across re-entry.
func (s *Store) SaveRun(ctx context.Context, run *extraction.WorkflowRun) error {
	run.UpdatedAt = time.Now().UTC()
	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.RunID, err)
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO runs (run_id, book_ref, state, attempt_count, pending_question, snapshot_json, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(run_id) DO UPDATE SET
            state            = excluded.state,
            attempt_count    = excluded.attempt_count,
            pending_question = excluded.pending_question,
            snapshot_json    = excluded.snapshot_json,
            updated_at       = excluded.updated_at`,
		run.RunID,
		run.BookRef,
		string(run.State),
		run.AttemptCount,
		nullableString(run.PendingQuestion),
		string(snapshot),
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
		run.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		// The partial unique index on active runs rejects a second
		// non-terminal run for the same book.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") &&
			strings.Contains(err.Error(), "runs.book_ref") {
			return fmt.Errorf("save run %s: %w", run.RunID, extraction.ErrDuplicateRun)
		}
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

// LoadRun reconstructs a run from its checkpoint.
func (s *Store) LoadRun(ctx context.Context, runID string) (*extraction.WorkflowRun, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot_json FROM runs WHERE run_id = ?`, runID,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, extraction.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	var run extraction.WorkflowRun
	if err := json.Unmarshal([]byte(snapshot), &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, nil
}

// ActiveRunForBook returns the non-terminal run for a book, if any. Start is
// idempotent because of this lookup.
func (s *Store) ActiveRunForBook(ctx context.Context, bookRef string) (*extraction.WorkflowRun, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `
        SELECT snapshot_json FROM runs
        WHERE book_ref = ? AND state NOT IN (?, ?)
        ORDER BY created_at DESC LIMIT 1`,
		bookRef, string(extraction.StateCompleted), string(extraction.StateFailed),
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, extraction.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active run for %s: %w", bookRef, err)
	}

	var run extraction.WorkflowRun
	if err := json.Unmarshal([]byte(snapshot), &run); err != nil {
		return nil, fmt.Errorf("decode run for %s: %w", bookRef, err)
	}
	return &run, nil
}

// ListRuns returns run summaries, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*extraction.WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot_json FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*extraction.WorkflowRun
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run extraction.WorkflowRun
		if err := json.Unmarshal([]byte(snapshot), &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// PendingQuestions lists runs suspended at the human gate; this is the read
// surface the UI polls.
func (s *Store) PendingQuestions(ctx context.Context) ([]extraction.PendingQuestion, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT run_id, book_ref, pending_question, updated_at FROM runs
        WHERE state = ? ORDER BY updated_at`,
		string(extraction.StateAwaitingHuman))
	if err != nil {
		return nil, fmt.Errorf("pending questions: %w", err)
	}
	defer rows.Close()

	var out []extraction.PendingQuestion
	for rows.Next() {
		var q extraction.PendingQuestion
		var question sql.NullString
		var askedAt string
		if err := rows.Scan(&q.RunID, &q.BookRef, &question, &askedAt); err != nil {
			return nil, fmt.Errorf("scan pending question: %w", err)
		}
		q.Question = question.String
		if t, err := time.Parse(time.RFC3339Nano, askedAt); err == nil {
			q.AskedAt = t
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
