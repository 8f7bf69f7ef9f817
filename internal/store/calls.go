package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cookmarks/cookmarks/internal/llmcall"
	"github.com/cookmarks/cookmarks/internal/providers"
)

// RecordCall appends one LLM attempt to the ledger.
func (s *Store) RecordCall(ctx context.Context, call *llmcall.Call) error {
	if call == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO llm_calls (id, run_id, book_ref, purpose, provider, model,
            input_tokens, output_tokens, cost_usd, latency_ms, success, error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID,
		nullableString(call.RunID),
		nullableString(call.BookRef),
		call.Purpose,
		call.Provider,
		call.Model,
		call.InputTokens,
		call.OutputTokens,
		call.CostUSD,
		call.LatencyMs,
		call.Success,
		nullableString(call.Error),
		call.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record llm call: %w", err)
	}
	return nil
}

// RunCallTotals sums ledger usage for one run. Report totals are
// recomputable from this, which is how accounting drift is detected.
func (s *Store) RunCallTotals(ctx context.Context, runID string) (providers.Usage, int, error) {
	var (
		usage providers.Usage
		count int
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(input_tokens), 0),
               COALESCE(SUM(output_tokens), 0), COUNT(*)
        FROM llm_calls WHERE run_id = ?`, runID,
	).Scan(&usage.CostUSD, &usage.InputTokens, &usage.OutputTokens, &count)
	if err != nil {
		return providers.Usage{}, 0, fmt.Errorf("run call totals: %w", err)
	}
	return usage, count, nil
}

// CallsForRun lists a run's ledger entries, oldest first.
func (s *Store) CallsForRun(ctx context.Context, runID string) ([]llmcall.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, COALESCE(run_id, ''), COALESCE(book_ref, ''), purpose, provider, model,
               input_tokens, output_tokens, cost_usd, latency_ms, success, COALESCE(error, ''), created_at
        FROM llm_calls WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("calls for run: %w", err)
	}
	defer rows.Close()

	var calls []llmcall.Call
	for rows.Next() {
		var (
			c         llmcall.Call
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.RunID, &c.BookRef, &c.Purpose, &c.Provider, &c.Model,
			&c.InputTokens, &c.OutputTokens, &c.CostUSD, &c.LatencyMs, &c.Success, &c.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan llm call: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			c.Timestamp = t
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}
