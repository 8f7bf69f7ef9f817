package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cookmarks/cookmarks/internal/extraction"
)

// Finalize writes the run's recipes and its report in one transaction.
// Either all rows land or none do; a partial write would leave recipes
// without a report, which the browsing layer treats as corruption.
func (s *Store) Finalize(ctx context.Context, run *extraction.WorkflowRun, report *extraction.Report, recipes []extraction.RecipeDraft) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	// Re-finalizing after a failed attempt must not duplicate rows.
	if _, err := tx.ExecContext(ctx, `DELETE FROM recipes WHERE run_id = ?`, run.RunID); err != nil {
		return fmt.Errorf("clear prior recipes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE run_id = ?`, run.RunID); err != nil {
		return fmt.Errorf("clear prior report: %w", err)
	}

	for _, r := range recipes {
		ingredients, err := json.Marshal(r.Ingredients)
		if err != nil {
			return fmt.Errorf("marshal ingredients for %q: %w", r.Name, err)
		}
		instructions, err := json.Marshal(r.Instructions)
		if err != nil {
			return fmt.Errorf("marshal instructions for %q: %w", r.Name, err)
		}
		keywords, err := json.Marshal(r.Keywords)
		if err != nil {
			return fmt.Errorf("marshal keywords for %q: %w", r.Name, err)
		}

		if _, err := tx.ExecContext(ctx, `
            INSERT INTO recipes (run_id, book_ref, book_order, name, description, author,
                yield_text, ingredients_json, instructions_json, keywords_json,
                image_ref, image_path, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.BookRef, r.BookOrder, r.Name,
			nullableString(r.Description), nullableString(r.Author),
			nullableString(r.Yield), string(ingredients), string(instructions), string(keywords),
			nullableString(r.ImageRef), nullableString(r.ResolvedImage), now,
		); err != nil {
			return fmt.Errorf("insert recipe %q: %w", r.Name, err)
		}
	}

	errorsJSON, err := json.Marshal(report.Errors)
	if err != nil {
		return fmt.Errorf("marshal report errors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO reports (run_id, book_ref, strategy, provider, model, recipe_count,
            total_chapters, cost_usd, input_tokens, output_tokens, errors_json, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.RunID, report.BookRef, string(report.Strategy), report.Provider, report.Model,
		report.RecipeCount, report.TotalChapters, report.CostUSD,
		report.InputTokens, report.OutputTokens, string(errorsJSON), now,
	); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize tx: %w", err)
	}
	return nil
}

// RecipeCount returns the number of persisted recipes for a run.
func (s *Store) RecipeCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recipes WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recipes: %w", err)
	}
	return n, nil
}

// ReportFor returns the persisted report for a run, or ErrRunNotFound.
func (s *Store) ReportFor(ctx context.Context, runID string) (*extraction.Report, error) {
	var (
		rep        extraction.Report
		strategy   string
		errorsJSON string
		createdAt  string
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT run_id, book_ref, strategy, provider, model, recipe_count,
               total_chapters, cost_usd, input_tokens, output_tokens, errors_json, created_at
        FROM reports WHERE run_id = ?`, runID,
	).Scan(&rep.RunID, &rep.BookRef, &strategy, &rep.Provider, &rep.Model,
		&rep.RecipeCount, &rep.TotalChapters, &rep.CostUSD,
		&rep.InputTokens, &rep.OutputTokens, &errorsJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, extraction.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", runID, err)
	}

	rep.Strategy = extraction.Strategy(strategy)
	if err := json.Unmarshal([]byte(errorsJSON), &rep.Errors); err != nil {
		return nil, fmt.Errorf("decode report errors: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rep.CreatedAt = t
	}
	return &rep, nil
}

// RecipesForRun returns the persisted recipes for a run in book order.
func (s *Store) RecipesForRun(ctx context.Context, runID string) ([]extraction.RecipeDraft, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT book_order, name, description, author, yield_text,
               ingredients_json, instructions_json, keywords_json, image_ref, image_path
        FROM recipes WHERE run_id = ? ORDER BY book_order`, runID)
	if err != nil {
		return nil, fmt.Errorf("query recipes for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []extraction.RecipeDraft
	for rows.Next() {
		var (
			r            extraction.RecipeDraft
			description  sql.NullString
			author       sql.NullString
			yield        sql.NullString
			imageRef     sql.NullString
			imagePath    sql.NullString
			ingredients  string
			instructions string
			keywords     string
		)
		if err := rows.Scan(&r.BookOrder, &r.Name, &description, &author, &yield,
			&ingredients, &instructions, &keywords, &imageRef, &imagePath); err != nil {
			return nil, fmt.Errorf("scan recipe: %w", err)
		}
		r.Description = description.String
		r.Author = author.String
		r.Yield = yield.String
		r.ImageRef = imageRef.String
		r.ResolvedImage = imagePath.String
		if err := json.Unmarshal([]byte(ingredients), &r.Ingredients); err != nil {
			return nil, fmt.Errorf("decode ingredients for %q: %w", r.Name, err)
		}
		if err := json.Unmarshal([]byte(instructions), &r.Instructions); err != nil {
			return nil, fmt.Errorf("decode instructions for %q: %w", r.Name, err)
		}
		if err := json.Unmarshal([]byte(keywords), &r.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords for %q: %w", r.Name, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
