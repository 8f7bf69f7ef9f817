package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cookmarks/cookmarks/internal/extraction"
	"github.com/cookmarks/cookmarks/internal/llmcall"
	"github.com/cookmarks/cookmarks/internal/providers"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(bookRef string) *extraction.WorkflowRun {
	answer := true
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &extraction.WorkflowRun{
		RunID:           uuid.New().String(),
		BookRef:         bookRef,
		EpubPath:        "/books/" + bookRef + ".epub",
		State:           extraction.StateAwaitingHuman,
		Strategy:        extraction.StrategyBlock,
		AttemptCount:    1,
		MaxAttempts:     2,
		PendingQuestion: extraction.QuestionHasImages,
		HumanAnswer:     &answer,
		ChapterFiles:    []string{"OEBPS/ch01.xhtml", "OEBPS/ch02.xhtml"},
		Groups:          [][]string{{"OEBPS/ch01.xhtml", "OEBPS/ch02.xhtml"}},
		RawRecipes: []extraction.RecipeDraft{{
			Name:         "Test Soup",
			Ingredients:  []string{"1 onion"},
			Instructions: []string{"chop", "simmer"},
			ImageRef:     "images/soup.jpg",
		}},
		Usage:         providers.Usage{CostUSD: 0.042, InputTokens: 1200, OutputTokens: 340},
		TotalChapters: 2,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := sampleRun("soup-book")
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	loaded, err := s.LoadRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("LoadRun() error = %v", err)
	}

	// Everything the engine needs to resume must survive the round trip.
	if loaded.State != run.State {
		t.Errorf("state = %s, want %s", loaded.State, run.State)
	}
	if loaded.Strategy != run.Strategy {
		t.Errorf("strategy = %s, want %s", loaded.Strategy, run.Strategy)
	}
	if loaded.AttemptCount != run.AttemptCount {
		t.Errorf("attempt_count = %d, want %d", loaded.AttemptCount, run.AttemptCount)
	}
	if loaded.Usage != run.Usage {
		t.Errorf("usage = %+v, want %+v", loaded.Usage, run.Usage)
	}
	if loaded.PendingQuestion != run.PendingQuestion {
		t.Errorf("pending_question = %q, want %q", loaded.PendingQuestion, run.PendingQuestion)
	}
	if loaded.HumanAnswer == nil || *loaded.HumanAnswer != true {
		t.Error("human answer lost in round trip")
	}
	if len(loaded.RawRecipes) != 1 || loaded.RawRecipes[0].Name != "Test Soup" {
		t.Errorf("recipes lost in round trip: %+v", loaded.RawRecipes)
	}
}

func TestRunSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	ctx := context.Background()

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	run := sampleRun("persistent-book")
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.LoadRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("LoadRun() after reopen error = %v", err)
	}
	if loaded.State != run.State || loaded.AttemptCount != run.AttemptCount || loaded.Usage != run.Usage {
		t.Errorf("run changed across reopen: %+v", loaded)
	}
}

func TestSaveRunUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := sampleRun("upsert-book")
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	run.State = extraction.StateCompleted
	run.AttemptCount = 2
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("second SaveRun() error = %v", err)
	}

	loaded, err := s.LoadRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("LoadRun() error = %v", err)
	}
	if loaded.State != extraction.StateCompleted || loaded.AttemptCount != 2 {
		t.Errorf("upsert did not replace snapshot: %+v", loaded)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run after upsert, got %d", len(runs))
	}
}

func TestLoadRunNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadRun(context.Background(), "missing"); !errors.Is(err, extraction.ErrRunNotFound) {
		t.Errorf("LoadRun() error = %v, want ErrRunNotFound", err)
	}
}

func TestActiveRunForBook(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	done := sampleRun("busy-book")
	done.State = extraction.StateCompleted
	if err := s.SaveRun(ctx, done); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	if _, err := s.ActiveRunForBook(ctx, "busy-book"); !errors.Is(err, extraction.ErrRunNotFound) {
		t.Fatalf("terminal runs must not count as active, got %v", err)
	}

	active := sampleRun("busy-book")
	active.State = extraction.StateExtractingBlock
	active.CreatedAt = done.CreatedAt.Add(time.Second)
	if err := s.SaveRun(ctx, active); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	got, err := s.ActiveRunForBook(ctx, "busy-book")
	if err != nil {
		t.Fatalf("ActiveRunForBook() error = %v", err)
	}
	if got.RunID != active.RunID {
		t.Errorf("active run = %s, want %s", got.RunID, active.RunID)
	}
}

func TestActiveRunUniquePerBook(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := sampleRun("contested-book")
	if err := s.SaveRun(ctx, first); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	// Checkpointing the same run again is an upsert, not a duplicate.
	first.State = extraction.StateExtractingBlock
	if err := s.SaveRun(ctx, first); err != nil {
		t.Fatalf("re-checkpoint error = %v", err)
	}

	second := sampleRun("contested-book")
	if err := s.SaveRun(ctx, second); !errors.Is(err, extraction.ErrDuplicateRun) {
		t.Fatalf("second active run error = %v, want ErrDuplicateRun", err)
	}

	// Once the first run reaches a terminal state the book is free again.
	first.State = extraction.StateCompleted
	if err := s.SaveRun(ctx, first); err != nil {
		t.Fatalf("terminal checkpoint error = %v", err)
	}
	if err := s.SaveRun(ctx, second); err != nil {
		t.Errorf("new run after terminal run error = %v", err)
	}
}

func TestPendingQuestions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	waiting := sampleRun("waiting-book")
	completed := sampleRun("done-book")
	completed.State = extraction.StateCompleted
	completed.PendingQuestion = ""

	for _, run := range []*extraction.WorkflowRun{waiting, completed} {
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}
	}

	questions, err := s.PendingQuestions(ctx)
	if err != nil {
		t.Fatalf("PendingQuestions() error = %v", err)
	}
	if len(questions) != 1 {
		t.Fatalf("got %d pending questions, want 1", len(questions))
	}
	if questions[0].BookRef != "waiting-book" || questions[0].Question != extraction.QuestionHasImages {
		t.Errorf("unexpected pending question: %+v", questions[0])
	}
}

func TestFinalize(t *testing.T) {
	t.Run("writes recipes and report together", func(t *testing.T) {
		s := openTestStore(t)
		ctx := context.Background()

		run := sampleRun("final-book")
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}

		report := &extraction.Report{
			RunID:       run.RunID,
			BookRef:     run.BookRef,
			Strategy:    run.Strategy,
			Provider:    "mock",
			Model:       "mock-model",
			RecipeCount: len(run.RawRecipes),
			CostUSD:     run.Usage.CostUSD,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.Finalize(ctx, run, report, run.RawRecipes); err != nil {
			t.Fatalf("Finalize() error = %v", err)
		}

		n, err := s.RecipeCount(ctx, run.RunID)
		if err != nil {
			t.Fatalf("RecipeCount() error = %v", err)
		}
		if n != 1 {
			t.Errorf("recipe count = %d, want 1", n)
		}

		got, err := s.ReportFor(ctx, run.RunID)
		if err != nil {
			t.Fatalf("ReportFor() error = %v", err)
		}
		if got.RecipeCount != 1 || got.Model != "mock-model" {
			t.Errorf("unexpected report: %+v", got)
		}

		recipes, err := s.RecipesForRun(ctx, run.RunID)
		if err != nil {
			t.Fatalf("RecipesForRun() error = %v", err)
		}
		if len(recipes) != 1 || recipes[0].Name != "Test Soup" {
			t.Errorf("unexpected recipes: %+v", recipes)
		}
		if len(recipes[0].Instructions) != 2 {
			t.Errorf("instructions lost: %+v", recipes[0].Instructions)
		}
	})

	t.Run("refinalize replaces rather than duplicates", func(t *testing.T) {
		s := openTestStore(t)
		ctx := context.Background()

		run := sampleRun("retry-book")
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}
		report := &extraction.Report{RunID: run.RunID, BookRef: run.BookRef, Strategy: run.Strategy,
			Provider: "mock", Model: "m", RecipeCount: 1, CreatedAt: time.Now().UTC()}

		if err := s.Finalize(ctx, run, report, run.RawRecipes); err != nil {
			t.Fatalf("first Finalize() error = %v", err)
		}
		if err := s.Finalize(ctx, run, report, run.RawRecipes); err != nil {
			t.Fatalf("second Finalize() error = %v", err)
		}

		n, err := s.RecipeCount(ctx, run.RunID)
		if err != nil {
			t.Fatalf("RecipeCount() error = %v", err)
		}
		if n != 1 {
			t.Errorf("recipe count after refinalize = %d, want 1", n)
		}
	})

	t.Run("failure leaves nothing behind", func(t *testing.T) {
		s := openTestStore(t)
		ctx := context.Background()

		run := sampleRun("atomic-book")
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}

		// The recipe inserts use the saved run and succeed; the report row
		// references a run that was never saved, so its foreign key fails
		// after the recipes are already in the transaction.
		report := &extraction.Report{RunID: "nonexistent-run", BookRef: run.BookRef,
			Strategy: run.Strategy, Provider: "mock", Model: "m", CreatedAt: time.Now().UTC()}

		if err := s.Finalize(ctx, run, report, run.RawRecipes); err == nil {
			t.Fatal("Finalize() with broken report foreign key should fail")
		}

		n, err := s.RecipeCount(ctx, run.RunID)
		if err != nil {
			t.Fatalf("RecipeCount() error = %v", err)
		}
		if n != 0 {
			t.Errorf("failed finalize left %d recipes behind", n)
		}
		if _, err := s.ReportFor(ctx, run.RunID); !errors.Is(err, extraction.ErrRunNotFound) {
			t.Errorf("failed finalize left a report behind, err = %v", err)
		}
	})
}

func TestCallLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := sampleRun("ledger-book")
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	calls := []*llmcall.Call{
		{ID: uuid.New().String(), Timestamp: time.Now().UTC(), RunID: run.RunID, BookRef: run.BookRef,
			Purpose: "extract", Provider: "mock", Model: "m", InputTokens: 100, OutputTokens: 20, CostUSD: 0.001, Success: true},
		{ID: uuid.New().String(), Timestamp: time.Now().UTC().Add(time.Millisecond), RunID: run.RunID, BookRef: run.BookRef,
			Purpose: "extract", Provider: "mock", Model: "m", InputTokens: 100, OutputTokens: 0, CostUSD: 0.001,
			Success: false, Error: "upstream overloaded"},
	}
	for _, c := range calls {
		if err := s.RecordCall(ctx, c); err != nil {
			t.Fatalf("RecordCall() error = %v", err)
		}
	}

	usage, count, err := s.RunCallTotals(ctx, run.RunID)
	if err != nil {
		t.Fatalf("RunCallTotals() error = %v", err)
	}
	if count != 2 {
		t.Errorf("call count = %d, want 2", count)
	}
	// Failed attempts are spend too.
	if usage.CostUSD != 0.002 || usage.InputTokens != 200 || usage.OutputTokens != 20 {
		t.Errorf("totals = %+v, want cost 0.002 in 200 out 20", usage)
	}

	listed, err := s.CallsForRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("CallsForRun() error = %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("listed %d calls, want 2", len(listed))
	}
	if listed[1].Error != "upstream overloaded" {
		t.Errorf("failure detail lost: %+v", listed[1])
	}
}

func TestOpenLocking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.db")

	first, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer first.Close()

	if _, err := Open(path, nil); !errors.Is(err, ErrLocked) {
		t.Errorf("second Open() error = %v, want ErrLocked", err)
	}
}
