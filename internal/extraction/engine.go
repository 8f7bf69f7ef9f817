package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cookmarks/cookmarks/internal/epub"
	"github.com/cookmarks/cookmarks/internal/providers"
)

// CheckpointStore persists run state. Once SaveRun returns, a later LoadRun,
// in this process or another, must return an equivalent run.
type CheckpointStore interface {
	SaveRun(ctx context.Context, run *WorkflowRun) error
	LoadRun(ctx context.Context, runID string) (*WorkflowRun, error)
	ActiveRunForBook(ctx context.Context, bookRef string) (*WorkflowRun, error)
}

// ReportSink persists a completed run's output. The write must be atomic:
// all recipes and the report, or nothing.
type ReportSink interface {
	Finalize(ctx context.Context, run *WorkflowRun, report *Report, recipes []RecipeDraft) error
}

// EngineConfig wires an Engine's collaborators.
type EngineConfig struct {
	Store     CheckpointStore
	Sink      ReportSink
	Client    *Client
	Selector  *Selector
	Validator *Validator
	Resolver  *Resolver
	Logger    *slog.Logger

	// MaxAttempts bounds the block-mode cycle through the human gate.
	MaxAttempts int
}

// Engine drives the extraction state machine. Each transition is checkpointed
// before the next begins, so a crash resumes from the last completed step and
// the human gate can stay open for days without holding any process resource.
type Engine struct {
	store     CheckpointStore
	sink      ReportSink
	client    *Client
	selector  *Selector
	validator *Validator
	resolver  *Resolver
	logger    *slog.Logger

	maxAttempts int

	// active guards the at-most-one-execution-per-run invariant within this
	// process. Cross-process exclusion comes from the store's file lock.
	mu     sync.Mutex
	active map[string]bool
}

// NewEngine creates a workflow engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Validator == nil {
		cfg.Validator = NewValidator(cfg.Logger)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver(cfg.Logger)
	}
	if cfg.Selector == nil {
		cfg.Selector = NewSelector(cfg.Client, cfg.Logger)
	}
	return &Engine{
		store:       cfg.Store,
		sink:        cfg.Sink,
		client:      cfg.Client,
		selector:    cfg.Selector,
		validator:   cfg.Validator,
		resolver:    cfg.Resolver,
		logger:      cfg.Logger,
		maxAttempts: cfg.MaxAttempts,
		active:      make(map[string]bool),
	}
}

// StartOptions carries per-run overrides.
type StartOptions struct {
	// Model overrides the client's default model for every call in the run.
	Model string
}

// Start begins extraction for a book. When a non-terminal run already exists
// it is not duplicated: a suspended run is returned unchanged, and a run
// checkpointed mid-flight, after a crash or backpressure, is driven onward
// from where it stopped. The run executes to completion, to the human gate,
// or to failure before Start returns.
func (e *Engine) Start(ctx context.Context, bookRef, epubPath string, opts StartOptions) (*WorkflowRun, error) {
	existing, err := e.store.ActiveRunForBook(ctx, bookRef)
	if err == nil {
		if existing.State == StateAwaitingHuman {
			e.logger.Info("book already has a suspended run",
				"book_ref", bookRef, "run_id", existing.RunID)
			return existing, nil
		}
		e.logger.Info("continuing existing run",
			"book_ref", bookRef, "run_id", existing.RunID, "state", existing.State)
		return existing, e.drive(ctx, existing)
	}
	if !errors.Is(err, ErrRunNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	run := &WorkflowRun{
		RunID:       uuid.New().String(),
		BookRef:     bookRef,
		EpubPath:    epubPath,
		State:       StateAnalyzing,
		Model:       opts.Model,
		MaxAttempts: e.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		if errors.Is(err, ErrDuplicateRun) {
			// Lost a race with a concurrent Start for the same book; the
			// winner's run is the one to return.
			return e.store.ActiveRunForBook(ctx, bookRef)
		}
		return nil, err
	}

	e.logger.Info("starting extraction run",
		"run_id", run.RunID, "book_ref", bookRef, "epub", epubPath)
	return run, e.drive(ctx, run)
}

// Resume answers the pending question of a suspended run and continues it.
// Returns ErrNotAwaitingInput if the run is not at the human gate.
func (e *Engine) Resume(ctx context.Context, runID string, hasImages bool) (*WorkflowRun, error) {
	if err := e.claim(runID); err != nil {
		return nil, err
	}
	defer e.release(runID)

	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State != StateAwaitingHuman {
		return run, fmt.Errorf("%w: run %s is in state %s", ErrNotAwaitingInput, runID, run.State)
	}

	answer := hasImages
	run.HumanAnswer = &answer
	run.PendingQuestion = ""

	if hasImages {
		// Re-extract in block mode, insisting on image association. The
		// attempt counter bounds this cycle.
		run.AttemptCount++
		run.Strategy = StrategyBlock
		run.Groups = epub.SplitIntoBlocks(run.ChapterFiles)
		run.RawRecipes = nil
		run.State = StateExtractingBlock
	} else {
		run.State = StateResolvingImages
	}
	run.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	e.logger.Info("resuming run after human answer",
		"run_id", runID, "has_images", hasImages, "attempt", run.AttemptCount)
	return run, e.driveLoop(ctx, run)
}

// Drive continues a checkpointed run from wherever it stopped, e.g. after a
// process crash mid-extraction. Terminal runs and runs at the human gate are
// returned unchanged.
func (e *Engine) Drive(ctx context.Context, runID string) (*WorkflowRun, error) {
	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() || run.State == StateAwaitingHuman {
		return run, nil
	}
	return run, e.drive(ctx, run)
}

// RetryFinalize re-attempts persistence for a run that failed during
// finalization. The resolved recipes are already in the checkpoint, so no
// LLM call is made.
func (e *Engine) RetryFinalize(ctx context.Context, runID string) (*WorkflowRun, error) {
	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State != StateFailed || run.FailedAt != StateFinalizing {
		return run, fmt.Errorf("extraction: run %s did not fail during finalization (state=%s, failed_at=%s)",
			runID, run.State, run.FailedAt)
	}

	run.State = StateFinalizing
	run.FailedAt = ""
	run.FailureReason = ""
	run.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	return run, e.drive(ctx, run)
}

// claim marks a run as executing in this process.
func (e *Engine) claim(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[runID] {
		return fmt.Errorf("%w: %s", ErrRunBusy, runID)
	}
	e.active[runID] = true
	return nil
}

func (e *Engine) release(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
}

// drive claims the run and advances it.
func (e *Engine) drive(ctx context.Context, run *WorkflowRun) error {
	if err := e.claim(run.RunID); err != nil {
		return err
	}
	defer e.release(run.RunID)
	return e.driveLoop(ctx, run)
}

// driveLoop advances the state machine until a terminal state, the human
// gate, or an error. Every transition is saved before the next state
// executes. The caller must hold the run's claim.
func (e *Engine) driveLoop(ctx context.Context, run *WorkflowRun) error {
	var archive *epub.Archive

	openArchive := func() error {
		if archive != nil {
			return nil
		}
		a, err := epub.Open(run.EpubPath)
		if err != nil {
			return err
		}
		archive = a
		return nil
	}

	for {
		switch run.State {
		case StateAnalyzing:
			if err := openArchive(); err != nil {
				return e.fail(ctx, run, StateAnalyzing, err)
			}
			if err := e.analyze(ctx, run, archive); err != nil {
				if parkable(ctx, err) {
					return e.park(ctx, run, err)
				}
				return e.fail(ctx, run, StateAnalyzing, err)
			}

		case StateExtractingFile, StateExtractingBlock:
			if err := openArchive(); err != nil {
				return e.fail(ctx, run, run.State, err)
			}
			if err := e.extract(ctx, run, archive); err != nil {
				if parkable(ctx, err) {
					return e.park(ctx, run, err)
				}
				return e.fail(ctx, run, run.State, err)
			}

		case StateValidating:
			if err := openArchive(); err != nil {
				return e.fail(ctx, run, StateValidating, err)
			}
			suspended, err := e.validate(ctx, run, archive)
			if err != nil {
				return err
			}
			if suspended {
				return nil
			}

		case StateResolvingImages:
			if err := openArchive(); err != nil {
				return e.fail(ctx, run, StateResolvingImages, err)
			}
			if err := e.resolveImages(ctx, run, archive); err != nil {
				return err
			}

		case StateFinalizing:
			if err := e.finalize(ctx, run); err != nil {
				return err
			}

		case StateCompleted, StateFailed:
			return nil

		case StateAwaitingHuman:
			// Suspension point; nothing to drive until Resume.
			return nil

		default:
			return fmt.Errorf("extraction: run %s in unknown state %q", run.RunID, run.State)
		}
	}
}

// parkable reports whether err should leave the run checkpointed at its
// current state instead of failing it. Cancellation and provider rate limits
// are backpressure for the caller, not faults of the run: the scheduler
// re-drives it once the pressure clears.
func parkable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	_, limited := providers.IsRateLimitError(err)
	return limited
}

// park checkpoints the run where it stands, keeping already-spent usage
// durable, and surfaces cause to the caller. Start or Drive picks the run up
// again later.
func (e *Engine) park(ctx context.Context, run *WorkflowRun, cause error) error {
	run.UpdatedAt = time.Now().UTC()
	if saveErr := e.store.SaveRun(context.WithoutCancel(ctx), run); saveErr != nil {
		return errors.Join(cause, saveErr)
	}
	e.logger.Warn("run checkpointed for later redrive",
		"run_id", run.RunID, "state", run.State, "cause", cause)
	return cause
}

// transition moves the run to next and checkpoints it.
func (e *Engine) transition(ctx context.Context, run *WorkflowRun, next State) error {
	e.logger.Debug("state transition",
		"run_id", run.RunID, "from", run.State, "to", next)
	run.State = next
	run.UpdatedAt = time.Now().UTC()
	return e.store.SaveRun(ctx, run)
}

// fail moves the run to Failed, recording where and why. The usage already
// accumulated stays visible; spent cost is never hidden.
func (e *Engine) fail(ctx context.Context, run *WorkflowRun, at State, cause error) error {
	e.logger.Error("run failed",
		"run_id", run.RunID, "state", at, "error", cause,
		"cost_usd", run.Usage.CostUSD, "tokens", run.Usage.TotalTokens())

	run.FailedAt = at
	run.FailureReason = cause.Error()
	if saveErr := e.transition(ctx, run, StateFailed); saveErr != nil {
		return errors.Join(cause, saveErr)
	}
	return cause
}

func (e *Engine) analyze(ctx context.Context, run *WorkflowRun, archive *epub.Archive) error {
	chapters := archive.ChapterFiles()
	run.ChapterFiles = chapters
	run.TotalChapters = len(chapters)

	sel, usage, err := e.selector.Select(ctx, archive, e.attribution(run), run.Model)
	run.AddUsage(usage)
	if err != nil {
		return err
	}

	run.Strategy = sel.Strategy
	run.Groups = sel.Groups

	next := StateExtractingBlock
	if sel.Strategy == StrategyFile {
		next = StateExtractingFile
	}
	return e.transition(ctx, run, next)
}

func (e *Engine) extract(ctx context.Context, run *WorkflowRun, archive *epub.Archive) error {
	forceImages := run.HumanAnswer != nil && *run.HumanAnswer

	var collected []RecipeDraft
	for i, group := range run.Groups {
		// A cancelled run must not keep spending against the API budget.
		if err := ctx.Err(); err != nil {
			return err
		}

		content := archive.BlockContent(group)
		if content == "" {
			run.RecordError(fmt.Sprintf("group %d had no readable content", i))
			continue
		}

		recipes, usage, err := e.client.ExtractRecipes(ctx, e.attribution(run), content, run.Model, forceImages)
		run.AddUsage(usage)
		if err != nil {
			if errors.Is(err, ErrSchemaViolation) {
				// Bad payloads behave as empty ones; the validator and the
				// human gate decide what happens to the run.
				run.RecordError(fmt.Sprintf("group %d: %v", i, err))
				continue
			}
			return err
		}

		for j := range recipes {
			recipes[j].SourceGroup = i
		}
		collected = append(collected, recipes...)
	}

	run.RawRecipes = collected
	e.logger.Info("extraction finished",
		"run_id", run.RunID, "strategy", run.Strategy,
		"groups", len(run.Groups), "recipes", len(collected),
		"cost_usd", run.Usage.CostUSD)
	return e.transition(ctx, run, StateValidating)
}

// validate routes the run out of Validating. Returns true when the run
// suspended at the human gate.
func (e *Engine) validate(ctx context.Context, run *WorkflowRun, archive *epub.Archive) (bool, error) {
	recipes := DeduplicateByName(run.RawRecipes)
	kept, outcome := e.validator.Validate(run, recipes, archive.HasImages())
	run.RawRecipes = kept

	switch outcome {
	case OutcomePass, OutcomeEmpty:
		return false, e.transition(ctx, run, StateResolvingImages)

	case OutcomeAmbiguous:
		if run.AttemptCount >= run.MaxAttempts {
			run.RecordError(degradeNote(run.AttemptCount))
			e.logger.Warn("attempt bound reached while ambiguous, proceeding without images",
				"run_id", run.RunID, "attempts", run.AttemptCount)
			return false, e.transition(ctx, run, StateResolvingImages)
		}

		run.PendingQuestion = QuestionHasImages
		if err := e.transition(ctx, run, StateAwaitingHuman); err != nil {
			return false, err
		}
		e.logger.Info("run suspended awaiting human input",
			"run_id", run.RunID, "question", QuestionHasImages)
		return true, nil

	default:
		return false, fmt.Errorf("extraction: unknown validation outcome %q", outcome)
	}
}

func (e *Engine) resolveImages(ctx context.Context, run *WorkflowRun, archive *epub.Archive) error {
	discardRefs := run.HumanAnswer != nil && !*run.HumanAnswer
	recipes := e.resolver.Resolve(run, archive, run.RawRecipes, discardRefs)

	for i := range recipes {
		recipes[i].Normalize()
		recipes[i].BookOrder = i + 1
	}
	run.RawRecipes = recipes
	return e.transition(ctx, run, StateFinalizing)
}

func (e *Engine) finalize(ctx context.Context, run *WorkflowRun) error {
	report := &Report{
		RunID:         run.RunID,
		BookRef:       run.BookRef,
		Strategy:      run.Strategy,
		Provider:      e.client.ProviderName(),
		Model:         e.modelFor(run),
		RecipeCount:   len(run.RawRecipes),
		TotalChapters: run.TotalChapters,
		CostUSD:       run.Usage.CostUSD,
		InputTokens:   run.Usage.InputTokens,
		OutputTokens:  run.Usage.OutputTokens,
		Errors:        run.Errors,
		CreatedAt:     time.Now().UTC(),
	}

	if err := e.sink.Finalize(ctx, run, report, run.RawRecipes); err != nil {
		return e.fail(ctx, run, StateFinalizing, fmt.Errorf("finalize: %w", err))
	}

	if err := e.transition(ctx, run, StateCompleted); err != nil {
		return err
	}
	e.logger.Info("run completed",
		"run_id", run.RunID, "recipes", report.RecipeCount,
		"cost_usd", report.CostUSD, "tokens", run.Usage.TotalTokens())
	return nil
}

func (e *Engine) modelFor(run *WorkflowRun) string {
	if run.Model != "" {
		return run.Model
	}
	return e.client.DefaultModel()
}

func (e *Engine) attribution(run *WorkflowRun) Attribution {
	return Attribution{RunID: run.RunID, BookRef: run.BookRef}
}
