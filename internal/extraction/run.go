// Package extraction implements the recipe-extraction workflow: strategy
// selection over an EPUB's structure, schema-checked LLM extraction,
// validation with a human-in-the-loop gate for ambiguous image presence,
// image resolution, and transactional finalization. A run is an explicit
// state value checkpointed at every transition, never a blocked goroutine,
// so it can suspend for days and resume in a different process.
package extraction

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/cookmarks/cookmarks/internal/providers"
)

// State is the current position of a run in the workflow state machine.
type State string

const (
	StateAnalyzing       State = "analyzing"
	StateExtractingFile  State = "extracting_file"
	StateExtractingBlock State = "extracting_block"
	StateValidating      State = "validating"
	StateAwaitingHuman   State = "awaiting_human"
	StateResolvingImages State = "resolving_images"
	StateFinalizing      State = "finalizing"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// Terminal reports whether the state ends the run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Strategy is the extraction granularity chosen per book.
type Strategy string

const (
	// StrategyFile sends each chapter file independently (low context).
	StrategyFile Strategy = "file"
	// StrategyBlock sends groups of files together so the model can
	// associate recipe text with images living in separate files.
	StrategyBlock Strategy = "block"
)

// QuestionHasImages is the fixed question surfaced while a run awaits human
// input.
const QuestionHasImages = "does this book have images?"

// DefaultMaxAttempts bounds the block-mode retry cycle through the human
// gate.
const DefaultMaxAttempts = 2

var (
	// ErrRunNotFound is returned when a run id has no checkpoint.
	ErrRunNotFound = errors.New("extraction: run not found")

	// ErrRunBusy is returned when a run is already executing; a run must
	// never be driven twice concurrently.
	ErrRunBusy = errors.New("extraction: run already executing")

	// ErrNotAwaitingInput is returned when resume is called on a run that
	// is not suspended at the human gate.
	ErrNotAwaitingInput = errors.New("extraction: run is not awaiting human input")

	// ErrDuplicateRun is returned by the store when saving a new run would
	// give a book a second non-terminal run.
	ErrDuplicateRun = errors.New("extraction: book already has an active run")
)

// WorkflowRun is the checkpointed state of one book-extraction attempt.
// Everything needed to resume after a process restart lives here.
type WorkflowRun struct {
	RunID    string `json:"run_id"`
	BookRef  string `json:"book_ref"`
	EpubPath string `json:"epub_path"`

	State    State    `json:"state"`
	Strategy Strategy `json:"strategy,omitempty"`
	Model    string   `json:"model,omitempty"`

	// AttemptCount increments only on the human-directed block re-extraction
	// edge; it bounds the recursion through the gate.
	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	// PendingQuestion is set only while State == StateAwaitingHuman.
	PendingQuestion string `json:"pending_question,omitempty"`
	// HumanAnswer records the resume decision (nil until answered).
	HumanAnswer *bool `json:"human_answer,omitempty"`

	ChapterFiles []string   `json:"chapter_files,omitempty"`
	Groups       [][]string `json:"groups,omitempty"`

	RawRecipes []RecipeDraft `json:"raw_recipes,omitempty"`

	// Usage sums tokens and cost across every LLM attempt in this run,
	// including failed ones. Monotonically non-decreasing.
	Usage providers.Usage `json:"usage"`

	TotalChapters int      `json:"total_chapters"`
	Errors        []string `json:"errors,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	// FailedAt records which state a failed run was in, so a failure during
	// finalization can be retried without re-running extraction.
	FailedAt State `json:"failed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AddUsage accumulates usage from an LLM attempt into the run totals.
func (r *WorkflowRun) AddUsage(u providers.Usage) {
	r.Usage.Add(u)
}

// RecordError appends a degraded-outcome note without failing the run.
func (r *WorkflowRun) RecordError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// RecipeDraft is one extracted recipe within a run. Drafts are owned by the
// run until Finalizing hands them to the persistence layer.
type RecipeDraft struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Ingredients  []string `json:"recipeIngredients"`
	Instructions []string `json:"recipeInstructions"`
	Yield        string   `json:"recipeYield,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`

	// ImageRef is the raw reference as extracted, often partial or wrong.
	ImageRef string `json:"image,omitempty"`
	// ResolvedImage is the matching archive entry path, empty when no
	// match was found. An unresolved image is a degraded outcome, not a
	// failure.
	ResolvedImage string `json:"resolvedImage,omitempty"`

	Author    string `json:"author,omitempty"`
	BookTitle string `json:"bookTitle,omitempty"`
	BookOrder int    `json:"bookOrder,omitempty"`

	// SourceGroup is the index of the file grouping this recipe was
	// extracted from, used by the proximity fallback during image
	// resolution.
	SourceGroup int `json:"sourceGroup"`
}

// Normalize applies the presentation rules from the recipe data model:
// title-cased names and capitalised yield text.
func (d *RecipeDraft) Normalize() {
	d.Name = titleCase(d.Name)
	if d.Yield != "" {
		r := []rune(d.Yield)
		if unicode.IsLetter(r[0]) {
			d.Yield = string(unicode.ToUpper(r[0])) + strings.ToLower(string(r[1:]))
		} else {
			d.Yield = strings.ToLower(d.Yield)
		}
	}
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// DeduplicateByName drops recipes whose name repeats an earlier one,
// case-insensitively. Block-mode overlap extracts boundary recipes twice.
func DeduplicateByName(recipes []RecipeDraft) []RecipeDraft {
	seen := make(map[string]bool, len(recipes))
	out := recipes[:0]
	for _, r := range recipes {
		key := strings.ToLower(strings.TrimSpace(r.Name))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// Report is the immutable record written once at Finalizing.
type Report struct {
	RunID   string `json:"run_id"`
	BookRef string `json:"book_ref"`

	Strategy Strategy `json:"strategy"`
	Provider string   `json:"provider"`
	Model    string   `json:"model"`

	RecipeCount   int `json:"recipe_count"`
	TotalChapters int `json:"total_chapters"`

	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`

	Errors []string `json:"errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// PendingQuestion is the human-in-the-loop surface read by the UI.
type PendingQuestion struct {
	RunID    string    `json:"run_id"`
	BookRef  string    `json:"book_ref"`
	Question string    `json:"question"`
	AskedAt  time.Time `json:"asked_at"`
}
