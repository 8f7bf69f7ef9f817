package extraction

import (
	"fmt"
	"log/slog"
	"strings"
)

// Outcome is the validator's verdict on an extraction payload.
type Outcome string

const (
	// OutcomePass means the payload is consistent with the archive.
	OutcomePass Outcome = "pass"
	// OutcomeAmbiguous means recipes were found but none reference an image
	// even though the archive contains image entries. The book plausibly has
	// images the extraction missed.
	OutcomeAmbiguous Outcome = "ambiguous"
	// OutcomeEmpty means no recipes at all. Not a failure: the run proceeds
	// to finalize with zero recipes.
	OutcomeEmpty Outcome = "empty"
)

// Validator checks an extraction payload for structural completeness. It never
// fails a run: bad recipes are dropped, ambiguity is routed to the human gate.
type Validator struct {
	logger *slog.Logger
}

func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger}
}

// Validate drops unnamed recipes, then classifies the remainder. archiveHasImages
// comes from the archive index, not from the payload.
func (v *Validator) Validate(run *WorkflowRun, recipes []RecipeDraft, archiveHasImages bool) ([]RecipeDraft, Outcome) {
	kept := recipes[:0]
	for _, r := range recipes {
		if strings.TrimSpace(r.Name) == "" {
			run.RecordError("dropped recipe with empty name")
			v.logger.Warn("dropped unnamed recipe", "run_id", run.RunID)
			continue
		}
		kept = append(kept, r)
	}

	if len(kept) == 0 {
		return kept, OutcomeEmpty
	}

	withImages := 0
	for _, r := range kept {
		if r.ImageRef != "" {
			withImages++
		}
	}

	if withImages == 0 && archiveHasImages {
		v.logger.Info("extraction found no image references in an illustrated book",
			"run_id", run.RunID, "recipes", len(kept))
		return kept, OutcomeAmbiguous
	}

	v.logger.Info("validation passed",
		"run_id", run.RunID, "recipes", len(kept), "with_images", withImages)
	return kept, OutcomePass
}

// degradeNote is recorded when the attempt bound is hit while still ambiguous.
func degradeNote(attempts int) string {
	return fmt.Sprintf("still ambiguous after %d attempts, proceeding without images", attempts)
}
