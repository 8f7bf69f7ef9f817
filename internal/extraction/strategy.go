package extraction

import (
	"context"
	"log/slog"
	"path"
	"strings"

	"github.com/cookmarks/cookmarks/internal/epub"
	"github.com/cookmarks/cookmarks/internal/providers"
)

// FileModeThreshold is the chapter count below which a book is small enough
// for per-file extraction, provided its images sit next to its chapters.
const FileModeThreshold = 20

// SeparateImageThreshold is the chapter count above which a book very likely
// stores each recipe image as its own spine file. Such books get the sampled
// image-match probe before committing to block extraction.
const SeparateImageThreshold = 150

// Selection is the strategy decision plus the file groupings to extract.
type Selection struct {
	Strategy Strategy
	Groups   [][]string
}

// Selector chooses the extraction strategy for a book. The choice is a
// heuristic; the validator and the human gate downstream correct
// misclassification.
type Selector struct {
	client *Client
	logger *slog.Logger
}

// NewSelector creates a strategy selector. client may be nil, which disables
// the image-match probe.
func NewSelector(client *Client, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{client: client, logger: logger}
}

// Select decides the strategy for the archive. Probe usage, when the probe
// runs, is returned so the caller can bill it into the run accumulator.
func (s *Selector) Select(ctx context.Context, archive *epub.Archive, attr Attribution, model string) (Selection, providers.Usage, error) {
	var usage providers.Usage

	chapters := archive.ChapterFiles()

	if len(chapters) < FileModeThreshold && hasNearbyImages(archive, chapters) {
		s.logger.Info("selected file extraction",
			"run_id", attr.RunID, "chapters", len(chapters))
		return Selection{Strategy: StrategyFile, Groups: fileGroups(chapters)}, usage, nil
	}

	if len(chapters) > SeparateImageThreshold && s.client != nil {
		sample := archive.SampleContent(chapters)
		canMatch, probeUsage, err := s.client.CheckImageMatch(ctx, attr, sample, model)
		usage.Add(probeUsage)
		if err != nil {
			return Selection{}, usage, err
		}
		if !canMatch {
			// Per-image spine files whose names cannot be tied back to
			// recipes defeat block association; fall back to per-file
			// extraction and let image resolution do what it can.
			s.logger.Info("probe found unmatchable image names, selected file extraction",
				"run_id", attr.RunID, "chapters", len(chapters))
			return Selection{Strategy: StrategyFile, Groups: fileGroups(chapters)}, usage, nil
		}
	}

	s.logger.Info("selected block extraction",
		"run_id", attr.RunID, "chapters", len(chapters))
	return Selection{Strategy: StrategyBlock, Groups: epub.SplitIntoBlocks(chapters)}, usage, nil
}

// fileGroups wraps each chapter in its own group for independent extraction.
func fileGroups(chapters []string) [][]string {
	groups := make([][]string, len(chapters))
	for i, c := range chapters {
		groups[i] = []string{c}
	}
	return groups
}

// hasNearbyImages reports whether most chapter files have an image whose name
// echoes theirs, the layout where one recipe file sits beside its photo.
func hasNearbyImages(archive *epub.Archive, chapters []string) bool {
	if !archive.HasImages() {
		return false
	}

	stems := make([]string, 0, len(archive.ImageEntries()))
	for _, img := range archive.ImageEntries() {
		stems = append(stems, fileStem(img))
	}

	matched := 0
	for _, c := range chapters {
		cs := fileStem(c)
		for _, is := range stems {
			if strings.Contains(is, cs) || strings.Contains(cs, is) {
				matched++
				break
			}
		}
	}
	return len(chapters) > 0 && matched*2 >= len(chapters)
}

func fileStem(p string) string {
	base := strings.ToLower(path.Base(p))
	return strings.TrimSuffix(base, path.Ext(base))
}
