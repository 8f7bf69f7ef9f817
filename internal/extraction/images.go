package extraction

import (
	"log/slog"
	"path"
	"strings"

	"github.com/cookmarks/cookmarks/internal/epub"
)

// Resolver maps the image references the LLM extracted, which are often
// partial or relative, onto real archive entries. An unresolved image leaves
// ResolvedImage empty; the run is never failed over it.
type Resolver struct {
	logger *slog.Logger
}

func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Resolve fills ResolvedImage on each recipe. When discardRefs is set (the
// human said the book has no images) every reference is dropped instead.
func (r *Resolver) Resolve(run *WorkflowRun, archive *epub.Archive, recipes []RecipeDraft, discardRefs bool) []RecipeDraft {
	if discardRefs {
		for i := range recipes {
			recipes[i].ImageRef = ""
			recipes[i].ResolvedImage = ""
		}
		return recipes
	}

	lookup := archive.ImageLookup()
	entrySet := make(map[string]bool, len(archive.ImageEntries()))
	for _, p := range archive.ImageEntries() {
		entrySet[p] = true
	}

	resolved, missed := 0, 0
	for i := range recipes {
		rec := &recipes[i]
		match := resolveRef(rec.ImageRef, entrySet, lookup)
		if match == "" && rec.ImageRef == "" && run.Strategy == StrategyBlock {
			match = r.proximityMatch(archive, run, rec)
		}
		rec.ResolvedImage = match
		if rec.ImageRef != "" && match == "" {
			missed++
			run.RecordError("unresolved image reference: " + rec.ImageRef)
		}
		if match != "" {
			resolved++
		}
	}

	r.logger.Info("image resolution done",
		"run_id", run.RunID, "resolved", resolved, "unresolved", missed)
	return recipes
}

// resolveRef tries, in order: exact path match, then lowercase basename match
// against the image table, disambiguated by the longest suffix overlap.
func resolveRef(ref string, entrySet map[string]bool, lookup map[string][]string) string {
	if ref == "" {
		return ""
	}

	cleaned := strings.TrimPrefix(path.Clean(ref), "../")
	for strings.HasPrefix(cleaned, "../") {
		cleaned = strings.TrimPrefix(cleaned, "../")
	}
	if entrySet[ref] {
		return ref
	}
	if entrySet[cleaned] {
		return cleaned
	}

	name := strings.ToLower(path.Base(ref))
	matches := lookup[name]
	if len(matches) == 0 {
		return ""
	}
	if len(matches) == 1 {
		return matches[0]
	}

	refLower := strings.ToLower(cleaned)
	for _, m := range matches {
		if strings.HasSuffix(strings.ToLower(m), refLower) {
			return m
		}
	}
	return matches[0]
}

// proximityMatch picks the image entry nearest in archive order to the group
// of chapter files the recipe came from. Block extraction can report a recipe
// without a path when the image lives in an adjacent spine file.
func (r *Resolver) proximityMatch(archive *epub.Archive, run *WorkflowRun, rec *RecipeDraft) string {
	if rec.SourceGroup < 0 || rec.SourceGroup >= len(run.Groups) {
		return ""
	}
	group := run.Groups[rec.SourceGroup]
	if len(group) == 0 {
		return ""
	}

	// Position of the group's middle file among all entries.
	entries := archive.Entries()
	anchor := -1
	mid := group[len(group)/2]
	for i, e := range entries {
		if e.Path == mid {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		return ""
	}

	best, bestDist := "", -1
	for i, e := range entries {
		if e.Kind != epub.KindImage {
			continue
		}
		dist := i - anchor
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = e.Path, dist
		}
	}
	return best
}
