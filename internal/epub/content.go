package epub

import (
	"fmt"
	"math/rand"
	"path"
	"strings"
)

// SampleSize is the number of chapter files fed to the image-match probe.
const SampleSize = 10

// BlockCount is the number of groups chapter files are split into for
// block-mode extraction.
const BlockCount = 16

// ChapterContent reads a chapter entry as UTF-8 text. Entries that cannot be
// read are reported so the caller can record a degraded outcome.
func (a *Archive) ChapterContent(entryPath string) (string, error) {
	data, err := a.readEntry(entryPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// BlockContent concatenates the given chapter files into a single text blob.
// Unreadable chapters are skipped rather than failing the whole block.
func (a *Archive) BlockContent(chapterFiles []string) string {
	var parts []string
	for _, p := range chapterFiles {
		content, err := a.ChapterContent(p)
		if err != nil {
			continue
		}
		parts = append(parts, content)
	}
	return strings.Join(parts, "\n\n")
}

// SampleContent returns the concatenated content of up to SampleSize chapter
// files drawn from the middle 50% of the book, each prefixed with a file
// marker. The middle of a cookbook is most representative: front and back
// matter skew the sample.
func (a *Archive) SampleContent(chapterFiles []string) string {
	sample := sampleWindow(chapterFiles, SampleSize)

	var parts []string
	for _, p := range sample {
		content, err := a.ChapterContent(p)
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("--- FILE: %s ---\n%s", path.Base(p), content))
	}
	return strings.Join(parts, "\n\n")
}

func sampleWindow(files []string, size int) []string {
	total := len(files)
	if total <= size {
		return files
	}

	midStart := total / 4
	midEnd := total * 3 / 4
	midLen := midEnd - midStart
	if midLen <= size {
		return files[midStart:midEnd]
	}

	start := midStart + rand.Intn(midLen-size+1)
	return files[start : start+size]
}

// SplitIntoBlocks divides chapter files into at most BlockCount ordered
// groups. Adjacent blocks overlap by one file so a recipe split across a
// block boundary is seen whole at least once.
func SplitIntoBlocks(chapterFiles []string) [][]string {
	if len(chapterFiles) <= BlockCount {
		return [][]string{chapterFiles}
	}

	blockSize := len(chapterFiles) / BlockCount
	blocks := make([][]string, 0, BlockCount)
	for i := 0; i < BlockCount; i++ {
		start := i * blockSize
		end := start + blockSize + 1
		if i == BlockCount-1 {
			end = len(chapterFiles)
		}
		blocks = append(blocks, chapterFiles[start:end])
	}
	return blocks
}

// ImageLookup maps lowercase image basenames to their full archive paths.
// Several entries can share a basename when a book repeats file names across
// directories.
func (a *Archive) ImageLookup() map[string][]string {
	lookup := make(map[string][]string)
	for _, p := range a.images {
		name := strings.ToLower(path.Base(p))
		lookup[name] = append(lookup[name], p)
	}
	return lookup
}
