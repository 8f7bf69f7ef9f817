package epub

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// buildTestEPUB assembles a minimal EPUB zip with the given chapter and image
// entries. Chapter content defaults to the file name when not provided.
func buildTestEPUB(t *testing.T, chapters []string, images []string, content map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	write := func(name, data string) {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := f.Write([]byte(data)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	write("META-INF/container.xml", `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`)

	var manifest, spine strings.Builder
	for i, ch := range chapters {
		fmt.Fprintf(&manifest, `<item id="c%d" href="%s" media-type="application/xhtml+xml"/>`, i, ch)
		fmt.Fprintf(&spine, `<itemref idref="c%d"/>`, i)
	}
	for i, img := range images {
		fmt.Fprintf(&manifest, `<item id="img%d" href="%s" media-type="image/jpeg"/>`, i, img)
	}
	write("OEBPS/content.opf", fmt.Sprintf(`<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <manifest>%s</manifest>
  <spine>%s</spine>
</package>`, manifest.String(), spine.String()))

	for _, ch := range chapters {
		text, ok := content["OEBPS/"+ch]
		if !ok {
			text = "<html><body>" + ch + "</body></html>"
		}
		write("OEBPS/"+ch, text)
	}
	for _, img := range images {
		write("OEBPS/"+img, "\xff\xd8\xff fake jpeg bytes")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestNew(t *testing.T) {
	t.Run("classifies entries", func(t *testing.T) {
		data := buildTestEPUB(t,
			[]string{"chapter01.xhtml", "chapter02.xhtml", "toc.xhtml"},
			[]string{"images/photo1.jpg", "images/photo2.jpg"},
			nil)

		a, err := New(data)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		if !a.HasImages() {
			t.Error("expected HasImages() = true")
		}
		if got := len(a.ImageEntries()); got != 2 {
			t.Errorf("expected 2 image entries, got %d", got)
		}

		chapters := a.ChapterFiles()
		for _, ch := range chapters {
			if strings.Contains(ch, "toc") {
				t.Errorf("toc file should be excluded from chapters, got %v", chapters)
			}
		}
	})

	t.Run("rejects non-zip input", func(t *testing.T) {
		_, err := New([]byte("definitely not a zip file"))
		if !errors.Is(err, ErrMalformedArchive) {
			t.Errorf("expected ErrMalformedArchive, got %v", err)
		}
	})

	t.Run("rejects zip without package document", func(t *testing.T) {
		var buf bytes.Buffer
		w := zip.NewWriter(&buf)
		f, _ := w.Create("random.txt")
		f.Write([]byte("hello"))
		w.Close()

		_, err := New(buf.Bytes())
		if !errors.Is(err, ErrMalformedArchive) {
			t.Errorf("expected ErrMalformedArchive, got %v", err)
		}
	})

	t.Run("falls back to full spine when few chapter-like names", func(t *testing.T) {
		// File names carry no chapter hints, so the regex pass finds nothing
		// and all non-front-matter spine files are used.
		data := buildTestEPUB(t,
			[]string{"intro.xhtml", "mains.xhtml", "desserts.xhtml", "salads.xhtml", "soups.xhtml", "cover.xhtml"},
			nil, nil)

		a, err := New(data)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		chapters := a.ChapterFiles()
		if len(chapters) != 5 {
			t.Errorf("expected 5 chapters (cover excluded), got %d: %v", len(chapters), chapters)
		}
	})
}

func TestChapterContent(t *testing.T) {
	data := buildTestEPUB(t,
		[]string{"chapter01.xhtml"},
		nil,
		map[string]string{"OEBPS/chapter01.xhtml": "<html><body>Beef Wellington</body></html>"})

	a, err := New(data)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	content, err := a.ChapterContent("OEBPS/chapter01.xhtml")
	if err != nil {
		t.Fatalf("ChapterContent() error = %v", err)
	}
	if !strings.Contains(content, "Beef Wellington") {
		t.Errorf("unexpected content: %q", content)
	}

	if _, err := a.ChapterContent("OEBPS/missing.xhtml"); err == nil {
		t.Error("expected error for missing entry")
	}
}

func TestSampleWindow(t *testing.T) {
	files := make([]string, 100)
	for i := range files {
		files[i] = fmt.Sprintf("ch%03d.xhtml", i)
	}

	sample := sampleWindow(files, SampleSize)
	if len(sample) != SampleSize {
		t.Fatalf("expected %d files, got %d", SampleSize, len(sample))
	}
	// All sampled files must come from the middle 50%.
	for _, f := range sample {
		var idx int
		fmt.Sscanf(f, "ch%03d.xhtml", &idx)
		if idx < 25 || idx >= 75 {
			t.Errorf("sampled file %s outside middle window", f)
		}
	}

	small := []string{"a", "b", "c"}
	if got := sampleWindow(small, SampleSize); len(got) != 3 {
		t.Errorf("small input should be returned whole, got %d files", len(got))
	}
}

func TestSplitIntoBlocks(t *testing.T) {
	t.Run("small set is one block", func(t *testing.T) {
		files := []string{"a", "b", "c"}
		blocks := SplitIntoBlocks(files)
		if len(blocks) != 1 || len(blocks[0]) != 3 {
			t.Errorf("expected single block of 3, got %v", blocks)
		}
	})

	t.Run("large set splits with overlap", func(t *testing.T) {
		files := make([]string, 100)
		for i := range files {
			files[i] = fmt.Sprintf("ch%d", i)
		}
		blocks := SplitIntoBlocks(files)
		if len(blocks) != BlockCount {
			t.Fatalf("expected %d blocks, got %d", BlockCount, len(blocks))
		}
		// Every file must appear in some block.
		seen := make(map[string]bool)
		for _, block := range blocks {
			for _, f := range block {
				seen[f] = true
			}
		}
		if len(seen) != 100 {
			t.Errorf("expected all 100 files covered, got %d", len(seen))
		}
		// Adjacent blocks share their boundary file.
		last := blocks[0][len(blocks[0])-1]
		if blocks[1][0] != last {
			t.Errorf("expected overlap between blocks, got boundary %s vs %s", last, blocks[1][0])
		}
	})
}

func TestImageLookup(t *testing.T) {
	data := buildTestEPUB(t,
		[]string{"chapter01.xhtml"},
		[]string{"images/Photo1.JPG", "images/photo2.jpg", "extra/photo2.jpg"},
		nil)

	a, err := New(data)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	lookup := a.ImageLookup()
	if len(lookup["photo1.jpg"]) != 1 {
		t.Errorf("expected case-insensitive basename match for photo1.jpg, got %v", lookup)
	}
	if len(lookup["photo2.jpg"]) != 2 {
		t.Errorf("expected 2 paths for duplicated basename, got %v", lookup["photo2.jpg"])
	}
}
