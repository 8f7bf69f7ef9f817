// Package epub provides read-only access to EPUB containers: listing and
// classifying internal entries, locating chapter-like spine files, and
// extracting text content for downstream recipe extraction.
package epub

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
)

// ErrMalformedArchive indicates the input could not be opened as an EPUB
// (not a zip, or no usable OPF package document).
var ErrMalformedArchive = errors.New("epub: malformed archive")

// Kind classifies an archive entry.
type Kind string

const (
	KindChapter Kind = "chapter"
	KindImage   Kind = "image"
	KindOther   Kind = "other"
)

// Entry is a single file inside the EPUB container.
type Entry struct {
	Path string
	Kind Kind
	Size int64
}

// Archive is an opened EPUB. All access is read-only; the underlying zip is
// held in memory for the lifetime of the Archive.
type Archive struct {
	reader  *zip.Reader
	entries []Entry
	files   map[string]*zip.File

	opfBase  string
	spine    []string // spine xhtml files in reading order, opf-relative paths joined with opfBase
	chapters []string // chapter-like subset of spine
	images   []string // image entries in archive order
}

var (
	chapterLikePattern = regexp.MustCompile(`(?i)p\d+|ch[_-]?\d[\d_-]*|(chapter|part)\d|chapter|part|_?c\d+`)
	ignorePattern      = regexp.MustCompile(`(?i)(toc|nav|cover|copyright|dedication|acknowledg|appendix)`)
)

// minChapterLikeFiles is the point below which the name heuristics are
// considered to have failed and all spine files are used instead.
const minChapterLikeFiles = 4

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".svg":  true,
}

var chapterMediaTypes = map[string]bool{
	"application/xhtml+xml":    true,
	"application/x-dtbook+xml": true,
}

// Open reads an EPUB file from disk.
func Open(filePath string) (*Archive, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read epub %s: %w", filePath, err)
	}
	return New(data)
}

// New opens an EPUB from raw bytes.
func New(data []byte) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}

	a := &Archive{
		reader: zr,
		files:  make(map[string]*zip.File, len(zr.File)),
	}
	for _, f := range zr.File {
		a.files[f.Name] = f
	}

	if err := a.parsePackage(); err != nil {
		return nil, err
	}
	a.classify()
	return a, nil
}

// containerXML mirrors META-INF/container.xml.
type containerXML struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

// packageXML mirrors the OPF package document. Unqualified element names
// match regardless of namespace, which covers both EPUB2 and EPUB3 packages.
type packageXML struct {
	Manifest []struct {
		ID         string `xml:"id,attr"`
		Href       string `xml:"href,attr"`
		MediaType  string `xml:"media-type,attr"`
		Properties string `xml:"properties,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef  string `xml:"idref,attr"`
		Linear string `xml:"linear,attr"`
	} `xml:"spine>itemref"`
}

func (a *Archive) parsePackage() error {
	opfPath, err := a.findOPF()
	if err != nil {
		return err
	}
	a.opfBase = path.Dir(opfPath)
	if a.opfBase == "." {
		a.opfBase = ""
	}

	opfData, err := a.readEntry(opfPath)
	if err != nil {
		return fmt.Errorf("%w: cannot read package document %s", ErrMalformedArchive, opfPath)
	}

	var pkg packageXML
	if err := xml.Unmarshal(opfData, &pkg); err != nil {
		return fmt.Errorf("%w: invalid package document %s: %v", ErrMalformedArchive, opfPath, err)
	}

	type manifestItem struct {
		href, media, props string
	}
	manifest := make(map[string]manifestItem, len(pkg.Manifest))
	for _, item := range pkg.Manifest {
		manifest[item.ID] = manifestItem{href: item.Href, media: item.MediaType, props: item.Properties}
	}

	for _, ref := range pkg.Spine {
		if ref.Linear == "no" {
			continue
		}
		item, ok := manifest[ref.IDRef]
		if !ok || !chapterMediaTypes[item.media] {
			continue
		}
		if strings.Contains(item.props, "nav") {
			continue
		}
		full := item.href
		if a.opfBase != "" {
			full = path.Join(a.opfBase, item.href)
		}
		a.spine = append(a.spine, full)
	}
	return nil
}

// findOPF locates the package document, preferring META-INF/container.xml
// and falling back to the first .opf entry in the archive.
func (a *Archive) findOPF() (string, error) {
	if data, err := a.readEntry("META-INF/container.xml"); err == nil {
		var c containerXML
		if err := xml.Unmarshal(data, &c); err == nil {
			for _, rf := range c.Rootfiles {
				if rf.FullPath != "" {
					return rf.FullPath, nil
				}
			}
		}
	}
	for _, f := range a.reader.File {
		if strings.HasSuffix(f.Name, ".opf") {
			return f.Name, nil
		}
	}
	return "", fmt.Errorf("%w: no package document found", ErrMalformedArchive)
}

// classify builds the ordered entry list, the chapter-like subset of the
// spine, and the image table.
func (a *Archive) classify() {
	spineSet := make(map[string]bool, len(a.spine))
	for _, p := range a.spine {
		spineSet[p] = true
	}

	for _, f := range a.reader.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		kind := KindOther
		switch {
		case spineSet[f.Name]:
			kind = KindChapter
		case imageExtensions[strings.ToLower(path.Ext(f.Name))]:
			kind = KindImage
		}
		a.entries = append(a.entries, Entry{Path: f.Name, Kind: kind, Size: int64(f.UncompressedSize64)})
		if kind == KindImage {
			a.images = append(a.images, f.Name)
		}
	}

	for _, p := range a.spine {
		base := path.Base(p)
		if chapterLikePattern.MatchString(base) && !ignorePattern.MatchString(base) {
			a.chapters = append(a.chapters, p)
		}
	}
	// Name heuristics miss everything in books with unhelpful file names.
	// Fall back to the full spine minus front/back matter.
	if len(a.chapters) <= minChapterLikeFiles {
		a.chapters = nil
		for _, p := range a.spine {
			if !ignorePattern.MatchString(path.Base(p)) {
				a.chapters = append(a.chapters, p)
			}
		}
	}
}

// Entries returns every file entry in archive order.
func (a *Archive) Entries() []Entry {
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// ChapterFiles returns the chapter-like spine files in reading order.
func (a *Archive) ChapterFiles() []string {
	out := make([]string, len(a.chapters))
	copy(out, a.chapters)
	return out
}

// ImageEntries returns image entry paths in archive order.
func (a *Archive) ImageEntries() []string {
	out := make([]string, len(a.images))
	copy(out, a.images)
	return out
}

// HasImages reports whether the archive contains any image entries.
func (a *Archive) HasImages() bool {
	return len(a.images) > 0
}

// ReadFile returns the raw bytes of an entry.
func (a *Archive) ReadFile(entryPath string) ([]byte, error) {
	return a.readEntry(entryPath)
}

func (a *Archive) readEntry(entryPath string) ([]byte, error) {
	f, ok := a.files[entryPath]
	if !ok {
		return nil, fmt.Errorf("epub: entry %s not found", entryPath)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("epub: open entry %s: %w", entryPath, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, fmt.Errorf("epub: read entry %s: %w", entryPath, err)
	}
	return buf.Bytes(), nil
}
