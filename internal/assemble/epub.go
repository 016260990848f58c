// Package assemble builds portable EPUB documents out of normalized story
// chapters.
//
// Assembly is deterministic: identical chapter content in identical order
// always produces byte-identical package bytes, because delivery
// deduplication fingerprints the package. That rules out third-party EPUB
// generators, which embed random identifiers and wall-clock timestamps; the
// package is therefore written directly with archive/zip using a fixed entry
// order and a fixed modification time.
package assemble

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"storysync/internal/sync/domain"
)

// All zip entries carry this timestamp so package bytes depend on content
// only.
var packageEpoch = time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC)

type Assembler struct {
	strictChapters bool
}

type Option func(*Assembler)

// WithStrictChapters makes chapter gaps fail assembly instead of being
// flagged in metadata.
func WithStrictChapters() Option {
	return func(a *Assembler) { a.strictChapters = true }
}

func New(opts ...Option) *Assembler {
	a := &Assembler{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble builds the document for one story from the chapters known at this
// point. Chapters are reordered by index; a detected gap is recorded in the
// package metadata unless strict mode is on, because source sites
// occasionally renumber and blocking on a gap would wedge the story forever.
func (a *Assembler) Assemble(storyID string, chapters []domain.Chapter) (*domain.Document, error) {
	if len(chapters) == 0 {
		return nil, &domain.IncompleteStoryError{StoryID: storyID}
	}

	sorted := make([]domain.Chapter, len(chapters))
	copy(sorted, chapters)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	missing := findGaps(sorted)
	if len(missing) > 0 && a.strictChapters {
		return nil, &domain.IncompleteStoryError{StoryID: storyID, Missing: missing}
	}

	doc := &domain.Document{
		StoryID:    storyID,
		Title:      sorted[0].StoryTitle,
		Author:     sorted[0].Author,
		Chapters:   sorted,
		MissingIdx: missing,
		BuiltAt:    time.Now(),
	}

	pkg, err := buildPackage(doc)
	if err != nil {
		return nil, fmt.Errorf("building package for story %s: %w", storyID, err)
	}

	sum := sha256.Sum256(pkg)
	doc.Package = pkg
	doc.Fingerprint = hex.EncodeToString(sum[:])
	return doc, nil
}

// findGaps returns the chapter indices missing between the first and last
// chapter of an index-sorted slice.
func findGaps(sorted []domain.Chapter) []int {
	var missing []int
	for i := 1; i < len(sorted); i++ {
		for want := sorted[i-1].Index + 1; want < sorted[i].Index; want++ {
			missing = append(missing, want)
		}
	}
	return missing
}

func buildPackage(doc *domain.Document) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	// The EPUB container spec requires mimetype first and uncompressed.
	if err := addFile(zw, "mimetype", zip.Store, []byte("application/epub+zip")); err != nil {
		return nil, err
	}

	files := []struct {
		name string
		body string
	}{
		{"META-INF/container.xml", containerXML},
		{"OEBPS/content.opf", contentOPF(doc)},
		{"OEBPS/toc.ncx", tocNCX(doc)},
		{"OEBPS/styles.css", stylesheet},
	}
	for _, f := range files {
		if err := addFile(zw, f.name, zip.Deflate, []byte(f.body)); err != nil {
			return nil, err
		}
	}

	multi := len(doc.Chapters) > 1
	for _, ch := range doc.Chapters {
		name := fmt.Sprintf("OEBPS/chapter_%d.xhtml", ch.Index)
		if err := addFile(zw, name, zip.Deflate, []byte(chapterXHTML(ch, multi))); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addFile(zw *zip.Writer, name string, method uint16, body []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: packageEpoch,
	})
	if err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
