package assemble

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storysync/internal/sync/domain"
)

func testChapter(index int) domain.Chapter {
	return domain.Chapter{
		StoryID:    "12345",
		Index:      index,
		Title:      "Chapter Title",
		StoryTitle: "The Long Road",
		Author:     "A. Writer",
		Body:       "<p>Some prose for the chapter.</p>",
		Total:      3,
	}
}

func TestAssemble_Deterministic(t *testing.T) {
	t.Parallel()

	a := New()
	chapters := []domain.Chapter{testChapter(1), testChapter(2), testChapter(3)}

	first, err := a.Assemble("12345", chapters)
	require.NoError(t, err)
	second, err := a.Assemble("12345", chapters)
	require.NoError(t, err)

	// Byte-identical packages, so fingerprints match across builds.
	assert.Equal(t, first.Package, second.Package)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Len(t, first.Fingerprint, 64)
}

func TestAssemble_ContentChangesFingerprint(t *testing.T) {
	t.Parallel()

	a := New()

	first, err := a.Assemble("12345", []domain.Chapter{testChapter(1)})
	require.NoError(t, err)

	edited := testChapter(1)
	edited.Body = "<p>Revised prose.</p>"
	second, err := a.Assemble("12345", []domain.Chapter{edited})
	require.NoError(t, err)

	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
}

func TestAssemble_SortsChaptersByIndex(t *testing.T) {
	t.Parallel()

	a := New()
	doc, err := a.Assemble("12345", []domain.Chapter{testChapter(3), testChapter(1), testChapter(2)})
	require.NoError(t, err)

	require.Len(t, doc.Chapters, 3)
	assert.Equal(t, 1, doc.Chapters[0].Index)
	assert.Equal(t, 2, doc.Chapters[1].Index)
	assert.Equal(t, 3, doc.Chapters[2].Index)
	assert.Empty(t, doc.MissingIdx)
}

func TestAssemble_FlagsGaps(t *testing.T) {
	t.Parallel()

	a := New()
	doc, err := a.Assemble("12345", []domain.Chapter{testChapter(1), testChapter(4)})
	require.NoError(t, err)

	assert.Equal(t, []int{2, 3}, doc.MissingIdx)

	opf := readEntry(t, doc.Package, "OEBPS/content.opf")
	assert.Contains(t, opf, "missing-chapters")
	assert.Contains(t, opf, `content="2,3"`)
}

func TestAssemble_StrictModeRejectsGaps(t *testing.T) {
	t.Parallel()

	a := New(WithStrictChapters())
	_, err := a.Assemble("12345", []domain.Chapter{testChapter(1), testChapter(3)})

	var incomplete *domain.IncompleteStoryError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []int{2}, incomplete.Missing)
}

func TestAssemble_EmptyChaptersFails(t *testing.T) {
	t.Parallel()

	_, err := New().Assemble("12345", nil)

	var incomplete *domain.IncompleteStoryError
	assert.ErrorAs(t, err, &incomplete)
}

func TestAssemble_PackageLayout(t *testing.T) {
	t.Parallel()

	doc, err := New().Assemble("12345", []domain.Chapter{testChapter(1), testChapter(2)})
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(doc.Package), int64(len(doc.Package)))
	require.NoError(t, err)
	require.NotEmpty(t, zr.File)

	// Container format: mimetype first and stored uncompressed.
	first := zr.File[0]
	assert.Equal(t, "mimetype", first.Name)
	assert.Equal(t, zip.Store, first.Method)
	assert.Equal(t, "application/epub+zip", readEntry(t, doc.Package, "mimetype"))

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "META-INF/container.xml")
	assert.Contains(t, names, "OEBPS/content.opf")
	assert.Contains(t, names, "OEBPS/toc.ncx")
	assert.Contains(t, names, "OEBPS/chapter_1.xhtml")
	assert.Contains(t, names, "OEBPS/chapter_2.xhtml")
}

func TestAssemble_MultiChapterHeadings(t *testing.T) {
	t.Parallel()

	multi, err := New().Assemble("12345", []domain.Chapter{testChapter(1), testChapter(2)})
	require.NoError(t, err)
	page := readEntry(t, multi.Package, "OEBPS/chapter_1.xhtml")
	assert.Contains(t, page, "<h2>Chapter Title</h2>")
	assert.Contains(t, page, `<hr class="chapter-rule"/>`)

	// A single chapter reads as one continuous text, no heading between
	// title page and prose.
	single, err := New().Assemble("12345", []domain.Chapter{testChapter(1)})
	require.NoError(t, err)
	page = readEntry(t, single.Package, "OEBPS/chapter_1.xhtml")
	assert.NotContains(t, page, "<h2>Chapter Title</h2>")
}

func TestAssemble_MetadataEscaped(t *testing.T) {
	t.Parallel()

	ch := testChapter(1)
	ch.StoryTitle = `Sword & Shield <Book 1>`
	ch.Author = `"Anon" Writer`

	doc, err := New().Assemble("12345", []domain.Chapter{ch})
	require.NoError(t, err)

	opf := readEntry(t, doc.Package, "OEBPS/content.opf")
	assert.Contains(t, opf, "Sword &amp; Shield &lt;Book 1&gt;")
	assert.NotContains(t, opf, "<Book 1>")
}

func TestDocument_Filename(t *testing.T) {
	t.Parallel()

	doc, err := New().Assemble("12345", []domain.Chapter{testChapter(1)})
	require.NoError(t, err)
	assert.Equal(t, "The Long Road.epub", doc.Filename())

	untitled := testChapter(1)
	untitled.StoryTitle = ""
	doc, err = New().Assemble("12345", []domain.Chapter{untitled})
	require.NoError(t, err)
	assert.Equal(t, "12345.epub", doc.Filename())
}

func readEntry(t *testing.T, pkg []byte, name string) string {
	t.Helper()

	zr, err := zip.NewReader(bytes.NewReader(pkg), int64(len(pkg)))
	require.NoError(t, err)

	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		return string(body)
	}
	t.Fatalf("entry %s not found in package", name)
	return ""
}
