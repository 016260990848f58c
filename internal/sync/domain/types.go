package domain

import (
	"fmt"
	"time"
)

// Checkpoint marks how far into the mailbox history the pipeline has read.
// Gmail history ids are monotonically increasing, so plain comparison is
// enough to enforce forward-only advancement. Zero means "never synced".
type Checkpoint uint64

// MoreRecentThan reports whether c is strictly ahead of other.
func (c Checkpoint) MoreRecentThan(other Checkpoint) bool {
	return c > other
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("%d", uint64(c))
}

// MessageRef identifies one mailbox message surfaced by a history diff.
type MessageRef struct {
	MessageID  string
	ReceivedAt time.Time
}

// RawMessage is the fetched content of a message, already decoded from the
// mailbox wire format.
type RawMessage struct {
	From    string
	Subject string
	Body    string
}

// SourceKind tags which source-site implementation owns an extraction request.
type SourceKind string

const (
	SourceFanFiction SourceKind = "fanfiction"
)

// ChapterRange selects which chapters of a story to fetch. To is inclusive.
type ChapterRange struct {
	From int
	To   int
}

// ExtractionRequest is the unit of work derived from a message: one story on
// one source site, with the chapters worth fetching.
type ExtractionRequest struct {
	Source   SourceKind
	StoryID  string
	Chapters ChapterRange
}

// StoryKey returns the ledger key for the request's story.
func (r ExtractionRequest) StoryKey() string {
	return string(r.Source) + "/" + r.StoryID
}

// Chapter is one fetched and normalized story chapter. Body is XHTML-safe
// markup with site chrome stripped.
type Chapter struct {
	StoryID    string
	Index      int
	Title      string
	StoryTitle string
	Author     string
	Body       string
	Total      int // chapter count advertised by the source, 0 if unknown
	FetchedAt  time.Time
}

// Document is an assembled e-book package for one story.
type Document struct {
	StoryID     string
	Title       string
	Author      string
	Chapters    []Chapter
	MissingIdx  []int // chapter indices detected as gaps, empty when complete
	BuiltAt     time.Time
	Package     []byte // the EPUB bytes
	Fingerprint string // hex SHA-256 of Package
}

// Filename returns the remote name for the document.
func (d *Document) Filename() string {
	if d.Title == "" {
		return d.StoryID + ".epub"
	}
	return d.Title + ".epub"
}

// DeliveryOutcome describes how a Deliver call concluded.
type DeliveryOutcome int

const (
	// OutcomeUploaded means a new remote document was created.
	OutcomeUploaded DeliveryOutcome = iota
	// OutcomeReplaced means an existing remote document was overwritten.
	OutcomeReplaced
	// OutcomeAlreadyCurrent means the remote copy already matched the
	// fingerprint and no network call was made.
	OutcomeAlreadyCurrent
)

func (o DeliveryOutcome) String() string {
	switch o {
	case OutcomeUploaded:
		return "uploaded"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeAlreadyCurrent:
		return "already-current"
	default:
		return "unknown"
	}
}
