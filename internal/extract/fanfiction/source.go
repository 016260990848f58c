// Package fanfiction extracts story chapters from FanFiction.net update
// notification emails.
package fanfiction

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"storysync/internal/sync/domain"
)

const defaultBaseURL = "https://www.fanfiction.net"

// Notification emails come from the site bot.
const senderAddress = "bot@fanfiction.com"

// Story links look like fanfiction.net/s/13587604/31/Significant-Brain-Damage.
var storyLinkRe = regexp.MustCompile(`fanfiction\.net/s/(\d+)/(\d+)/`)

type Source struct {
	baseURL string
	client  *http.Client
}

// New creates a FanFiction.net source with the given fetch timeout.
func New(timeout time.Duration) *Source {
	return &Source{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// NewWithBaseURL is used by tests to point the source at a local server.
func NewWithBaseURL(baseURL string, client *http.Client) *Source {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Source{baseURL: baseURL, client: client}
}

func (s *Source) Kind() domain.SourceKind {
	return domain.SourceFanFiction
}

// Classify matches update emails from the site bot and derives one request
// per linked story. An announced chapter N asks for the range 1..N so the
// assembled document covers the whole story known so far.
func (s *Source) Classify(_ domain.MessageRef, raw *domain.RawMessage) []domain.ExtractionRequest {
	if raw == nil || !strings.Contains(raw.From, senderAddress) {
		return nil
	}

	// One email can mention the same story more than once; keep the
	// highest announced chapter per story.
	highest := make(map[string]int)
	var order []string
	for _, m := range storyLinkRe.FindAllStringSubmatch(raw.Body, -1) {
		storyID := m[1]
		chapter, err := strconv.Atoi(m[2])
		if err != nil || chapter < 1 {
			continue
		}
		if _, ok := highest[storyID]; !ok {
			order = append(order, storyID)
		}
		if chapter > highest[storyID] {
			highest[storyID] = chapter
		}
	}

	requests := make([]domain.ExtractionRequest, 0, len(order))
	for _, storyID := range order {
		requests = append(requests, domain.ExtractionRequest{
			Source:   domain.SourceFanFiction,
			StoryID:  storyID,
			Chapters: domain.ChapterRange{From: 1, To: highest[storyID]},
		})
	}
	return requests
}

// FetchChapter downloads one chapter page and normalizes it.
func (s *Source) FetchChapter(ctx context.Context, storyID string, index int) (*domain.Chapter, error) {
	url := fmt.Sprintf("%s/s/%s/%d", s.baseURL, storyID, index)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &domain.SourceUnavailableError{Source: s.Kind(), StoryID: storyID, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.ContentBlockedError{Source: s.Kind(), StoryID: storyID, Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, &domain.SourceUnavailableError{
			Source:  s.Kind(),
			StoryID: storyID,
			Err:     fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &domain.SourceUnavailableError{Source: s.Kind(), StoryID: storyID, Err: err}
	}

	chapter, err := parseChapterPage(doc, storyID, index)
	if err != nil {
		return nil, &domain.SourceUnavailableError{Source: s.Kind(), StoryID: storyID, Err: err}
	}
	return chapter, nil
}

// parseChapterPage pulls the story text and metadata out of a chapter page.
func parseChapterPage(doc *goquery.Document, storyID string, index int) (*domain.Chapter, error) {
	storyText := doc.Find(".storytext").First()
	if storyText.Length() == 0 {
		return nil, fmt.Errorf("story %s chapter %d has no story text", storyID, index)
	}

	body, err := normalize(storyText)
	if err != nil {
		return nil, err
	}

	storyTitle := strings.TrimSpace(doc.Find("#profile_top b.xcontrast_txt").First().Text())
	author := strings.TrimSpace(doc.Find("#profile_top a").First().Text())

	// The chapter dropdown exists only on multi-chapter stories. The site
	// repeats its id, so only the first occurrence counts.
	title := storyTitle
	total := 1
	if sel := doc.Find("#chap_select").First(); sel.Length() > 0 {
		if t := strings.TrimSpace(sel.Find("option[selected]").First().Text()); t != "" {
			title = t
		}
		total = sel.Find("option").Length()
	}

	return &domain.Chapter{
		StoryID:    storyID,
		Index:      index,
		Title:      title,
		StoryTitle: storyTitle,
		Author:     author,
		Body:       body,
		Total:      total,
		FetchedAt:  time.Now(),
	}, nil
}
