package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	accountdomain "storysync/internal/account/domain"
	"storysync/internal/assemble"
	"storysync/internal/extract"
	"storysync/internal/history"
	"storysync/internal/sync/domain"
	"storysync/internal/vault"
)

const testEmail = "reader@example.com"

// fakeAccounts is an in-memory AccountRepository.
type fakeAccounts struct {
	mu      sync.Mutex
	account *accountdomain.Account
	saves   int
}

func (f *fakeAccounts) FindByEmail(email string) (*accountdomain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.account == nil || f.account.Email != email {
		return nil, nil
	}
	copy := *f.account
	return &copy, nil
}

func (f *fakeAccounts) Save(account *accountdomain.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *account
	f.account = &copy
	f.saves++
	return nil
}

// fakeCheckpoints is an in-memory CheckpointRepository enforcing the same
// monotonic rule as the persistent one.
type fakeCheckpoints struct {
	mu       sync.Mutex
	value    domain.Checkpoint
	advances int
}

func (f *fakeCheckpoints) Get() (domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, nil
}

func (f *fakeCheckpoints) Advance(cp domain.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cp.MoreRecentThan(f.value) {
		f.value = cp
		f.advances++
	}
	return nil
}

func (f *fakeCheckpoints) Reset(cp domain.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = cp
	return nil
}

// fakeRetries is an in-memory RetryRepository.
type fakeRetries struct {
	mu      sync.Mutex
	markers map[string]domain.PendingRetry
}

func newFakeRetries() *fakeRetries {
	return &fakeRetries{markers: make(map[string]domain.PendingRetry)}
}

func (f *fakeRetries) Upsert(retry *domain.PendingRetry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers[retry.StoryKey] = *retry
	return nil
}

func (f *fakeRetries) Delete(storyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.markers, storyKey)
	return nil
}

func (f *fakeRetries) List() ([]domain.PendingRetry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.PendingRetry
	for _, m := range f.markers {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeRetries) get(storyKey string) (domain.PendingRetry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.markers[storyKey]
	return m, ok
}

// fakeMailbox serves a scripted diff once, then reports an empty delta.
type fakeMailbox struct {
	mu       sync.Mutex
	refs     []domain.MessageRef
	messages map[string]*domain.RawMessage
	cp       domain.Checkpoint
	diffs    int
	delay    time.Duration
}

func (m *fakeMailbox) HistorySince(_ context.Context, cp domain.Checkpoint) ([]domain.MessageRef, domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.diffs++
	refs := m.refs
	m.refs = nil
	return refs, m.cp, nil
}

func (m *fakeMailbox) LatestCheckpoint(_ context.Context) (domain.Checkpoint, error) {
	return m.cp, nil
}

func (m *fakeMailbox) FetchMessage(_ context.Context, id string) (*domain.RawMessage, error) {
	return m.messages[id], nil
}

// fakeProvider hands out the fake mailbox and counts refreshes.
type fakeProvider struct {
	mailbox   *fakeMailbox
	refreshes int
}

func (p *fakeProvider) NewSession(_ context.Context, _ *vault.Credential, _ CredentialSaver) (history.Mailbox, error) {
	return p.mailbox, nil
}

func (p *fakeProvider) Refresh(_ context.Context, cred *vault.Credential) (*vault.Credential, error) {
	p.refreshes++
	return &vault.Credential{
		AccessToken:  "fresh-access",
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

// fakeSource treats any message mentioning "story <id> chapter <n>" as an
// update and serves scripted chapters.
type fakeSource struct {
	mu       sync.Mutex
	chapters map[string]map[int]domain.Chapter // storyID -> index -> chapter
	failures map[string]map[int]error
	fetches  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		chapters: make(map[string]map[int]domain.Chapter),
		failures: make(map[string]map[int]error),
	}
}

func (s *fakeSource) addStory(storyID string, total int) {
	s.chapters[storyID] = make(map[int]domain.Chapter)
	for i := 1; i <= total; i++ {
		s.chapters[storyID][i] = domain.Chapter{
			StoryID:    storyID,
			Index:      i,
			Title:      fmt.Sprintf("Chapter %d", i),
			StoryTitle: "Story " + storyID,
			Author:     "A. Writer",
			Body:       fmt.Sprintf("<p>Chapter %d prose.</p>", i),
			Total:      total,
		}
	}
}

func (s *fakeSource) failChapter(storyID string, index int, err error) {
	if s.failures[storyID] == nil {
		s.failures[storyID] = make(map[int]error)
	}
	s.failures[storyID][index] = err
}

func (s *fakeSource) Kind() domain.SourceKind { return domain.SourceFanFiction }

func (s *fakeSource) Classify(_ domain.MessageRef, raw *domain.RawMessage) []domain.ExtractionRequest {
	if raw == nil {
		return nil
	}
	var requests []domain.ExtractionRequest
	for _, line := range strings.Split(raw.Body, "\n") {
		var storyID string
		var chapter int
		if _, err := fmt.Sscanf(line, "story %s chapter %d", &storyID, &chapter); err == nil {
			requests = append(requests, domain.ExtractionRequest{
				Source:   domain.SourceFanFiction,
				StoryID:  storyID,
				Chapters: domain.ChapterRange{From: 1, To: chapter},
			})
		}
	}
	return requests
}

func (s *fakeSource) FetchChapter(_ context.Context, storyID string, index int) (*domain.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if err := s.failures[storyID][index]; err != nil {
		return nil, err
	}
	ch, ok := s.chapters[storyID][index]
	if !ok {
		return nil, &domain.SourceUnavailableError{
			Source:  s.Kind(),
			StoryID: storyID,
			Err:     fmt.Errorf("no chapter %d", index),
		}
	}
	return &ch, nil
}

// fakeDeliverer records deliveries per story key.
type fakeDeliverer struct {
	mu        sync.Mutex
	delivered map[string]*domain.Document
	err       error
	calls     int
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{delivered: make(map[string]*domain.Document)}
}

func (d *fakeDeliverer) Deliver(_ context.Context, storyKey string, doc *domain.Document) (domain.DeliveryOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return 0, d.err
	}
	outcome := domain.OutcomeUploaded
	if prev, ok := d.delivered[storyKey]; ok {
		if prev.Fingerprint == doc.Fingerprint {
			return domain.OutcomeAlreadyCurrent, nil
		}
		outcome = domain.OutcomeReplaced
	}
	d.delivered[storyKey] = doc
	return outcome, nil
}

type fixture struct {
	orchestrator Orchestrator
	accounts     *fakeAccounts
	checkpoints  *fakeCheckpoints
	retries      *fakeRetries
	mailbox      *fakeMailbox
	provider     *fakeProvider
	source       *fakeSource
	deliverer    *fakeDeliverer
	vault        *vault.Vault
}

func newFixture(t *testing.T, credExpiry time.Time) *fixture {
	t.Helper()

	key, err := vault.GenerateMasterKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	sealed, err := v.SealCredential(&vault.Credential{
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       credExpiry,
	})
	require.NoError(t, err)

	accounts := &fakeAccounts{account: &accountdomain.Account{Email: testEmail, Credential: sealed}}
	checkpoints := &fakeCheckpoints{value: 100}
	retries := newFakeRetries()
	mailbox := &fakeMailbox{cp: 100, messages: make(map[string]*domain.RawMessage)}
	provider := &fakeProvider{mailbox: mailbox}
	source := newFakeSource()
	deliverer := newFakeDeliverer()

	orchestrator := NewOrchestrator(
		Config{
			AccountEmail: testEmail,
			Workers:      2,
			MaxAttempts:  2,
			RetryBase:    time.Millisecond,
			FetchTimeout: time.Second,
		},
		accounts, v, provider,
		extract.NewRegistry(source),
		assemble.New(), deliverer,
		checkpoints, retries,
	)

	return &fixture{
		orchestrator: orchestrator,
		accounts:     accounts,
		checkpoints:  checkpoints,
		retries:      retries,
		mailbox:      mailbox,
		provider:     provider,
		source:       source,
		deliverer:    deliverer,
		vault:        v,
	}
}

func (f *fixture) announce(messageID, storyID string, chapter int, cp domain.Checkpoint) {
	f.mailbox.mu.Lock()
	defer f.mailbox.mu.Unlock()
	f.mailbox.refs = append(f.mailbox.refs, domain.MessageRef{MessageID: messageID, ReceivedAt: time.Now()})
	f.mailbox.messages[messageID] = &domain.RawMessage{
		From: "FanFiction <bot@fanfiction.com>",
		Body: fmt.Sprintf("story %s chapter %d", storyID, chapter),
	}
	f.mailbox.cp = cp
}

func TestTrigger_DeliversAnnouncedStory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now().Add(time.Hour))
	f.source.addStory("111", 3)
	f.announce("m1", "111", 3, 200)

	require.NoError(t, f.orchestrator.Trigger(context.Background()))

	doc, ok := f.deliverer.delivered["fanfiction/111"]
	require.True(t, ok)
	assert.Len(t, doc.Chapters, 3)
	assert.Equal(t, "Story 111", doc.Title)

	cp, _ := f.checkpoints.Get()
	assert.Equal(t, domain.Checkpoint(200), cp)

	markers, _ := f.retries.List()
	assert.Empty(t, markers)
}

func TestTrigger_FetchesFullRangeWhenSourceKnowsMore(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now().Add(time.Hour))
	// The notification announced chapter 2 but the story already has 5.
	f.source.addStory("111", 5)
	f.announce("m1", "111", 2, 200)

	require.NoError(t, f.orchestrator.Trigger(context.Background()))

	doc := f.deliverer.delivered["fanfiction/111"]
	require.NotNil(t, doc)
	assert.Len(t, doc.Chapters, 5)
}

func TestTrigger_SecondCycleIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now().Add(time.Hour))
	f.source.addStory("111", 2)
	f.announce("m1", "111", 2, 200)

	require.NoError(t, f.orchestrator.Trigger(context.Background()))
	firstCalls := f.deliverer.calls

	// No new history; nothing to do.
	require.NoError(t, f.orchestrator.Trigger(context.Background()))
	assert.Equal(t, firstCalls, f.deliverer.calls)

	cp, _ := f.checkpoints.Get()
	assert.Equal(t, domain.Checkpoint(200), cp)
}

func TestTrigger_PartialFailureIsolatesStories(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now().Add(time.Hour))
	f.source.addStory("111", 2)
	// Story 222 never yields a chapter.
	f.source.failChapter("222", 1, &domain.SourceUnavailableError{
		Source:  domain.SourceFanFiction,
		StoryID: "222",
		Err:     errors.New("site down"),
	})
	f.announce("m1", "111", 2, 0)
	f.announce("m2", "222", 1, 300)

	require.NoError(t, f.orchestrator.Trigger(context.Background()))

	// The healthy story delivered.
	assert.Contains(t, f.deliverer.delivered, "fanfiction/111")
	assert.NotContains(t, f.deliverer.delivered, "fanfiction/222")

	// The failed story left a retry marker and the checkpoint still moved,
	// so the failure is not replayed through the mailbox.
	marker, ok := f.retries.get("fanfiction/222")
	require.True(t, ok)
	assert.Equal(t, "222", marker.StoryID)

	cp, _ := f.checkpoints.Get()
	assert.Equal(t, domain.Checkpoint(300), cp)
}

func TestTrigger_BlockedChapterLeavesGapAndMarker(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now().Add(time.Hour))
	f.source.addStory("111", 3)
	f.source.failChapter("111", 2, &domain.ContentBlockedError{
		Source:  domain.SourceFanFiction,
		StoryID: "111",
		Status:  403,
	})
	f.announce("m1", "111", 3, 200)

	require.NoError(t, f.orchestrator.Trigger(context.Background()))

	// Chapters 1 and 3 made it into a delivered document with the gap
	// recorded, and a marker keeps the story eligible for a later fill.
	doc := f.deliverer.delivered["fanfiction/111"]
	require.NotNil(t, doc)
	assert.Len(t, doc.Chapters, 2)
	assert.Equal(t, []int{2}, doc.MissingIdx)

	_, ok := f.retries.get("fanfiction/111")
	assert.True(t, ok)
}

func TestTrigger_RetryMarkerDrivesNextCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now().Add(time.Hour))
	f.source.addStory("333", 2)
	require.NoError(t, f.retries.Upsert(&domain.PendingRetry{
		StoryKey:    "fanfiction/333",
		Source:      domain.SourceFanFiction,
		StoryID:     "333",
		ChapterFrom: 1,
		ChapterTo:   2,
		Reason:      "site down",
		FailedAt:    time.Now(),
	}))

	// Empty diff; the marker alone carries the work.
	require.NoError(t, f.orchestrator.Trigger(context.Background()))

	assert.Contains(t, f.deliverer.delivered, "fanfiction/333")
	_, ok := f.retries.get("fanfiction/333")
	assert.False(t, ok, "marker should be cleared after success")
}

func TestTrigger_TransientDeliveryFailureRetriesThenMarks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now().Add(time.Hour))
	f.source.addStory("111", 1)
	f.deliverer.err = &domain.UploadTransportError{StoryID: "111", Err: errors.New("reset")}
	f.announce("m1", "111", 1, 200)

	require.NoError(t, f.orchestrator.Trigger(context.Background()))

	// MaxAttempts delivery tries, then a marker instead of a lost story.
	assert.Equal(t, 2, f.deliverer.calls)
	_, ok := f.retries.get("fanfiction/111")
	assert.True(t, ok)

	cp, _ := f.checkpoints.Get()
	assert.Equal(t, domain.Checkpoint(200), cp)
}

func TestTrigger_ExpiredCredentialIsRefreshedAndResealed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now().Add(-time.Minute))
	f.source.addStory("111", 1)
	f.announce("m1", "111", 1, 200)

	require.NoError(t, f.orchestrator.Trigger(context.Background()))

	assert.Equal(t, 1, f.provider.refreshes)
	require.GreaterOrEqual(t, f.accounts.saves, 1)

	// The persisted blob now opens to the refreshed token.
	cred, err := f.vault.OpenCredential(f.accounts.account.Credential)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", cred.AccessToken)
}

func TestTrigger_MissingAccountFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now().Add(time.Hour))
	f.accounts.account = nil

	err := f.orchestrator.Trigger(context.Background())
	assert.Error(t, err)
}

func TestTrigger_ConcurrentCallsCoalesce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now().Add(time.Hour))
	f.mailbox.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.orchestrator.Trigger(context.Background())
		}()
	}
	wg.Wait()

	// One running cycle plus at most one queued follow-up.
	f.mailbox.mu.Lock()
	diffs := f.mailbox.diffs
	f.mailbox.mu.Unlock()
	assert.LessOrEqual(t, diffs, 2)
	assert.GreaterOrEqual(t, diffs, 1)
}

func TestTrigger_CheckpointNeverRegresses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now().Add(time.Hour))
	f.checkpoints.value = 500
	f.mailbox.cp = 200 // stale hint from a delayed notification

	require.NoError(t, f.orchestrator.Trigger(context.Background()))

	cp, _ := f.checkpoints.Get()
	assert.Equal(t, domain.Checkpoint(500), cp)
}
