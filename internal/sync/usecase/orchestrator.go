package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	accountrepo "storysync/internal/account/repository"
	"storysync/internal/extract"
	"storysync/internal/history"
	"storysync/internal/sync/domain"
	"storysync/internal/sync/repository"
	"storysync/internal/vault"
)

// cycleStage names the phase a cycle is in, for logging.
type cycleStage string

const (
	stageReceived        cycleStage = "received"
	stageDiffing         cycleStage = "diffing"
	stageExtracting      cycleStage = "extracting"
	stageAssembling      cycleStage = "assembling"
	stageDelivering      cycleStage = "delivering"
	stageCheckpointing   cycleStage = "checkpointing"
	stagePartiallyFailed cycleStage = "partially-failed"
	stageDone            cycleStage = "done"
)

// Config tunes cycle behavior.
type Config struct {
	// AccountEmail is the mailbox account this instance synchronizes.
	AccountEmail string
	// Workers bounds how many stories are processed concurrently.
	Workers int
	// MaxAttempts caps retries for transient failures.
	MaxAttempts int
	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration
	// FetchTimeout bounds each chapter fetch.
	FetchTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
}

// orchestrator implements Orchestrator interface
type orchestrator struct {
	cfg         Config
	accounts    accountrepo.AccountRepository
	vault       *vault.Vault
	mailbox     MailboxProvider
	registry    *extract.Registry
	assembler   Assembler
	deliverer   Deliverer
	checkpoints repository.CheckpointRepository
	retries     repository.RetryRepository

	// Single-flight state: one active cycle, at most one queued.
	mu      sync.Mutex
	running bool
	queued  bool
}

// NewOrchestrator creates a new instance of orchestrator
func NewOrchestrator(
	cfg Config,
	accounts accountrepo.AccountRepository,
	v *vault.Vault,
	mailbox MailboxProvider,
	registry *extract.Registry,
	assembler Assembler,
	deliverer Deliverer,
	checkpoints repository.CheckpointRepository,
	retries repository.RetryRepository,
) Orchestrator {
	cfg.defaults()
	return &orchestrator{
		cfg:         cfg,
		accounts:    accounts,
		vault:       v,
		mailbox:     mailbox,
		registry:    registry,
		assembler:   assembler,
		deliverer:   deliverer,
		checkpoints: checkpoints,
		retries:     retries,
	}
}

// Trigger implements the single-flight contract: the caller either runs the
// cycle inline, queues exactly one follow-up, or coalesces into the queued
// one.
func (o *orchestrator) Trigger(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		if !o.queued {
			o.queued = true
		}
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.mu.Unlock()

	var err error
	for {
		err = o.runCycle(ctx)

		o.mu.Lock()
		if o.queued {
			o.queued = false
			o.mu.Unlock()
			continue
		}
		o.running = false
		o.mu.Unlock()
		return err
	}
}

// storyUnit is one story's worth of work in a cycle, merged from classified
// messages and pending retries.
type storyUnit struct {
	request domain.ExtractionRequest
}

// storyResult is the terminal per-story outcome of a cycle.
type storyResult struct {
	key       string
	outcome   domain.DeliveryOutcome
	delivered bool
	err       error
}

func (o *orchestrator) runCycle(ctx context.Context) error {
	cycleID := uuid.New().String()[:8]
	stage := stageReceived
	log.Printf("[Sync] cycle=%s stage=%s", cycleID, stage)

	account, err := o.accounts.FindByEmail(o.cfg.AccountEmail)
	if err != nil {
		return fmt.Errorf("loading account: %w", err)
	}
	if account == nil {
		return fmt.Errorf("account %s is not registered", o.cfg.AccountEmail)
	}

	cred, err := o.vault.OpenCredential(account.Credential)
	if err != nil {
		// A credential we cannot decrypt will not fix itself; surface
		// loudly and do not advance anything.
		return fmt.Errorf("cycle %s aborted: %w", cycleID, err)
	}

	if cred.State() != vault.CredentialValid {
		refreshed, err := o.refreshCredential(ctx, cred)
		if err != nil {
			return fmt.Errorf("cycle %s aborted during token refresh: %w", cycleID, err)
		}
		cred = refreshed
	}

	saver := func(c *vault.Credential) error { return o.saveCredential(c) }
	session, err := o.mailbox.NewSession(ctx, cred, saver)
	if err != nil {
		return fmt.Errorf("opening mailbox session: %w", err)
	}

	stage = stageDiffing
	log.Printf("[Sync] cycle=%s stage=%s", cycleID, stage)

	current, err := o.checkpoints.Get()
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}

	tracker := history.NewTracker(session)
	var refs []domain.MessageRef
	newCheckpoint := current
	err = withRetry(ctx, o.cfg.MaxAttempts, o.cfg.RetryBase, func() error {
		var derr error
		refs, newCheckpoint, derr = tracker.Diff(ctx, current)
		return derr
	})
	if err != nil {
		return fmt.Errorf("cycle %s failed in stage %s: %w", cycleID, stage, err)
	}

	stage = stageExtracting
	log.Printf("[Sync] cycle=%s stage=%s messages=%d", cycleID, stage, len(refs))

	units, err := o.collectStories(ctx, session, refs)
	if err != nil {
		return fmt.Errorf("cycle %s failed in stage %s: %w", cycleID, stage, err)
	}

	results := o.processStories(ctx, cycleID, units)

	// An abort between stories leaves unfinished work; without a terminal
	// outcome for every story the checkpoint must not move, so the next
	// diff re-surfaces the messages.
	if ctx.Err() != nil {
		return fmt.Errorf("cycle %s aborted: %w", cycleID, ctx.Err())
	}

	failed := 0
	for _, res := range results {
		if res.err != nil {
			failed++
		}
	}
	if failed > 0 {
		stage = stagePartiallyFailed
		log.Printf("[Sync] cycle=%s stage=%s failed=%d of %d", cycleID, stage, failed, len(results))
	}

	stage = stageCheckpointing
	if err := o.checkpoints.Advance(newCheckpoint); err != nil {
		return fmt.Errorf("cycle %s failed in stage %s: %w", cycleID, stage, err)
	}

	stage = stageDone
	log.Printf("[Sync] cycle=%s stage=%s checkpoint=%s stories=%d", cycleID, stage, newCheckpoint, len(results))
	return nil
}

// refreshCredential performs the explicit refresh step and persists the new
// token before the cycle proceeds.
func (o *orchestrator) refreshCredential(ctx context.Context, cred *vault.Credential) (*vault.Credential, error) {
	var refreshed *vault.Credential
	err := withRetry(ctx, o.cfg.MaxAttempts, o.cfg.RetryBase, func() error {
		var rerr error
		refreshed, rerr = o.mailbox.Refresh(ctx, cred)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	if err := o.saveCredential(refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

func (o *orchestrator) saveCredential(cred *vault.Credential) error {
	sealed, err := o.vault.SealCredential(cred)
	if err != nil {
		return err
	}
	account, err := o.accounts.FindByEmail(o.cfg.AccountEmail)
	if err != nil || account == nil {
		return fmt.Errorf("account %s disappeared while saving credential: %v", o.cfg.AccountEmail, err)
	}
	account.Credential = sealed
	return o.accounts.Save(account)
}

// collectStories classifies the diffed messages and merges them with the
// pending-retry set into one unit per story. A story referenced by both a
// new message and a retry marker collapses into a single unit, which also
// guarantees at most one in-flight document per story.
func (o *orchestrator) collectStories(ctx context.Context, mailbox history.Mailbox, refs []domain.MessageRef) (map[string]*storyUnit, error) {
	units := make(map[string]*storyUnit)

	merge := func(req domain.ExtractionRequest) {
		key := req.StoryKey()
		unit, ok := units[key]
		if !ok {
			units[key] = &storyUnit{request: req}
			return
		}
		if req.Chapters.From > 0 && (unit.request.Chapters.From == 0 || req.Chapters.From < unit.request.Chapters.From) {
			unit.request.Chapters.From = req.Chapters.From
		}
		if req.Chapters.To > unit.request.Chapters.To {
			unit.request.Chapters.To = req.Chapters.To
		}
	}

	for _, ref := range refs {
		var raw *domain.RawMessage
		err := withRetry(ctx, o.cfg.MaxAttempts, o.cfg.RetryBase, func() error {
			var ferr error
			raw, ferr = mailbox.FetchMessage(ctx, ref.MessageID)
			return ferr
		})
		if err != nil {
			return nil, err
		}
		if raw == nil {
			// Deleted between diff and fetch; counts as fully processed.
			continue
		}

		for _, req := range o.registry.Classify(ref, raw) {
			merge(req)
		}
	}

	pending, err := o.retries.List()
	if err != nil {
		return nil, err
	}
	for _, retry := range pending {
		merge(retry.Request())
	}

	return units, nil
}

// processStories fans the story units out over a bounded worker pool.
// Stories run concurrently; chapters within one story stay sequential.
func (o *orchestrator) processStories(ctx context.Context, cycleID string, units map[string]*storyUnit) []storyResult {
	keys := make([]string, 0, len(units))
	for key := range units {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	results := make([]storyResult, len(keys))
	sem := make(chan struct{}, o.cfg.Workers)
	var wg sync.WaitGroup

	for i, key := range keys {
		// Abort only between stories, never mid-story.
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(i int, unit *storyUnit) {
			sem <- struct{}{}
			defer func() { <-sem }()
			defer wg.Done()

			results[i] = o.processStory(ctx, cycleID, unit)
		}(i, units[key])
	}
	wg.Wait()

	return results
}

// processStory takes one story to a terminal outcome: delivered,
// already-current, or failed-and-recorded. Failures are recorded as retry
// markers because the next history diff will not re-surface the messages
// that referenced this story.
func (o *orchestrator) processStory(ctx context.Context, cycleID string, unit *storyUnit) storyResult {
	req := unit.request
	key := req.StoryKey()

	chapters, fetchErr := o.fetchChapters(ctx, req)

	if len(chapters) == 0 {
		if fetchErr == nil {
			fetchErr = fmt.Errorf("no chapters could be fetched for %s", key)
		}
		o.recordFailure(cycleID, req, stageExtracting, fetchErr)
		return storyResult{key: key, err: fetchErr}
	}

	doc, err := o.assembler.Assemble(req.StoryID, chapters)
	if err != nil {
		o.recordFailure(cycleID, req, stageAssembling, err)
		return storyResult{key: key, err: err}
	}

	var outcome domain.DeliveryOutcome
	err = withRetry(ctx, o.cfg.MaxAttempts, o.cfg.RetryBase, func() error {
		var derr error
		outcome, derr = o.deliverer.Deliver(ctx, key, doc)
		return derr
	})
	if err != nil {
		o.recordFailure(cycleID, req, stageDelivering, err)
		return storyResult{key: key, err: err}
	}

	// Delivery succeeded but earlier chapters were blocked: keep the retry
	// marker so the next cycle tries to fill the gap, while the partial
	// document is already on the device.
	if fetchErr != nil && domain.IsPermanentPerItem(fetchErr) {
		o.recordFailure(cycleID, req, stageExtracting, fetchErr)
	} else {
		if err := o.retries.Delete(key); err != nil {
			log.Printf("[Sync] cycle=%s story=%s failed to clear retry marker: %v", cycleID, key, err)
		}
	}

	log.Printf("[Sync] cycle=%s story=%s outcome=%s chapters=%d", cycleID, key, outcome, len(chapters))
	return storyResult{key: key, outcome: outcome, delivered: true}
}

// fetchChapters fetches the requested range strictly in index order, so a
// mid-story failure still yields a usable prefix. A blocked chapter is
// skipped (the assembler flags the gap); a transient failure that survives
// retries stops the story there.
func (o *orchestrator) fetchChapters(ctx context.Context, req domain.ExtractionRequest) ([]domain.Chapter, error) {
	source, err := o.registry.Lookup(req.Source)
	if err != nil {
		return nil, err
	}

	from := req.Chapters.From
	if from < 1 {
		from = 1
	}
	to := req.Chapters.To
	if to < from {
		to = from
	}

	var chapters []domain.Chapter
	var firstErr error

	for index := from; index <= to; index++ {
		var chapter *domain.Chapter
		err := withRetry(ctx, o.cfg.MaxAttempts, o.cfg.RetryBase, func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
			defer cancel()
			var ferr error
			chapter, ferr = source.FetchChapter(fetchCtx, req.StoryID, index)
			return ferr
		})

		if err != nil {
			var blocked *domain.ContentBlockedError
			if errors.As(err, &blocked) {
				// Skip just this chapter; later ones may still work.
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			break
		}

		chapters = append(chapters, *chapter)

		// The source may know about more chapters than the notification
		// announced; a document covers everything known at build time.
		if chapter.Total > to {
			to = chapter.Total
		}
	}

	return chapters, firstErr
}

// recordFailure persists the retry marker for a story that did not complete.
func (o *orchestrator) recordFailure(cycleID string, req domain.ExtractionRequest, stage cycleStage, cause error) {
	log.Printf("[Sync] cycle=%s story=%s stage=%s failed: %v", cycleID, req.StoryKey(), stage, cause)

	retry := &domain.PendingRetry{
		StoryKey:    req.StoryKey(),
		Source:      req.Source,
		StoryID:     req.StoryID,
		ChapterFrom: req.Chapters.From,
		ChapterTo:   req.Chapters.To,
		Reason:      cause.Error(),
		FailedAt:    time.Now(),
	}
	if err := o.retries.Upsert(retry); err != nil {
		log.Printf("[Sync] cycle=%s story=%s failed to record retry marker: %v", cycleID, req.StoryKey(), err)
	}
}
