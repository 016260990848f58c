// Package deliver uploads assembled documents to the remote document store,
// deduplicating against the delivery ledger.
package deliver

import (
	"context"
	"errors"
	"log"
	"time"

	"storysync/internal/sync/domain"
	"storysync/internal/sync/repository"
)

// ErrQuotaExceeded is returned by RemoteStore implementations when the store
// refuses a write for quota reasons.
var ErrQuotaExceeded = errors.New("remote store quota exceeded")

// ErrRemoteGone is returned by RemoteStore.Update when the target document no
// longer exists remotely.
var ErrRemoteGone = errors.New("remote document no longer exists")

// RemoteDocument is one existing document in the remote store.
type RemoteDocument struct {
	ID   string
	Name string
}

// RemoteStore is the logical contract of the remote document store. The
// concrete implementation lives in pkg/drive.
type RemoteStore interface {
	Upload(ctx context.Context, name string, content []byte) (string, error)
	Update(ctx context.Context, remoteID string, content []byte) error
	Delete(ctx context.Context, remoteID string) error
	List(ctx context.Context) ([]RemoteDocument, error)
}

type Manager struct {
	store  RemoteStore
	ledger repository.LedgerRepository
}

func NewManager(store RemoteStore, ledger repository.LedgerRepository) *Manager {
	return &Manager{store: store, ledger: ledger}
}

// Deliver uploads the document unless the ledger shows the remote copy is
// already current. A story that was delivered before is replaced in place so
// two uploads with identical fingerprints can never produce two remote
// documents. The ledger is written strictly after the remote store confirmed
// the write.
func (m *Manager) Deliver(ctx context.Context, storyKey string, doc *domain.Document) (domain.DeliveryOutcome, error) {
	record, err := m.ledger.Get(storyKey)
	if err != nil {
		return 0, err
	}

	if record != nil && record.Fingerprint == doc.Fingerprint {
		return domain.OutcomeAlreadyCurrent, nil
	}

	outcome := domain.OutcomeUploaded
	var remoteID string

	if record != nil {
		err = m.store.Update(ctx, record.RemoteID, doc.Package)
		switch {
		case err == nil:
			remoteID = record.RemoteID
			outcome = domain.OutcomeReplaced
		case errors.Is(err, ErrRemoteGone):
			// Someone removed the document on the device side;
			// fall through to a fresh upload.
			log.Printf("[Deliver] Remote document %s for %s vanished, re-uploading", record.RemoteID, storyKey)
			record = nil
		default:
			return 0, m.classify(storyKey, err)
		}
	}

	if record == nil {
		remoteID, err = m.store.Upload(ctx, doc.Filename(), doc.Package)
		if err != nil {
			return 0, m.classify(storyKey, err)
		}
	}

	if err := m.ledger.Upsert(&domain.DeliveryRecord{
		StoryKey:    storyKey,
		Fingerprint: doc.Fingerprint,
		RemoteID:    remoteID,
		Filename:    doc.Filename(),
		DeliveredAt: time.Now(),
	}); err != nil {
		return 0, err
	}

	return outcome, nil
}

// Reconcile re-aligns the ledger with the remote store at startup: records
// whose remote document vanished are re-adopted by name when possible and
// dropped otherwise, so the next cycle re-uploads instead of updating a dead
// id.
func (m *Manager) Reconcile(ctx context.Context) error {
	remote, err := m.store.List(ctx)
	if err != nil {
		return m.classify("", err)
	}

	byID := make(map[string]struct{}, len(remote))
	byName := make(map[string]string, len(remote))
	for _, doc := range remote {
		byID[doc.ID] = struct{}{}
		byName[doc.Name] = doc.ID
	}

	records, err := m.ledger.List()
	if err != nil {
		return err
	}

	for _, record := range records {
		if _, ok := byID[record.RemoteID]; ok {
			continue
		}
		if id, ok := byName[record.Filename]; ok {
			log.Printf("[Deliver] Re-adopting remote id %s for %s", id, record.StoryKey)
			record.RemoteID = id
			if err := m.ledger.Upsert(&record); err != nil {
				return err
			}
			continue
		}
		log.Printf("[Deliver] Remote copy of %s is gone, clearing ledger entry", record.StoryKey)
		if err := m.ledger.Delete(record.StoryKey); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) classify(storyKey string, err error) error {
	if errors.Is(err, ErrQuotaExceeded) {
		return &domain.RemoteQuotaExceededError{StoryID: storyKey}
	}
	return &domain.UploadTransportError{StoryID: storyKey, Err: err}
}
