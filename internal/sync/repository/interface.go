package repository

import (
	"storysync/internal/sync/domain"
)

// CheckpointRepository persists the single mailbox checkpoint.
type CheckpointRepository interface {
	// Get returns the stored checkpoint, or zero if none was ever stored.
	Get() (domain.Checkpoint, error)
	// Advance stores cp only if it is ahead of the current value.
	Advance(cp domain.Checkpoint) error
	// Reset unconditionally overwrites the checkpoint. Operator use only.
	Reset(cp domain.Checkpoint) error
}

// LedgerRepository persists delivery records keyed by story.
type LedgerRepository interface {
	Get(storyKey string) (*domain.DeliveryRecord, error)
	Upsert(record *domain.DeliveryRecord) error
	Delete(storyKey string) error
	List() ([]domain.DeliveryRecord, error)
}

// RetryRepository persists the pending-retry set.
type RetryRepository interface {
	Upsert(retry *domain.PendingRetry) error
	Delete(storyKey string) error
	List() ([]domain.PendingRetry, error)
}
