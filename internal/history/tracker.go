// Package history computes the delta of new mailbox messages since the last
// persisted checkpoint.
package history

import (
	"context"
	"errors"
	"log"

	"storysync/internal/sync/domain"
)

// Mailbox is the logical contract of the remote mailbox API. The concrete
// implementation lives in pkg/gmail.
type Mailbox interface {
	HistorySince(ctx context.Context, cp domain.Checkpoint) ([]domain.MessageRef, domain.Checkpoint, error)
	LatestCheckpoint(ctx context.Context) (domain.Checkpoint, error)
	FetchMessage(ctx context.Context, messageID string) (*domain.RawMessage, error)
}

// Tracker diffs the mailbox against a checkpoint. It owns no state itself;
// the checkpoint is passed in and returned explicitly so that all persistence
// goes through the orchestrator's single lock.
type Tracker struct {
	mailbox Mailbox
}

func NewTracker(mailbox Mailbox) *Tracker {
	return &Tracker{mailbox: mailbox}
}

// Diff returns the messages that arrived after cp, ordered by arrival time
// with duplicate ids collapsed, and the checkpoint to persist once the cycle
// completes.
//
// When the mailbox reports cp as expired or unknown, Diff recovers by
// fetching the latest checkpoint and returning an empty delta: reprocessing
// the entire mailbox history would be worse than missing the window that
// expired.
func (t *Tracker) Diff(ctx context.Context, cp domain.Checkpoint) ([]domain.MessageRef, domain.Checkpoint, error) {
	refs, newCp, err := t.mailbox.HistorySince(ctx, cp)
	if err != nil {
		var invalid *domain.CheckpointInvalidError
		if errors.As(err, &invalid) {
			log.Printf("[History] Checkpoint %s expired, resyncing to latest mailbox state", cp)
			latest, lerr := t.mailbox.LatestCheckpoint(ctx)
			if lerr != nil {
				return nil, 0, lerr
			}
			return nil, latest, nil
		}
		return nil, 0, err
	}

	return dedupe(refs), newCp, nil
}

// dedupe collapses repeated message ids, keeping the first (earliest)
// occurrence so arrival order is preserved.
func dedupe(refs []domain.MessageRef) []domain.MessageRef {
	seen := make(map[string]struct{}, len(refs))
	out := refs[:0]
	for _, ref := range refs {
		if _, ok := seen[ref.MessageID]; ok {
			continue
		}
		seen[ref.MessageID] = struct{}{}
		out = append(out, ref)
	}
	return out
}
