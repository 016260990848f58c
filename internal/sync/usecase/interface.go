package usecase

import (
	"context"

	"storysync/internal/history"
	"storysync/internal/sync/domain"
	"storysync/internal/vault"
)

// Orchestrator drives one notification cycle through the pipeline. Trigger
// is safe to call from any goroutine and at any rate; cycles never overlap.
type Orchestrator interface {
	// Trigger runs a cycle if none is in progress. If a cycle is running,
	// exactly one follow-up cycle is queued; further triggers while one is
	// queued coalesce into it.
	Trigger(ctx context.Context) error
}

// CredentialSaver persists a refreshed credential (sealed) without exposing
// it to the caller.
type CredentialSaver func(cred *vault.Credential) error

// MailboxProvider opens authenticated mailbox sessions and refreshes
// credentials. Implemented by pkg/gmail.
type MailboxProvider interface {
	NewSession(ctx context.Context, cred *vault.Credential, onRefresh CredentialSaver) (history.Mailbox, error)
	Refresh(ctx context.Context, cred *vault.Credential) (*vault.Credential, error)
}

// Assembler builds a document from a story's chapters. Implemented by
// internal/assemble.
type Assembler interface {
	Assemble(storyID string, chapters []domain.Chapter) (*domain.Document, error)
}

// Deliverer uploads documents with ledger-based deduplication. Implemented
// by internal/deliver.
type Deliverer interface {
	Deliver(ctx context.Context, storyKey string, doc *domain.Document) (domain.DeliveryOutcome, error)
}
