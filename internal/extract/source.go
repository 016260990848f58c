// Package extract turns raw notification emails into extraction requests and
// fetches normalized chapter content from the identified source site.
package extract

import (
	"context"
	"fmt"

	"storysync/internal/sync/domain"
)

// Source is the capability interface for one supported source site. Adding a
// site means adding an implementation, not touching the orchestrator.
type Source interface {
	Kind() domain.SourceKind

	// Classify is a pure function of message content. Messages the source
	// does not recognize yield an empty slice, never an error.
	Classify(ref domain.MessageRef, raw *domain.RawMessage) []domain.ExtractionRequest

	// FetchChapter retrieves and normalizes one chapter. Fails with
	// SourceUnavailableError (retryable) or ContentBlockedError (permanent
	// for this cycle).
	FetchChapter(ctx context.Context, storyID string, index int) (*domain.Chapter, error)
}

// Registry holds the known sources, selected by kind.
type Registry struct {
	sources map[domain.SourceKind]Source
}

func NewRegistry(sources ...Source) *Registry {
	reg := &Registry{sources: make(map[domain.SourceKind]Source)}
	for _, s := range sources {
		reg.sources[s.Kind()] = s
	}
	return reg
}

// Classify runs every registered source over the message and concatenates
// their requests. Most messages match no source and yield nothing.
func (r *Registry) Classify(ref domain.MessageRef, raw *domain.RawMessage) []domain.ExtractionRequest {
	var requests []domain.ExtractionRequest
	for _, s := range r.sources {
		requests = append(requests, s.Classify(ref, raw)...)
	}
	return requests
}

// Lookup returns the source owning a request's kind.
func (r *Registry) Lookup(kind domain.SourceKind) (Source, error) {
	s, ok := r.sources[kind]
	if !ok {
		return nil, fmt.Errorf("no source registered for kind %q", kind)
	}
	return s, nil
}
