package domain

import (
	"errors"
	"fmt"
)

// TransientFetchError reports a retryable mailbox failure (network, timeout,
// 5xx). The orchestrator retries these with bounded backoff.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient mailbox failure during %s: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// CheckpointInvalidError reports that the mailbox no longer recognizes the
// stored checkpoint. Not retryable; requires a resync against the latest
// mailbox state.
type CheckpointInvalidError struct {
	Checkpoint Checkpoint
}

func (e *CheckpointInvalidError) Error() string {
	return fmt.Sprintf("mailbox reports checkpoint %s as expired or unknown", e.Checkpoint)
}

// SourceUnavailableError reports a retryable source-site failure.
type SourceUnavailableError struct {
	Source  SourceKind
	StoryID string
	Err     error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable for story %s: %v", e.Source, e.StoryID, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// ContentBlockedError reports that the source is actively rejecting automated
// access (403/429). Permanent for this cycle; the affected request is
// abandoned without failing the whole cycle.
type ContentBlockedError struct {
	Source  SourceKind
	StoryID string
	Status  int
}

func (e *ContentBlockedError) Error() string {
	return fmt.Sprintf("source %s is blocking access to story %s (status %d)", e.Source, e.StoryID, e.Status)
}

// IncompleteStoryError reports that assembly was rejected: either no chapters
// at all, or a gap was detected while strict assembly is configured.
type IncompleteStoryError struct {
	StoryID string
	Missing []int
}

func (e *IncompleteStoryError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("story %s has no chapters to assemble", e.StoryID)
	}
	return fmt.Sprintf("story %s is missing chapters %v", e.StoryID, e.Missing)
}

// UploadTransportError reports a retryable remote-store failure.
type UploadTransportError struct {
	StoryID string
	Err     error
}

func (e *UploadTransportError) Error() string {
	return fmt.Sprintf("upload transport failure for story %s: %v", e.StoryID, e.Err)
}

func (e *UploadTransportError) Unwrap() error { return e.Err }

// RemoteQuotaExceededError reports that the remote store refused the upload
// for quota reasons. Permanent for this cycle; the story is retried on the
// next notification.
type RemoteQuotaExceededError struct {
	StoryID string
}

func (e *RemoteQuotaExceededError) Error() string {
	return fmt.Sprintf("remote store quota exceeded while delivering story %s", e.StoryID)
}

// DecryptionError reports that a sealed credential blob failed authentication
// or is malformed. The vault never returns corrupted plaintext.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "credential decryption failed: " + e.Reason
}

// IsTransient reports whether err (or anything in its chain) is retryable
// with backoff.
func IsTransient(err error) bool {
	var tf *TransientFetchError
	var su *SourceUnavailableError
	var ut *UploadTransportError
	return errors.As(err, &tf) || errors.As(err, &su) || errors.As(err, &ut)
}

// IsPermanentPerItem reports whether err permanently fails a single story or
// credential for this cycle while letting the rest of the cycle proceed.
func IsPermanentPerItem(err error) bool {
	var cb *ContentBlockedError
	var rq *RemoteQuotaExceededError
	var de *DecryptionError
	return errors.As(err, &cb) || errors.As(err, &rq) || errors.As(err, &de)
}
