package domain

import "time"

// CheckpointState is the single persisted row holding the mailbox checkpoint.
type CheckpointState struct {
	ID        int        `json:"-" gorm:"primaryKey"`
	Value     Checkpoint `json:"value" gorm:"not null"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName specifies the table name for CheckpointState
func (CheckpointState) TableName() string {
	return "checkpoint_state"
}

// DeliveryRecord is the ledger entry for the last successful delivery of a
// story. StoryKey combines source kind and story id.
type DeliveryRecord struct {
	StoryKey    string    `json:"story_key" gorm:"primaryKey"`
	Fingerprint string    `json:"fingerprint" gorm:"type:varchar(64);not null"`
	RemoteID    string    `json:"remote_id" gorm:"not null"`
	Filename    string    `json:"filename"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// TableName specifies the table name for DeliveryRecord
func (DeliveryRecord) TableName() string {
	return "delivery_ledger"
}

// PendingRetry marks a story whose last cycle ended in a permanent per-item
// failure. The next cycle re-attempts it even though the history diff will
// not surface the triggering messages again.
type PendingRetry struct {
	StoryKey    string     `json:"story_key" gorm:"primaryKey"`
	Source      SourceKind `json:"source" gorm:"not null"`
	StoryID     string     `json:"story_id" gorm:"not null"`
	ChapterFrom int        `json:"chapter_from"`
	ChapterTo   int        `json:"chapter_to"`
	Reason      string     `json:"reason"`
	FailedAt    time.Time  `json:"failed_at"`
}

// TableName specifies the table name for PendingRetry
func (PendingRetry) TableName() string {
	return "pending_retries"
}

// Request rebuilds the extraction request a retry marker stands for.
func (p PendingRetry) Request() ExtractionRequest {
	return ExtractionRequest{
		Source:   p.Source,
		StoryID:  p.StoryID,
		Chapters: ChapterRange{From: p.ChapterFrom, To: p.ChapterTo},
	}
}
