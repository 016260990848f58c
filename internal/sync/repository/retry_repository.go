package repository

import (
	"storysync/internal/sync/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// retryRepository implements RetryRepository interface
type retryRepository struct {
	db *gorm.DB
}

// NewRetryRepository creates a new instance of retryRepository
func NewRetryRepository(db *gorm.DB) RetryRepository {
	return &retryRepository{
		db: db,
	}
}

// Upsert atomically records or refreshes the retry marker for a story.
func (r *retryRepository) Upsert(retry *domain.PendingRetry) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "story_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"source", "story_id", "chapter_from", "chapter_to", "reason", "failed_at"}),
	}).Create(retry).Error
}

// Delete removes the retry marker once the story reached a successful
// terminal outcome.
func (r *retryRepository) Delete(storyKey string) error {
	return r.db.Where("story_key = ?", storyKey).Delete(&domain.PendingRetry{}).Error
}

// List returns all stories waiting for another attempt.
func (r *retryRepository) List() ([]domain.PendingRetry, error) {
	var retries []domain.PendingRetry
	err := r.db.Order("failed_at ASC").Find(&retries).Error
	return retries, err
}
