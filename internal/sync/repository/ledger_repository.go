package repository

import (
	"storysync/internal/sync/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ledgerRepository implements LedgerRepository interface
type ledgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a new instance of ledgerRepository
func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{
		db: db,
	}
}

// Get returns the delivery record for a story, or nil when the story has
// never been delivered.
func (r *ledgerRepository) Get(storyKey string) (*domain.DeliveryRecord, error) {
	var record domain.DeliveryRecord
	err := r.db.Where("story_key = ?", storyKey).First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// Upsert atomically inserts or replaces the record for its story.
func (r *ledgerRepository) Upsert(record *domain.DeliveryRecord) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "story_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"fingerprint", "remote_id", "filename", "delivered_at"}),
	}).Create(record).Error
}

// Delete removes a ledger entry whose remote document no longer exists.
func (r *ledgerRepository) Delete(storyKey string) error {
	return r.db.Where("story_key = ?", storyKey).Delete(&domain.DeliveryRecord{}).Error
}

// List returns all ledger entries, newest delivery first.
func (r *ledgerRepository) List() ([]domain.DeliveryRecord, error) {
	var records []domain.DeliveryRecord
	err := r.db.Order("delivered_at DESC").Find(&records).Error
	return records, err
}
