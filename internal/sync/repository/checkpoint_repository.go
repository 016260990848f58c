package repository

import (
	"time"

	"storysync/internal/sync/domain"

	"gorm.io/gorm"
)

// The checkpoint lives in a single well-known row.
const checkpointRowID = 1

// checkpointRepository implements CheckpointRepository interface
type checkpointRepository struct {
	db *gorm.DB
}

// NewCheckpointRepository creates a new instance of checkpointRepository
func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{
		db: db,
	}
}

// Get returns the stored checkpoint, or zero when the pipeline has never run.
func (r *checkpointRepository) Get() (domain.Checkpoint, error) {
	var state domain.CheckpointState
	err := r.db.Where("id = ?", checkpointRowID).First(&state).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, err
	}
	return state.Value, nil
}

// Advance stores cp only if it is strictly ahead of the current value, so a
// stale cycle can never roll the checkpoint back.
func (r *checkpointRepository) Advance(cp domain.Checkpoint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var state domain.CheckpointState
		err := tx.Where("id = ?", checkpointRowID).First(&state).Error
		if err == gorm.ErrRecordNotFound {
			state = domain.CheckpointState{ID: checkpointRowID, Value: cp, UpdatedAt: time.Now()}
			return tx.Create(&state).Error
		} else if err != nil {
			return err
		}

		if !cp.MoreRecentThan(state.Value) {
			return nil
		}
		state.Value = cp
		state.UpdatedAt = time.Now()
		return tx.Save(&state).Error
	})
}

// Reset unconditionally overwrites the checkpoint. Intended for an operator
// recovering from an unrecoverable mailbox state, never called by the pipeline.
func (r *checkpointRepository) Reset(cp domain.Checkpoint) error {
	state := domain.CheckpointState{ID: checkpointRowID, Value: cp, UpdatedAt: time.Now()}
	return r.db.Save(&state).Error
}
