package repository

import (
	"errors"
	"time"

	accountdomain "storysync/internal/account/domain"

	"gorm.io/gorm"
)

// AccountRepository persists the mailbox account and its sealed credential.
type AccountRepository interface {
	FindByEmail(email string) (*accountdomain.Account, error)
	Save(account *accountdomain.Account) error
}

// accountRepository implements AccountRepository interface
type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new instance of accountRepository
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{
		db: db,
	}
}

func (r *accountRepository) FindByEmail(email string) (*accountdomain.Account, error) {
	var account accountdomain.Account
	err := r.db.Where("email = ?", email).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) Save(account *accountdomain.Account) error {
	account.UpdatedAt = time.Now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = account.UpdatedAt
	}
	return r.db.Save(account).Error
}
