package domain

import "time"

// Account is the synchronized mailbox owner. Credential holds the sealed
// OAuth token blob; the cleartext never reaches this struct.
type Account struct {
	Email      string    `json:"email" gorm:"primaryKey"`
	Credential string    `json:"-" gorm:"not null"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName specifies the table name for Account
func (Account) TableName() string {
	return "accounts"
}
