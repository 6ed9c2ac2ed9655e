package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TokenBalance mirrors the token_balances table.
type TokenBalance struct {
	ID             string     `gorm:"type:uuid;primaryKey"`
	UserID         string     `gorm:"not null;uniqueIndex:uniq_token_balances_user"`
	UserType       string     `gorm:"not null;default:''"`
	UserTypeID     string     `gorm:"not null;default:''"`
	Balance        int64      `gorm:"not null;default:0;check:chk_token_balances_non_negative,balance >= 0"`
	TotalPurchased int64      `gorm:"not null;default:0"`
	TotalConsumed  int64      `gorm:"not null;default:0"`
	TotalGranted   int64      `gorm:"not null;default:0"`
	LastPurchaseAt *time.Time `gorm:""`
	CreatedAt      time.Time  `gorm:"not null"`
	UpdatedAt      time.Time  `gorm:"not null"`
}

func (TokenBalance) TableName() string { return "token_balances" }

func (balance *TokenBalance) BeforeCreate(tx *gorm.DB) error {
	if balance.ID == "" {
		balance.ID = uuid.NewString()
	}
	return nil
}

// TokenTransaction mirrors the token_transactions table.
type TokenTransaction struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"not null;index:idx_token_transactions_user_created,priority:1"`
	UserType      string         `gorm:"not null;default:''"`
	UserTypeID    string         `gorm:"not null;default:''"`
	Type          string         `gorm:"not null;index:idx_token_transactions_type"`
	Amount        int64          `gorm:"not null"`
	BalanceBefore int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null;check:chk_token_transactions_delta,balance_after - balance_before = amount"`
	Status        string         `gorm:"not null;index:idx_token_transactions_status"`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null"`
	IPAddress     string         `gorm:"not null;default:''"`
	UserAgent     string         `gorm:"not null;default:''"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_token_transactions_user_created,priority:2"`
	UpdatedAt     time.Time      `gorm:"not null"`
}

func (TokenTransaction) TableName() string { return "token_transactions" }

func (transaction *TokenTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	return nil
}

// AutoMigrate creates or updates the ledger tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&TokenBalance{}, &TokenTransaction{})
}
