package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/charforge-backend/pkg/enums"
)

// LedgerEntry is an immutable record of a single balance change.
type LedgerEntry struct {
	ID            uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	UserID        uuid.UUID             `gorm:"column:user_id;type:uuid;not null;index:idx_credit_ledger_entries_user_created,priority:1"`
	Type          enums.LedgerEntryType `gorm:"column:entry_type;type:text;not null"`
	Amount        int64                 `gorm:"column:amount;not null"`
	BalanceAfter  int64                 `gorm:"column:balance_after;not null"`
	ReferenceType *string               `gorm:"column:reference_type"`
	ReferenceID   *string               `gorm:"column:reference_id"`
	Description   *string               `gorm:"column:description"`
	CreatedAt     time.Time             `gorm:"column:created_at;autoCreateTime;index:idx_credit_ledger_entries_user_created,priority:2"`
}

func (LedgerEntry) TableName() string {
	return "credit_ledger_entries"
}

func (e *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
