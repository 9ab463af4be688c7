package models

import (
	"time"

	"github.com/google/uuid"
)

// CreditBalance is the per-user credit account. Balance always equals
// TotalEarned minus TotalSpent.
type CreditBalance struct {
	UserID      uuid.UUID `gorm:"column:user_id;type:uuid;primaryKey"`
	Balance     int64     `gorm:"column:balance;not null;default:0"`
	TotalEarned int64     `gorm:"column:total_earned;not null;default:0"`
	TotalSpent  int64     `gorm:"column:total_spent;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (CreditBalance) TableName() string {
	return "credit_balances"
}
