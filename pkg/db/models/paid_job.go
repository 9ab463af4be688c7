package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/charforge-backend/pkg/enums"
)

// PaidJob is an externally executed job whose credits were debited up front.
// CreditsRefunded stays nil until a refund is issued.
type PaidJob struct {
	ID              uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	UserID          uuid.UUID       `gorm:"column:user_id;type:uuid;not null;index"`
	Kind            enums.JobKind   `gorm:"column:kind;type:text;not null"`
	ExternalJobID   string          `gorm:"column:external_job_id;not null;uniqueIndex"`
	Status          enums.JobStatus `gorm:"column:status;type:text;not null;default:'pending'"`
	CreditsCharged  *int64          `gorm:"column:credits_charged"`
	CreditsRefunded *int64          `gorm:"column:credits_refunded"`
	ErrorMessage    *string         `gorm:"column:error_message"`
	CompletedAt     *time.Time      `gorm:"column:completed_at"`
	FailedAt        *time.Time      `gorm:"column:failed_at"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (PaidJob) TableName() string {
	return "paid_jobs"
}

func (j *PaidJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}
