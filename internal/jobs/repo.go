package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/charforge-backend/pkg/db/models"
	"github.com/angelmondragon/charforge-backend/pkg/enums"
)

// Repository persists paid jobs.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, job *models.PaidJob) error
	FindByExternalID(ctx context.Context, externalJobID string) (*models.PaidJob, error)
	LockByExternalID(ctx context.Context, externalJobID string) (*models.PaidJob, error)
	MarkFailed(ctx context.Context, id uuid.UUID, refunded *int64, errorMessage *string, at time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a paid job repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, job *models.PaidJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *repository) FindByExternalID(ctx context.Context, externalJobID string) (*models.PaidJob, error) {
	return first(r.db.WithContext(ctx).Where("external_job_id = ?", externalJobID))
}

func (r *repository) LockByExternalID(ctx context.Context, externalJobID string) (*models.PaidJob, error) {
	return first(r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_job_id = ?", externalJobID))
}

// MarkFailed only transitions a pending job that has not been refunded yet.
// refunded stays NULL unless credits were actually returned.
func (r *repository) MarkFailed(ctx context.Context, id uuid.UUID, refunded *int64, errorMessage *string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.PaidJob{}).
		Where("id = ? AND status = ? AND credits_refunded IS NULL", id, enums.JobStatusPending).
		Updates(map[string]any{
			"status":           enums.JobStatusFailed,
			"credits_refunded": refunded,
			"error_message":    errorMessage,
			"failed_at":        at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.PaidJob{}).
		Where("id = ? AND status = ?", id, enums.JobStatusPending).
		Updates(map[string]any{
			"status":       enums.JobStatusCompleted,
			"completed_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func first(query *gorm.DB) (*models.PaidJob, error) {
	var job models.PaidJob
	err := query.First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}
