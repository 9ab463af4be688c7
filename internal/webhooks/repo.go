package webhooks

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/charforge-backend/pkg/db/models"
	"github.com/angelmondragon/charforge-backend/pkg/enums"
)

// Repository records processed webhook deliveries by natural idempotency key.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	MarkProcessed(ctx context.Context, provider enums.WebhookProvider, key, eventType string, at time.Time) (bool, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a processed-event repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// MarkProcessed returns false when the key was already recorded for the provider and event type.
// Different event types on the same object, such as a failed and then paid invoice, are tracked separately.
func (r *repository) MarkProcessed(ctx context.Context, provider enums.WebhookProvider, key, eventType string, at time.Time) (bool, error) {
	row := &models.WebhookEvent{
		Provider:       provider,
		IdempotencyKey: key,
		EventType:      eventType,
		ProcessedAt:    at,
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "event_type"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("processed_at < ?", cutoff).
		Delete(&models.WebhookEvent{})
	return result.RowsAffected, result.Error
}
