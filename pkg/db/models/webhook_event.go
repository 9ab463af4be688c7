package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/charforge-backend/pkg/enums"
)

// WebhookEvent marks a provider delivery as processed. (provider, event_type, idempotency_key) is unique.
type WebhookEvent struct {
	ID             uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	Provider       enums.WebhookProvider `gorm:"column:provider;type:text;not null;uniqueIndex:ux_webhook_events_provider_type_key,priority:1"`
	IdempotencyKey string                `gorm:"column:idempotency_key;not null;uniqueIndex:ux_webhook_events_provider_type_key,priority:3"`
	EventType      string                `gorm:"column:event_type;not null;uniqueIndex:ux_webhook_events_provider_type_key,priority:2"`
	ProcessedAt    time.Time             `gorm:"column:processed_at;not null"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}

func (e *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
