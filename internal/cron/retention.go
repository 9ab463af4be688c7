package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/charforge-backend/pkg/logger"
)

const (
	webhookRetentionDays = 90
	outboxRetentionDays  = 30
	outboxMinAttempts    = 5
)

// retentionJob deletes rows older than a day-based window. Each table supplies
// its own prune function.
type retentionJob struct {
	name  string
	logg  *logger.Logger
	days  int
	prune func(ctx context.Context, cutoff time.Time) (int64, error)
	now   func() time.Time
}

func (j *retentionJob) Name() string { return j.name }

func (j *retentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().AddDate(0, 0, -j.days)
	deleted, err := j.prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.days,
		"rows_deleted":   deleted,
	}), "retention sweep complete")
	return nil
}

type WebhookRetentionJobParams struct {
	Logger     *logger.Logger
	Repository webhookEventsRepo
	Retention  int
}

type webhookEventsRepo interface {
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewWebhookRetentionJob prunes processed-delivery markers. Providers stop
// redelivering long before the window closes.
func NewWebhookRetentionJob(params WebhookRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("webhook event repository required")
	}
	return &retentionJob{
		name:  "webhook-event-retention",
		logg:  params.Logger,
		days:  positiveOr(params.Retention, webhookRetentionDays),
		prune: params.Repository.DeleteProcessedBefore,
		now:   time.Now,
	}, nil
}

type OutboxRetentionJobParams struct {
	Logger      *logger.Logger
	DB          txRunner
	Repository  outboxRetentionRepo
	Retention   int
	MinAttempts int
}

type outboxRetentionRepo interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error)
}

// NewOutboxRetentionJob prunes relayed notifications and dead rows that
// exhausted MinAttempts.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	minAttempts := positiveOr(params.MinAttempts, outboxMinAttempts)
	prune := func(ctx context.Context, cutoff time.Time) (int64, error) {
		var deleted int64
		err := params.DB.WithTx(ctx, func(tx *gorm.DB) error {
			rows, err := params.Repository.DeletePublishedBefore(ctx, tx, cutoff, minAttempts)
			deleted = rows
			return err
		})
		return deleted, err
	}
	return &retentionJob{
		name:  "outbox-retention",
		logg:  params.Logger,
		days:  positiveOr(params.Retention, outboxRetentionDays),
		prune: prune,
		now:   time.Now,
	}, nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
