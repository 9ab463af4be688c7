package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/charforge-backend/pkg/logger"
)

const defaultPastDueGrace = 72 * time.Hour

// SubscriptionExpiryJobParams configures the job that flags lapsed plans.
type SubscriptionExpiryJobParams struct {
	Logger        *logger.Logger
	Subscriptions subscriptionExpirer
	Grace         time.Duration
	Now           func() time.Time
}

type subscriptionExpirer interface {
	ExpireLapsed(ctx context.Context, cutoff time.Time) (int, error)
}

// NewSubscriptionExpiryJob moves active subscriptions whose period ended more
// than Grace ago to past_due. Renewal invoices normally arrive well inside the grace window.
func NewSubscriptionExpiryJob(params SubscriptionExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Subscriptions == nil {
		return nil, fmt.Errorf("subscription service required")
	}
	grace := params.Grace
	if grace <= 0 {
		grace = defaultPastDueGrace
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &subscriptionExpiryJob{
		logg:  params.Logger,
		subs:  params.Subscriptions,
		grace: grace,
		now:   now,
	}, nil
}

type subscriptionExpiryJob struct {
	logg  *logger.Logger
	subs  subscriptionExpirer
	grace time.Duration
	now   func() time.Time
}

func (j *subscriptionExpiryJob) Name() string { return "subscription-expiry" }

func (j *subscriptionExpiryJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.grace)
	expired, err := j.subs.ExpireLapsed(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("subscription expiry: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"grace_hours":  j.grace.Hours(),
		"rows_updated": expired,
	})
	j.logg.Info(logCtx, "subscription expiry complete")
	return nil
}
