package subscriptions

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/charforge-backend/pkg/db/models"
	"github.com/angelmondragon/charforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/charforge-backend/pkg/errors"
	"github.com/angelmondragon/charforge-backend/pkg/outbox"
	"github.com/angelmondragon/charforge-backend/pkg/outbox/payloads"
)

// DefaultPeriod is applied when activation does not carry a period end.
const DefaultPeriod = 30 * 24 * time.Hour

const expireBatchSize = 200

// ErrSubscriptionNotFound is returned when no subscription matches the lookup.
var ErrSubscriptionNotFound = stdErrors.New("subscription not found")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service defines the subscription state surface.
type Service interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	Activate(ctx context.Context, input ActivateInput) (*models.Subscription, bool, error)
	ActivateWithTx(ctx context.Context, tx *gorm.DB, input ActivateInput) (*models.Subscription, bool, error)
	MarkPastDueWithTx(ctx context.Context, tx *gorm.DB, externalSubscriptionID string) (*models.Subscription, error)
	CancelWithTx(ctx context.Context, tx *gorm.DB, externalSubscriptionID string) (*models.Subscription, error)
	ExpireLapsed(ctx context.Context, cutoff time.Time) (int, error)
}

// ServiceParams groups dependencies for the subscription service.
type ServiceParams struct {
	Repo   Repository
	DB     txRunner
	Outbox outboxPublisher
	Now    func() time.Time
}

// ActivateInput starts or renews a plan. A nil PeriodEnd means DefaultPeriod from now.
type ActivateInput struct {
	UserID                 uuid.UUID
	PlanID                 string
	ExternalSubscriptionID string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
}

type service struct {
	repo   Repository
	db     txRunner
	outbox outboxPublisher
	now    func() time.Time
}

// NewService builds a subscription service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription repository required")
	}
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox publisher required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:   params.Repo,
		db:     params.DB,
		outbox: params.Outbox,
		now:    now,
	}, nil
}

func (s *service) Get(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	sub, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrSubscriptionNotFound, "subscription not found")
	}
	return sub, nil
}

func (s *service) Activate(ctx context.Context, input ActivateInput) (*models.Subscription, bool, error) {
	var (
		sub     *models.Subscription
		changed bool
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var txErr error
		sub, changed, txErr = s.ActivateWithTx(ctx, tx, input)
		return txErr
	})
	if err != nil {
		return nil, false, err
	}
	return sub, changed, nil
}

// ActivateWithTx upserts the user's subscription as active. The bool reports whether anything was written.
func (s *service) ActivateWithTx(ctx context.Context, tx *gorm.DB, input ActivateInput) (*models.Subscription, bool, error) {
	if input.UserID == uuid.Nil {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	planID := strings.TrimSpace(input.PlanID)
	if planID == "" {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}

	repo := s.repo.WithTx(tx)
	now := s.now().UTC()
	existing, err := repo.LockByUserID(ctx, input.UserID)
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock subscription")
	}

	externalID := optionalString(input.ExternalSubscriptionID)
	periodStart := now
	if input.PeriodStart != nil {
		periodStart = input.PeriodStart.UTC()
	}
	periodEnd := periodStart.Add(DefaultPeriod)
	if input.PeriodEnd != nil {
		periodEnd = input.PeriodEnd.UTC()
	}

	if existing == nil {
		sub := &models.Subscription{
			UserID:                 input.UserID,
			Tier:                   planID,
			Status:                 enums.SubscriptionStatusActive,
			ExternalSubscriptionID: externalID,
			CurrentPeriodStart:     periodStart,
			CurrentPeriodEnd:       periodEnd,
		}
		if err := repo.Create(ctx, sub); err != nil {
			return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create subscription")
		}
		return sub, true, nil
	}

	if alreadyActive(existing, planID, externalID, input, now) {
		return existing, false, nil
	}

	existing.Tier = planID
	existing.Status = enums.SubscriptionStatusActive
	existing.ExternalSubscriptionID = externalID
	existing.CurrentPeriodStart = periodStart
	existing.CurrentPeriodEnd = periodEnd
	existing.CanceledAt = nil
	if err := repo.Save(ctx, existing); err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription")
	}
	return existing, true, nil
}

// alreadyActive reports whether applying input would leave sub unchanged.
// Without an explicit period the stored one is kept while it is still running.
func alreadyActive(sub *models.Subscription, planID string, externalID *string, input ActivateInput, now time.Time) bool {
	if sub.Status != enums.SubscriptionStatusActive || sub.Tier != planID {
		return false
	}
	if !sameOptional(sub.ExternalSubscriptionID, externalID) {
		return false
	}
	if input.PeriodStart != nil && !sub.CurrentPeriodStart.Equal(*input.PeriodStart) {
		return false
	}
	if input.PeriodEnd == nil {
		return sub.CurrentPeriodEnd.After(now)
	}
	return sub.CurrentPeriodEnd.Equal(*input.PeriodEnd)
}

func (s *service) MarkPastDueWithTx(ctx context.Context, tx *gorm.DB, externalSubscriptionID string) (*models.Subscription, error) {
	return s.transition(ctx, tx, externalSubscriptionID, enums.SubscriptionStatusPastDue)
}

func (s *service) CancelWithTx(ctx context.Context, tx *gorm.DB, externalSubscriptionID string) (*models.Subscription, error) {
	return s.transition(ctx, tx, externalSubscriptionID, enums.SubscriptionStatusCancelled)
}

func (s *service) transition(ctx context.Context, tx *gorm.DB, externalID string, target enums.SubscriptionStatus) (*models.Subscription, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external subscription id is required")
	}
	repo := s.repo.WithTx(tx)
	sub, err := repo.LockByExternalID(ctx, externalID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock subscription")
	}
	if sub == nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrSubscriptionNotFound, "subscription not found")
	}
	if sub.Status == target || sub.Status == enums.SubscriptionStatusCancelled {
		return sub, nil
	}

	sub.Status = target
	if target == enums.SubscriptionStatusCancelled {
		canceledAt := s.now().UTC()
		sub.CanceledAt = &canceledAt
	}
	if err := repo.Save(ctx, sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription")
	}
	if err := s.emitStatus(ctx, tx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// ExpireLapsed moves active subscriptions whose period ended before cutoff to past_due.
func (s *service) ExpireLapsed(ctx context.Context, cutoff time.Time) (int, error) {
	expired := 0
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		rows, err := repo.LockLapsed(ctx, cutoff.UTC(), expireBatchSize)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load lapsed subscriptions")
		}
		for i := range rows {
			sub := &rows[i]
			sub.Status = enums.SubscriptionStatusPastDue
			if err := repo.Save(ctx, sub); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "expire subscription")
			}
			if err := s.emitStatus(ctx, tx, sub); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

func (s *service) emitStatus(ctx context.Context, tx *gorm.DB, sub *models.Subscription) error {
	eventType := enums.EventSubscriptionPastDue
	if sub.Status == enums.SubscriptionStatusCancelled {
		eventType = enums.EventSubscriptionCancelled
	}
	event := outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   sub.ID,
		Actor:         &outbox.ActorRef{UserID: sub.UserID},
		Data: payloads.SubscriptionStatusEvent{
			UserID:           sub.UserID,
			Tier:             sub.Tier,
			Status:           string(sub.Status),
			CurrentPeriodEnd: sub.CurrentPeriodEnd,
			CanceledAt:       sub.CanceledAt,
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit subscription status event")
	}
	return nil
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func sameOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
