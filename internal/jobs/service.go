package jobs

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/charforge-backend/internal/ledger"
	"github.com/angelmondragon/charforge-backend/pkg/db"
	"github.com/angelmondragon/charforge-backend/pkg/db/models"
	"github.com/angelmondragon/charforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/charforge-backend/pkg/errors"
	"github.com/angelmondragon/charforge-backend/pkg/logger"
	"github.com/angelmondragon/charforge-backend/pkg/outbox"
	"github.com/angelmondragon/charforge-backend/pkg/outbox/payloads"
)

const maxErrorMessageLength = 1000

// ErrJobNotFound is returned when no job carries the external id.
var ErrJobNotFound = stdErrors.New("paid job not found")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ledgerWriter interface {
	DebitRawWithTx(ctx context.Context, tx *gorm.DB, input ledger.DebitRawInput) (*ledger.DebitResult, error)
	CreditWithTx(ctx context.Context, tx *gorm.DB, input ledger.CreditInput) (*ledger.CreditResult, error)
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service charges for externally executed jobs and refunds them when they fail.
type Service interface {
	Create(ctx context.Context, input CreateJobInput) (*CreateJobResult, error)
	Get(ctx context.Context, userID uuid.UUID, externalJobID string) (*models.PaidJob, error)
	MaybeRefund(ctx context.Context, tx *gorm.DB, job *models.PaidJob) (RefundResult, error)
	Fail(ctx context.Context, externalJobID, errorMessage string) (*FailResult, error)
	Complete(ctx context.Context, externalJobID string) (*CompleteResult, error)
}

// ServiceParams wires the job service dependencies.
type ServiceParams struct {
	Repo   Repository
	Ledger ledgerWriter
	DB     txRunner
	Outbox outboxPublisher
	Logger *logger.Logger
	Now    func() time.Time
}

type CreateJobInput struct {
	UserID        uuid.UUID
	Kind          enums.JobKind
	ExternalJobID string
	Credits       int64
}

type CreateJobResult struct {
	Job          *models.PaidJob `json:"job"`
	BalanceAfter *int64          `json:"balance_after,omitempty"`
}

// RefundResult reports whether MaybeRefund issued credits.
type RefundResult struct {
	Issued       bool
	Amount       int64
	BalanceAfter int64
}

// FailResult carries the user notification for a failed job.
type FailResult struct {
	Job             *models.PaidJob
	AlreadyTerminal bool
	Notification    payloads.CreditsRefundedEvent
}

type CompleteResult struct {
	Job             *models.PaidJob
	AlreadyTerminal bool
}

type service struct {
	repo   Repository
	ledger ledgerWriter
	db     txRunner
	outbox outboxPublisher
	logg   *logger.Logger
	now    func() time.Time
}

// NewService validates dependencies and builds the job service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "job repository required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger required")
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
		ledger: params.Ledger,
		db:     params.DB,
		outbox: params.Outbox,
		logg:   params.Logger,
		now:    now,
	}, nil
}

// Create debits the job's credits and records it as pending in one transaction.
func (s *service) Create(ctx context.Context, input CreateJobInput) (*CreateJobResult, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	externalID := strings.TrimSpace(input.ExternalJobID)
	if externalID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external job id is required")
	}
	if input.Credits < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "credits must not be negative")
	}
	kind := input.Kind
	if kind == "" {
		kind = enums.JobKindLoraTraining
	}
	if !kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid job kind")
	}

	job := &models.PaidJob{
		ID:            uuid.New(),
		UserID:        input.UserID,
		Kind:          kind,
		ExternalJobID: externalID,
		Status:        enums.JobStatusPending,
	}
	result := &CreateJobResult{Job: job}

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if input.Credits > 0 {
			reference := job.ID.String()
			description := string(kind) + " " + externalID
			debit, err := s.ledger.DebitRawWithTx(ctx, tx, ledger.DebitRawInput{
				UserID:        input.UserID,
				Amount:        input.Credits,
				ReferenceType: ledger.ReferenceTypePaidJob,
				ReferenceID:   &reference,
				Description:   &description,
			})
			if err != nil {
				return err
			}
			charged := input.Credits
			job.CreditsCharged = &charged
			result.BalanceAfter = &debit.BalanceAfter
		}
		if err := s.repo.WithTx(tx).Create(ctx, job); err != nil {
			if db.IsUniqueViolation(err, "") {
				return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "external job id already registered")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create paid job")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) Get(ctx context.Context, userID uuid.UUID, externalJobID string) (*models.PaidJob, error) {
	job, err := s.repo.FindByExternalID(ctx, strings.TrimSpace(externalJobID))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load paid job")
	}
	if job == nil || job.UserID != userID {
		return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrJobNotFound, "job not found")
	}
	return job, nil
}

// MaybeRefund credits back what the job charged, unless nothing was charged or a refund already exists.
func (s *service) MaybeRefund(ctx context.Context, tx *gorm.DB, job *models.PaidJob) (RefundResult, error) {
	if job == nil {
		return RefundResult{}, pkgerrors.New(pkgerrors.CodeInternal, "job required")
	}
	if job.CreditsCharged == nil || *job.CreditsCharged <= 0 || job.CreditsRefunded != nil {
		return RefundResult{}, nil
	}

	amount := *job.CreditsCharged
	referenceType := ledger.ReferenceTypePaidJob
	referenceID := job.ID.String()
	description := "refund for failed " + string(job.Kind) + " " + job.ExternalJobID
	credit, err := s.ledger.CreditWithTx(ctx, tx, ledger.CreditInput{
		UserID:        job.UserID,
		Amount:        amount,
		Reason:        enums.LedgerEntryRefund,
		ReferenceType: &referenceType,
		ReferenceID:   &referenceID,
		Description:   &description,
	})
	if err != nil {
		return RefundResult{}, err
	}
	return RefundResult{Issued: true, Amount: amount, BalanceAfter: credit.BalanceAfter}, nil
}

// Fail moves a pending job to failed, refunding it at most once.
func (s *service) Fail(ctx context.Context, externalJobID, errorMessage string) (*FailResult, error) {
	externalJobID = strings.TrimSpace(externalJobID)
	if externalJobID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external job id is required")
	}
	message := truncate(strings.TrimSpace(errorMessage))

	var result *FailResult
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		job, err := repo.LockByExternalID(ctx, externalJobID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock paid job")
		}
		if job == nil {
			return pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrJobNotFound, "job not found")
		}
		if job.Status.IsTerminal() {
			result = &FailResult{Job: job, AlreadyTerminal: true, Notification: notificationFor(job, message)}
			return nil
		}

		refund, err := s.MaybeRefund(ctx, tx, job)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		var messagePtr *string
		if message != "" {
			messagePtr = &message
		}
		var refunded *int64
		if refund.Issued {
			amount := refund.Amount
			refunded = &amount
		}
		updated, err := repo.MarkFailed(ctx, job.ID, refunded, messagePtr, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark job failed")
		}
		if !updated {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "job changed state during failure handling")
		}

		job.Status = enums.JobStatusFailed
		job.CreditsRefunded = refunded
		job.ErrorMessage = messagePtr
		job.FailedAt = &now

		notification := notificationFor(job, message)
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventCreditsRefunded,
			AggregateType: enums.AggregatePaidJob,
			AggregateID:   job.ID,
			Actor:         &outbox.ActorRef{UserID: job.UserID},
			Data:          notification,
			OccurredAt:    now,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit refund notification")
		}

		result = &FailResult{Job: job, Notification: notification}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil && !result.AlreadyTerminal {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"job_id":           result.Job.ID.String(),
			"external_job_id":  result.Job.ExternalJobID,
			"user_id":          result.Job.UserID.String(),
			"credits_refunded": result.Notification.CreditsRefunded,
		})
		s.logg.Info(logCtx, "paid job failed")
	}
	return result, nil
}

// Complete moves a pending job to completed; terminal jobs are left untouched.
func (s *service) Complete(ctx context.Context, externalJobID string) (*CompleteResult, error) {
	externalJobID = strings.TrimSpace(externalJobID)
	if externalJobID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external job id is required")
	}

	var result *CompleteResult
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		job, err := repo.LockByExternalID(ctx, externalJobID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock paid job")
		}
		if job == nil {
			return pkgerrors.Wrap(pkgerrors.CodeNotFound, ErrJobNotFound, "job not found")
		}
		if job.Status.IsTerminal() {
			result = &CompleteResult{Job: job, AlreadyTerminal: true}
			return nil
		}

		now := s.now().UTC()
		updated, err := repo.MarkCompleted(ctx, job.ID, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark job completed")
		}
		if !updated {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "job changed state during completion")
		}
		job.Status = enums.JobStatusCompleted
		job.CompletedAt = &now

		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventTrainingJobCompleted,
			AggregateType: enums.AggregatePaidJob,
			AggregateID:   job.ID,
			Actor:         &outbox.ActorRef{UserID: job.UserID},
			Data: payloads.TrainingJobCompletedEvent{
				UserID:      job.UserID,
				LoraModelID: job.ExternalJobID,
			},
			OccurredAt: now,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit completion notification")
		}

		result = &CompleteResult{Job: job}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func notificationFor(job *models.PaidJob, message string) payloads.CreditsRefundedEvent {
	var refunded int64
	if job.CreditsRefunded != nil {
		refunded = *job.CreditsRefunded
	}
	if message == "" && job.ErrorMessage != nil {
		message = *job.ErrorMessage
	}
	return payloads.CreditsRefundedEvent{
		UserID:          job.UserID,
		LoraModelID:     job.ExternalJobID,
		CreditsRefunded: refunded,
		ErrorMessage:    message,
	}
}

// truncate caps message at maxErrorMessageLength bytes without splitting a rune.
func truncate(message string) string {
	if len(message) <= maxErrorMessageLength {
		return message
	}
	cut := maxErrorMessageLength
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
