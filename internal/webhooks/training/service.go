package trainingwebhook

import (
	"context"
	"crypto/subtle"
	stdErrors "errors"
	"strings"

	"github.com/angelmondragon/charforge-backend/internal/jobs"
	"github.com/angelmondragon/charforge-backend/internal/webhooks"
	"github.com/angelmondragon/charforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/charforge-backend/pkg/errors"
	"github.com/angelmondragon/charforge-backend/pkg/logger"
	"github.com/angelmondragon/charforge-backend/pkg/outbox/payloads"
)

// Training callback statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Payload is the body posted by the training worker.
type Payload struct {
	Secret        string `json:"secret" validate:"required"`
	ExternalJobID string `json:"externalJobId" validate:"required,max=255"`
	Status        string `json:"status" validate:"required,oneof=completed failed"`
	ErrorMessage  string `json:"errorMessage" validate:"max=4000"`
}

// Notification is returned to the worker and queued for the user.
type Notification struct {
	LoraModelID     string `json:"loraModelId"`
	CreditsRefunded int64  `json:"creditsRefunded"`
}

type jobReconciler interface {
	Fail(ctx context.Context, externalJobID, errorMessage string) (*jobs.FailResult, error)
	Complete(ctx context.Context, externalJobID string) (*jobs.CompleteResult, error)
}

type ServiceParams struct {
	Jobs   jobReconciler
	Secret string
	Logger *logger.Logger
}

// Service reconciles training job callbacks.
type Service struct {
	jobs   jobReconciler
	secret []byte
	logg   *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Jobs == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "job service required")
	}
	secret := strings.TrimSpace(params.Secret)
	if secret == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "training webhook secret required")
	}
	return &Service{jobs: params.Jobs, secret: []byte(secret), logg: params.Logger}, nil
}

// Authenticate compares the shared secret in constant time.
func (s *Service) Authenticate(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(secret), s.secret) == 1
}

// HandleEvent applies an authenticated callback.
func (s *Service) HandleEvent(ctx context.Context, payload Payload) (webhooks.Result, error) {
	result := webhooks.Result{
		EventType:      payload.Status,
		IdempotencyKey: payload.ExternalJobID,
	}

	var err error
	switch payload.Status {
	case StatusCompleted:
		err = s.complete(ctx, &result, payload)
	case StatusFailed:
		err = s.fail(ctx, &result, payload)
	default:
		return result, pkgerrors.New(pkgerrors.CodeValidation, "unsupported training status")
	}

	if stdErrors.Is(err, jobs.ErrJobNotFound) {
		result.Outcome = webhooks.OutcomeNotFound
		err = nil
	}
	if err != nil {
		return result, err
	}
	s.logOutcome(ctx, result)
	return result, nil
}

func (s *Service) complete(ctx context.Context, result *webhooks.Result, payload Payload) error {
	done, err := s.jobs.Complete(ctx, payload.ExternalJobID)
	if err != nil {
		return err
	}
	result.UserID = done.Job.UserID.String()
	result.Outcome = webhooks.OutcomeProcessed
	if done.AlreadyTerminal {
		result.Outcome = webhooks.OutcomeDuplicate
	}
	result.Data = payloads.TrainingJobCompletedEvent{UserID: done.Job.UserID, LoraModelID: done.Job.ExternalJobID}
	return nil
}

func (s *Service) fail(ctx context.Context, result *webhooks.Result, payload Payload) error {
	failed, err := s.jobs.Fail(ctx, payload.ExternalJobID, payload.ErrorMessage)
	if err != nil {
		return err
	}
	result.UserID = failed.Job.UserID.String()
	result.Outcome = webhooks.OutcomeProcessed
	if failed.AlreadyTerminal {
		result.Outcome = webhooks.OutcomeDuplicate
	}
	result.Data = Notification{
		LoraModelID:     failed.Notification.LoraModelID,
		CreditsRefunded: failed.Notification.CreditsRefunded,
	}
	return nil
}

func (s *Service) logOutcome(ctx context.Context, result webhooks.Result) {
	if s.logg == nil {
		return
	}
	logCtx := s.logg.WithWebhook(ctx, string(enums.WebhookProviderTraining), result.IdempotencyKey)
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"status":  result.EventType,
		"outcome": result.Outcome,
		"user_id": result.UserID,
	})
	s.logg.Info(logCtx, "training webhook handled")
}
