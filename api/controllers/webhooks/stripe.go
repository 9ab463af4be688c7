package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v79"

	"github.com/angelmondragon/charforge-backend/api/responses"
	"github.com/angelmondragon/charforge-backend/internal/webhooks"
	"github.com/angelmondragon/charforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/charforge-backend/pkg/errors"
	"github.com/angelmondragon/charforge-backend/pkg/logger"
	"github.com/angelmondragon/charforge-backend/pkg/metrics"
)

// maxStripePayloadBytes mirrors the payload ceiling Stripe documents for webhook bodies.
const maxStripePayloadBytes = 65536

type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event *stripe.Event) (webhooks.Result, error)
}

type stripeWebhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

type stripeEventVerifier interface {
	ConstructEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

// StripeWebhook verifies and reconciles Stripe payment events.
func StripeWebhook(svc StripeWebhookService, verifier stripeEventVerifier, guard stripeWebhookGuard, m *metrics.WebhookMetrics, logg *logger.Logger) http.HandlerFunc {
	provider := string(enums.WebhookProviderStripe)
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil || verifier == nil || guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stripe webhook unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxStripePayloadBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			m.IncSignatureFailure(provider)
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "stripe signature missing"))
			return
		}

		event, err := verifier.ConstructEvent(payload, sigHeader)
		if err != nil {
			m.IncSignatureFailure(provider)
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid stripe signature"))
			return
		}

		alreadyProcessed, err := guard.CheckAndMark(ctx, event.ID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
			return
		}
		if alreadyProcessed {
			m.IncOutcome(provider, string(webhooks.OutcomeDuplicate))
			responses.WriteSuccess(w, webhooks.Result{
				Outcome:        webhooks.OutcomeDuplicate,
				EventType:      string(event.Type),
				IdempotencyKey: event.ID,
			})
			return
		}

		result, err := svc.HandleEvent(ctx, &event)
		if err != nil {
			if delErr := guard.Delete(ctx, event.ID); delErr != nil && logg != nil {
				logg.Error(logg.WithWebhook(ctx, provider, event.ID), "release stripe idempotency key", delErr)
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}

		m.IncOutcome(provider, string(result.Outcome))
		responses.WriteSuccess(w, result)
	}
}
