package webhooks

import (
	"context"
	"net/http"

	"github.com/angelmondragon/charforge-backend/api/responses"
	"github.com/angelmondragon/charforge-backend/api/validators"
	"github.com/angelmondragon/charforge-backend/internal/webhooks"
	trainingwebhook "github.com/angelmondragon/charforge-backend/internal/webhooks/training"
	"github.com/angelmondragon/charforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/charforge-backend/pkg/errors"
	"github.com/angelmondragon/charforge-backend/pkg/logger"
	"github.com/angelmondragon/charforge-backend/pkg/metrics"
)

type TrainingWebhookService interface {
	Authenticate(secret string) bool
	HandleEvent(ctx context.Context, payload trainingwebhook.Payload) (webhooks.Result, error)
}

// TrainingWebhook reconciles job callbacks posted by the training worker.
// The shared secret is checked before the rest of the body is validated.
func TrainingWebhook(svc TrainingWebhookService, m *metrics.WebhookMetrics, logg *logger.Logger) http.HandlerFunc {
	provider := string(enums.WebhookProviderTraining)
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "training webhook unavailable"))
			return
		}

		var payload trainingwebhook.Payload
		if err := validators.DecodeJSON(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if !svc.Authenticate(payload.Secret) {
			m.IncSignatureFailure(provider)
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid webhook secret"))
			return
		}

		if err := validators.ValidateStruct(&payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.HandleEvent(ctx, payload)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		m.IncOutcome(provider, string(result.Outcome))
		responses.WriteSuccess(w, result)
	}
}
