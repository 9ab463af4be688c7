package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/charforge-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/charforge-backend/api/controllers/webhooks"
	"github.com/angelmondragon/charforge-backend/api/middleware"
	"github.com/angelmondragon/charforge-backend/internal/jobs"
	"github.com/angelmondragon/charforge-backend/internal/ledger"
	"github.com/angelmondragon/charforge-backend/internal/pricing"
	"github.com/angelmondragon/charforge-backend/internal/subscriptions"
	stripewebhook "github.com/angelmondragon/charforge-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/charforge-backend/pkg/config"
	"github.com/angelmondragon/charforge-backend/pkg/enums"
	"github.com/angelmondragon/charforge-backend/pkg/logger"
	"github.com/angelmondragon/charforge-backend/pkg/metrics"
	"github.com/angelmondragon/charforge-backend/pkg/redis"
	"github.com/angelmondragon/charforge-backend/pkg/stripe"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisP controllers.Pinger,
	idempotencyStore redis.IdempotencyStore,
	gatherer prometheus.Gatherer,
	webhookMetrics *metrics.WebhookMetrics,
	ledgerService ledger.Service,
	subscriptionService subscriptions.Service,
	jobService jobs.Service,
	catalog pricing.Catalog,
	stripeClient *stripe.Client,
	stripeWebhookService webhookcontrollers.StripeWebhookService,
	stripeWebhookGuard *stripewebhook.IdempotencyGuard,
	trainingWebhookService webhookcontrollers.TrainingWebhookService,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"db":    dbP,
			"redis": redisP,
		}))
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(stripeWebhookService, stripeClient, stripeWebhookGuard, webhookMetrics, logg))
		r.Post("/training", webhookcontrollers.TrainingWebhook(trainingWebhookService, webhookMetrics, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Get("/credits/balance", controllers.GetCreditBalance(ledgerService, logg))
		r.Get("/credits/entries", controllers.ListCreditEntries(ledgerService, logg))
		r.Post("/credits/affordability", controllers.CheckAffordability(ledgerService, logg))
		r.Get("/subscription", controllers.GetSubscription(subscriptionService, logg))

		// Grouped so the idempotency middleware sees the full route pattern.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Idempotency(idempotencyStore, logg))
			r.Post("/credits/debit", controllers.DebitCredits(ledgerService, logg))
			r.Post("/credits/debit-raw", controllers.DebitRawCredits(ledgerService, logg))
			r.Post("/training-jobs", controllers.CreateTrainingJob(jobService, catalog, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(enums.UserRoleAdmin, logg))
		r.Group(func(r chi.Router) {
			r.Use(middleware.Idempotency(idempotencyStore, logg))
			r.Post("/credits/adjust", controllers.AdminAdjustCredits(ledgerService, logg))
		})
	})

	return r
}
