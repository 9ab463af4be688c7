package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/charforge-backend/api/routes"
	"github.com/angelmondragon/charforge-backend/internal/jobs"
	"github.com/angelmondragon/charforge-backend/internal/ledger"
	"github.com/angelmondragon/charforge-backend/internal/pricing"
	"github.com/angelmondragon/charforge-backend/internal/references"
	"github.com/angelmondragon/charforge-backend/internal/subscriptions"
	"github.com/angelmondragon/charforge-backend/internal/webhooks"
	stripewebhook "github.com/angelmondragon/charforge-backend/internal/webhooks/stripe"
	trainingwebhook "github.com/angelmondragon/charforge-backend/internal/webhooks/training"
	"github.com/angelmondragon/charforge-backend/pkg/config"
	"github.com/angelmondragon/charforge-backend/pkg/db"
	"github.com/angelmondragon/charforge-backend/pkg/instance"
	"github.com/angelmondragon/charforge-backend/pkg/logger"
	"github.com/angelmondragon/charforge-backend/pkg/metrics"
	"github.com/angelmondragon/charforge-backend/pkg/migrate"
	"github.com/angelmondragon/charforge-backend/pkg/outbox"
	"github.com/angelmondragon/charforge-backend/pkg/redis"
	"github.com/angelmondragon/charforge-backend/pkg/stripe"
)

const (
	stripeWebhookScope = "stripe-webhook"
	shutdownTimeout    = 15 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}

	catalog, err := pricing.Load(cfg.Pricing.CatalogPath)
	if err != nil {
		logg.Error(context.Background(), "failed to load pricing catalog", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	publisher := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		Repo:    ledger.NewRepository(dbClient.DB()),
		Pricing: catalog,
		DB:      dbClient,
		Metrics: metrics.NewLedgerMetrics(reg),
	})
	exitOnErr(logg, "failed to create ledger service", err)

	subscriptionService, err := subscriptions.NewService(subscriptions.ServiceParams{
		Repo:   subscriptions.NewRepository(dbClient.DB()),
		DB:     dbClient,
		Outbox: publisher,
	})
	exitOnErr(logg, "failed to create subscription service", err)

	jobService, err := jobs.NewService(jobs.ServiceParams{
		Repo:   jobs.NewRepository(dbClient.DB()),
		Ledger: ledgerService,
		DB:     dbClient,
		Outbox: publisher,
		Logger: logg,
	})
	exitOnErr(logg, "failed to create job service", err)

	stripeWebhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Ledger:            ledgerService,
		Subscriptions:     subscriptionService,
		Pricing:           catalog,
		Codec:             references.NewCodec(),
		Events:            webhooks.NewRepository(dbClient.DB()),
		Outbox:            publisher,
		TransactionRunner: dbClient,
		Logger:            logg,
	})
	exitOnErr(logg, "failed to create stripe webhook service", err)

	stripeGuard, err := stripewebhook.NewIdempotencyGuard(redisClient, cfg.Eventing.WebhookIdempotencyTTL, stripeWebhookScope)
	exitOnErr(logg, "failed to create stripe webhook guard", err)

	trainingWebhookService, err := trainingwebhook.NewService(trainingwebhook.ServiceParams{
		Jobs:   jobService,
		Secret: cfg.Training.WebhookSecret,
		Logger: logg,
	})
	exitOnErr(logg, "failed to create training webhook service", err)

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg, logg, dbClient, redisClient, redisClient, reg, metrics.NewWebhookMetrics(reg),
			ledgerService, subscriptionService, jobService, catalog,
			stripeClient, stripeWebhookService, stripeGuard, trainingWebhookService,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
		logg.Info(ctx, "api server shut down gracefully")
	}
}

func exitOnErr(logg *logger.Logger, msg string, err error) {
	if err == nil {
		return
	}
	logg.Error(context.Background(), msg, err)
	os.Exit(1)
}
