package config

const EnvPrefix = "CHARFORGE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

const (
	EnvAppEnv = "CHARFORGE_APP_ENV"
	EnvPort   = "CHARFORGE_APP_PORT"

	EnvDBDSN    = "CHARFORGE_DB_DSN"
	EnvDBDriver = "CHARFORGE_DB_DRIVER"
	EnvDBHost   = "CHARFORGE_DB_HOST"
	EnvDBUser   = "CHARFORGE_DB_USER"
	EnvDBName   = "CHARFORGE_DB_NAME"

	EnvRedisURL = "CHARFORGE_REDIS_URL"

	EnvJWTSecret  = "CHARFORGE_JWT_SECRET"
	EnvJWTIssuer  = "CHARFORGE_JWT_ISSUER"
	EnvJWTExpMins = "CHARFORGE_JWT_EXPIRATION_MINUTES"

	EnvStripeSecret          = "CHARFORGE_STRIPE_SECRET"
	EnvTrainingWebhookSecret = "CHARFORGE_TRAINING_WEBHOOK_SECRET"
	EnvPricingCatalogPath    = "CHARFORGE_PRICING_CATALOG_PATH"
	EnvPubSubNotification    = "CHARFORGE_PUBSUB_NOTIFICATION_TOPIC"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
