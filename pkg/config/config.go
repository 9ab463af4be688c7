package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	Stripe       StripeConfig
	Training     TrainingConfig
	Pricing      PricingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"CHARFORGE_APP_ENV" required:"true"`
	Port         string `envconfig:"CHARFORGE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"CHARFORGE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CHARFORGE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"CHARFORGE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"CHARFORGE_DB_DSN"`
	Driver string `envconfig:"CHARFORGE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"CHARFORGE_DB_HOST"`
	LegacyPort     int    `envconfig:"CHARFORGE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CHARFORGE_DB_USER"`
	LegacyPassword string `envconfig:"CHARFORGE_DB_PASSWORD"`
	LegacyName     string `envconfig:"CHARFORGE_DB_NAME"`
	LegacySSLMode  string `envconfig:"CHARFORGE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CHARFORGE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CHARFORGE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CHARFORGE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CHARFORGE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the configured driver is the embedded sqlite engine.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"CHARFORGE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"CHARFORGE_REDIS_ADDR"`
	Password     string        `envconfig:"CHARFORGE_REDIS_PASSWORD"`
	DB           int           `envconfig:"CHARFORGE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CHARFORGE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CHARFORGE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CHARFORGE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CHARFORGE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CHARFORGE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"CHARFORGE_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"CHARFORGE_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"CHARFORGE_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"CHARFORGE_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	WebhookIdempotencyTTL time.Duration `envconfig:"CHARFORGE_EVENTING_WEBHOOK_IDEMPOTENCY_TTL" default:"720h"`
	WebhookRetentionDays  int           `envconfig:"CHARFORGE_EVENTING_WEBHOOK_RETENTION_DAYS" default:"90"`
}

type StripeConfig struct {
	APIKey string `envconfig:"CHARFORGE_STRIPE_API_KEY"`
	Secret string `envconfig:"CHARFORGE_STRIPE_SECRET" required:"true"`
	Env    string `envconfig:"CHARFORGE_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// SigningSecret returns the webhook signing secret used to verify deliveries.
func (s StripeConfig) SigningSecret() string {
	return strings.TrimSpace(s.Secret)
}

type TrainingConfig struct {
	WebhookSecret string `envconfig:"CHARFORGE_TRAINING_WEBHOOK_SECRET" required:"true"`
}

type PricingConfig struct {
	CatalogPath string `envconfig:"CHARFORGE_PRICING_CATALOG_PATH"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"CHARFORGE_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	NotificationTopic string `envconfig:"CHARFORGE_PUBSUB_NOTIFICATION_TOPIC" default:"cf-credit-notifications"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"CHARFORGE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"CHARFORGE_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"CHARFORGE_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"CHARFORGE_OUTBOX_RETENTION_DAYS" default:"30"`

	PublishedMarkerTTL time.Duration `envconfig:"CHARFORGE_OUTBOX_PUBLISHED_MARKER_TTL" default:"168h"`
}

type CronConfig struct {
	Interval     time.Duration `envconfig:"CHARFORGE_CRON_INTERVAL" default:"1h"`
	PastDueGrace time.Duration `envconfig:"CHARFORGE_CRON_PAST_DUE_GRACE" default:"72h"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return fmt.Errorf("%s is required for the sqlite driver", EnvDBDSN)
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
