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
	CORS         CORSConfig
	RateLimit    RateLimitConfig
	FeatureFlags FeatureFlagsConfig
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
	Env          string `envconfig:"MULTIMART_APP_ENV" required:"true"`
	Port         string `envconfig:"MULTIMART_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"MULTIMART_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"MULTIMART_LOG_WARN_STACK" default:"false"`
	// MetricsPort exposes /metrics from the background workers. Empty disables it.
	MetricsPort string `envconfig:"MULTIMART_METRICS_PORT"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev) || strings.EqualFold(a.Env, "development")
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"MULTIMART_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"MULTIMART_DB_DSN"`
	Driver string `envconfig:"MULTIMART_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"MULTIMART_DB_HOST"`
	LegacyPort     int    `envconfig:"MULTIMART_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"MULTIMART_DB_USER"`
	LegacyPassword string `envconfig:"MULTIMART_DB_PASSWORD"`
	LegacyName     string `envconfig:"MULTIMART_DB_NAME"`
	LegacySSLMode  string `envconfig:"MULTIMART_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MULTIMART_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MULTIMART_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"MULTIMART_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"MULTIMART_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"MULTIMART_REDIS_URL" required:"true"`
	Address      string        `envconfig:"MULTIMART_REDIS_ADDR"`
	Password     string        `envconfig:"MULTIMART_REDIS_PASSWORD"`
	DB           int           `envconfig:"MULTIMART_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"MULTIMART_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MULTIMART_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"MULTIMART_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"MULTIMART_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"MULTIMART_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type CORSConfig struct {
	AllowedOrigins []string `envconfig:"MULTIMART_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

// RateLimitConfig bounds how often a caller may hit the coupon checkout endpoints.
type RateLimitConfig struct {
	CouponWindow    time.Duration `envconfig:"MULTIMART_RATE_LIMIT_COUPON_WINDOW" default:"1m"`
	CouponIPLimit   int           `envconfig:"MULTIMART_RATE_LIMIT_COUPON_IP_LIMIT" default:"60"`
	CouponUserLimit int           `envconfig:"MULTIMART_RATE_LIMIT_COUPON_USER_LIMIT" default:"20"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"MULTIMART_AUTO_MIGRATE" default:"false"`
	// EnforceCategoryScope makes category coupons require an overlapping cart category.
	EnforceCategoryScope bool `envconfig:"MULTIMART_ENFORCE_CATEGORY_SCOPE" default:"false"`
	// ClampFixedDiscount caps fixed discounts at the cart total.
	ClampFixedDiscount bool `envconfig:"MULTIMART_CLAMP_FIXED_DISCOUNT" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"MULTIMART_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"MULTIMART_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"MULTIMART_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	CouponsTopic string `envconfig:"MULTIMART_PUBSUB_COUPONS_TOPIC" default:"mm-coupon-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"MULTIMART_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"MULTIMART_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"MULTIMART_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type CronConfig struct {
	Interval        time.Duration `envconfig:"MULTIMART_CRON_INTERVAL" default:"1h"`
	ExpiryBatchSize int           `envconfig:"MULTIMART_CRON_EXPIRY_BATCH_SIZE" default:"500"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
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
