package config

// EnvPrefix is passed to envconfig; every field carries its full variable name.
const EnvPrefix = "MULTIMART"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "MULTIMART_APP_ENV"
	EnvPort     = "MULTIMART_APP_PORT"
	EnvLogLevel = "MULTIMART_LOG_LEVEL"

	EnvMetricsPort = "MULTIMART_METRICS_PORT"

	EnvDBDSN  = "MULTIMART_DB_DSN"
	EnvDBHost = "MULTIMART_DB_HOST"
	EnvDBPort = "MULTIMART_DB_PORT"
	EnvDBUser = "MULTIMART_DB_USER"
	EnvDBPass = "MULTIMART_DB_PASSWORD"
	EnvDBName = "MULTIMART_DB_NAME"

	EnvRedisURL = "MULTIMART_REDIS_URL"

	EnvEnforceCategoryScope = "MULTIMART_ENFORCE_CATEGORY_SCOPE"
	EnvClampFixedDiscount   = "MULTIMART_CLAMP_FIXED_DISCOUNT"
	EnvCORSAllowedOrigins   = "MULTIMART_CORS_ALLOWED_ORIGINS"

	EnvGCPProjectID       = "MULTIMART_GCP_PROJECT_ID"
	EnvPubSubCouponsTopic = "MULTIMART_PUBSUB_COUPONS_TOPIC"
	EnvCronInterval       = "MULTIMART_CRON_INTERVAL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
