package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides application configuration to the fx graph.
var Module = fx.Options(
	fx.Provide(Load),
	fx.Provide(NewReconConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	// CredentialKey encrypts/decrypts stored partner secrets at rest.
	CredentialKey string

	// Env-level fallback webhook secrets, tried after account-level ones.
	ShopifyWebhookSecret   string
	FlipkartWebhookSecret  string
	SelloshipWebhookSecret string
	RazorpayWebhookSecret  string

	// Amazon signs notifications with a private key; the public half is
	// either configured inline (PEM) or fetched from the key URL.
	AmazonPublicKeyPEM string
	AmazonPublicKeyURL string

	RazorpayAPIBase   string
	RazorpayKeyID     string
	RazorpayKeySecret string

	SchedulerEnabled bool
	SchedulerHour    int

	RateLimitEnabled   bool
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	WebhookRate        float64
	WebhookBurst       int
	SyncLockTTLSeconds int64
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "orderpulse"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "orderpulse"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 25)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),

		CredentialKey: strings.TrimSpace(getenv("CREDENTIAL_ENCRYPTION_KEY", "")),

		ShopifyWebhookSecret:   strings.TrimSpace(getenv("SHOPIFY_WEBHOOK_SECRET", "")),
		FlipkartWebhookSecret:  strings.TrimSpace(getenv("FLIPKART_WEBHOOK_SECRET", "")),
		SelloshipWebhookSecret: strings.TrimSpace(getenv("SELLOSHIP_WEBHOOK_SECRET", "")),
		RazorpayWebhookSecret:  strings.TrimSpace(getenv("RAZORPAY_WEBHOOK_SECRET", "")),

		AmazonPublicKeyPEM: getenv("AMAZON_NOTIFICATION_PUBLIC_KEY", ""),
		AmazonPublicKeyURL: strings.TrimSpace(getenv("AMAZON_NOTIFICATION_PUBLIC_KEY_URL", "")),

		RazorpayAPIBase:   getenv("RAZORPAY_API_BASE", "https://api.razorpay.com/v1"),
		RazorpayKeyID:     strings.TrimSpace(getenv("RAZORPAY_KEY_ID", "")),
		RazorpayKeySecret: strings.TrimSpace(getenv("RAZORPAY_KEY_SECRET", "")),

		SchedulerEnabled: getenvBool("SCHEDULER_ENABLED", true),
		SchedulerHour:    int(getenvInt64("SCHEDULER_HOUR", 2)),

		RateLimitEnabled:   getenvBool("RATE_LIMIT_ENABLED", false),
		RedisAddr:          strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:      strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:            int(getenvInt64("REDIS_DB", 0)),
		WebhookRate:        getenvFloat64("WEBHOOK_RATE_PER_SECOND", 50),
		WebhookBurst:       int(getenvInt64("WEBHOOK_RATE_BURST", 100)),
		SyncLockTTLSeconds: getenvInt64("SYNC_LOCK_TTL_SECONDS", 600),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvFloat64(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}
