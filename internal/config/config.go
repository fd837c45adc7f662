package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	CORSOrigins []string
	LogLevel    string
	NodeID      int64

	OTLPEndpoint string
	OTLPProtocol string
	OTelEnabled  bool
	OTelSampling float64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Payments  PaymentsConfig
	RateLimit RateLimitConfig
	Resume    ResumeConfig

	TrackingConfigPaths []string
}

// PaymentsConfig points at the hosted payment backend.
type PaymentsConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// RateLimitConfig bounds checkout submissions and manual confirmation requests.
type RateLimitConfig struct {
	CheckoutRate   float64
	CheckoutBurst  int
	ConfirmLockTTL time.Duration
}

// ResumeConfig controls re-attaching tracking to pending records after a restart.
type ResumeConfig struct {
	Enabled   bool
	Interval  time.Duration
	Window    time.Duration
	BatchSize int
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewTrackingConfigHolder),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "pixwatch"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		CORSOrigins:       parseList(getenv("CORS_ALLOWED_ORIGINS", "")),
		LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		NodeID:            getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol:      strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		OTelEnabled:       getenvBool("OTEL_ENABLED", false),
		OTelSampling:      getenvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		DBType:            getenv("DATABASE_TYPE", "sqlite"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "pixwatch"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "pixwatch.db"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           int(getenvInt64("REDIS_DB", 0)),
		Payments: PaymentsConfig{
			BaseURL:        strings.TrimRight(strings.TrimSpace(getenv("PAYMENTS_BASE_URL", "http://localhost:3001/api")), "/"),
			APIKey:         strings.TrimSpace(getenv("PAYMENTS_API_KEY", "")),
			RequestTimeout: getenvDuration("PAYMENTS_REQUEST_TIMEOUT", 15*time.Second),
		},
		RateLimit: RateLimitConfig{
			CheckoutRate:   getenvFloat("RATE_LIMIT_CHECKOUT_RATE", 0.2),
			CheckoutBurst:  int(getenvInt64("RATE_LIMIT_CHECKOUT_BURST", 5)),
			ConfirmLockTTL: getenvDuration("RATE_LIMIT_CONFIRM_LOCK_TTL", 10*time.Second),
		},
		Resume: ResumeConfig{
			Enabled:   getenvBool("RESUME_ENABLED", true),
			Interval:  getenvDuration("RESUME_INTERVAL", time.Minute),
			Window:    getenvDuration("RESUME_WINDOW", 30*time.Minute),
			BatchSize: int(getenvInt64("RESUME_BATCH_SIZE", 50)),
		},
		TrackingConfigPaths: parseList(getenv("TRACKING_CONFIG_PATHS", "/etc/pixwatch,.")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
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

func getenvFloat(key string, def float64) float64 {
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
