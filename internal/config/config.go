package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const defaultSecret = "change-me"

type Config struct {
	Port          string
	DBAdapter     string
	SQLiteFile    string
	MigrationsDir string
	LogLevel      string
	Env           string

	AccessTokenSecret  string
	RefreshTokenSecret string

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Quota
	Timezone      *time.Location
	FreeScanLimit int

	// Assessment gateway (OpenAI-compatible chat completions)
	AIGatewayURL     string
	AIAPIKey         string
	AIModel          string
	ExternalTimeout  time.Duration
	BulkRatePerSec   float64
	RateLimitPerMin  int
	AllowedOrigins   []string
	StatusCacheTTL   time.Duration
	RedisURL         string
	SubscriptionScan time.Duration

	// M-Pesa Daraja
	MpesaBaseURL        string
	MpesaConsumerKey    string
	MpesaConsumerSecret string
	MpesaShortCode      string
	MpesaPasskey        string
	MpesaCallbackURL    string

	// Product image storage (S3 compatible)
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// Production reports whether the service runs with production safeguards.
func (c *Config) Production() bool {
	return c.Env == "production" || c.Env == "prod"
}

// MpesaEnabled reports whether enough Daraja credentials are present to initiate payments.
func (c *Config) MpesaEnabled() bool {
	return c.MpesaConsumerKey != "" && c.MpesaConsumerSecret != "" && c.MpesaShortCode != "" && c.MpesaPasskey != ""
}

func New() (*Config, error) {
	c := &Config{
		Port:          getenv("PORT", "8080"),
		DBAdapter:     getenv("DB_ADAPTER", "postgres"),
		SQLiteFile:    getenv("SQLITE_FILE", "./data/safebazaar.db"),
		MigrationsDir: getenv("MIGRATIONS_DIR", "./migrations"),
		LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
		Env:           strings.ToLower(getenv("APP_ENV", getenv("ENV", ""))),

		AccessTokenSecret:  getenv("ACCESS_TOKEN_SECRET", getenv("JWT_SECRET", defaultSecret)),
		RefreshTokenSecret: getenv("REFRESH_TOKEN_SECRET", defaultSecret+"-refresh"),

		PostgresDSN:      getenv("POSTGRES_DSN", getenv("DATABASE_URL", "")),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "safebazaar")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "safebazaar")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),

		AIGatewayURL:   getenv("AI_GATEWAY_URL", "https://api.openai.com/v1"),
		AIAPIKey:       getenv("AI_API_KEY", ""),
		AIModel:        getenv("AI_MODEL", "gpt-4o-mini"),
		AllowedOrigins: splitList(getenv("ALLOWED_ORIGINS", "http://localhost:5173")),
		RedisURL:       getenv("REDIS_URL", ""),

		MpesaBaseURL:        getenv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
		MpesaConsumerKey:    getenv("MPESA_CONSUMER_KEY", ""),
		MpesaConsumerSecret: getenv("MPESA_CONSUMER_SECRET", ""),
		MpesaShortCode:      getenv("MPESA_SHORTCODE", ""),
		MpesaPasskey:        getenv("MPESA_PASSKEY", ""),
		MpesaCallbackURL:    getenv("MPESA_CALLBACK_URL", ""),

		S3Bucket:    getenv("S3_BUCKET", ""),
		S3Region:    getenv("S3_REGION", "us-east-1"),
		S3Endpoint:  getenv("S3_ENDPOINT", ""),
		S3AccessKey: getenv("S3_ACCESS_KEY_ID", ""),
		S3SecretKey: getenv("S3_SECRET_ACCESS_KEY", ""),
	}

	tz, err := time.LoadLocation(getenv("QUOTA_TIMEZONE", "Africa/Nairobi"))
	if err != nil {
		return nil, fmt.Errorf("invalid QUOTA_TIMEZONE: %w", err)
	}
	c.Timezone = tz

	if c.FreeScanLimit, err = getenvInt("FREE_SCAN_LIMIT", 3); err != nil {
		return nil, err
	}
	if c.FreeScanLimit < 1 {
		return nil, errors.New("FREE_SCAN_LIMIT must be positive")
	}
	if c.RateLimitPerMin, err = getenvInt("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return nil, err
	}
	if c.ExternalTimeout, err = getenvDuration("EXTERNAL_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if c.StatusCacheTTL, err = getenvDuration("STATUS_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if c.SubscriptionScan, err = getenvDuration("SUBSCRIPTION_SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	bulkRate := getenv("BULK_SCAN_RATE", "2")
	if c.BulkRatePerSec, err = strconv.ParseFloat(bulkRate, 64); err != nil || c.BulkRatePerSec <= 0 {
		return nil, fmt.Errorf("invalid BULK_SCAN_RATE: %s", bulkRate)
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	}

	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return nil, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}
	if c.Production() {
		if strings.HasPrefix(c.AccessTokenSecret, defaultSecret) || strings.HasPrefix(c.RefreshTokenSecret, defaultSecret) {
			return nil, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must be set in production")
		}
		if c.AIAPIKey == "" {
			return nil, errors.New("AI_API_KEY must be set in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL: %s", c.LogLevel)
	}

	return c, nil
}
