package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	JWTSigningKey string        `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer     string        `mapstructure:"JWT_ISSUER"`
	JWTTTL        time.Duration `mapstructure:"JWT_TTL"`

	AdminVerificationExempt bool          `mapstructure:"ADMIN_VERIFICATION_EXEMPT"`
	StatusTransitionsStrict bool          `mapstructure:"STATUS_TRANSITIONS_STRICT"`
	LocationMinInterval     time.Duration `mapstructure:"LOCATION_MIN_INTERVAL"`
	FeedSource              string        `mapstructure:"FEED_SOURCE"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`

	BlobDir       string `mapstructure:"BLOB_DIR"`
	BlobBaseURL   string `mapstructure:"BLOB_BASE_URL"`
	MaxUploadSize int64  `mapstructure:"MAX_UPLOAD_SIZE"`

	FirebaseCredentialsFile string `mapstructure:"FIREBASE_CREDENTIALS_FILE"`
	MapsAPIKey              string `mapstructure:"MAPS_API_KEY"`
	MapsBaseURL             string `mapstructure:"MAPS_BASE_URL"`

	TrafficWebhookURLs []string `mapstructure:"TRAFFIC_WEBHOOK_URLS"`
	WebhookSecret      string   `mapstructure:"WEBHOOK_SECRET"`

	LandingRedirectSeconds int `mapstructure:"LANDING_REDIRECT_SECONDS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "REDIS_URL",
	"JWT_SIGNING_KEY", "JWT_ISSUER", "JWT_TTL",
	"ADMIN_VERIFICATION_EXEMPT", "STATUS_TRANSITIONS_STRICT", "LOCATION_MIN_INTERVAL", "FEED_SOURCE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
	"BLOB_DIR", "BLOB_BASE_URL", "MAX_UPLOAD_SIZE",
	"FIREBASE_CREDENTIALS_FILE", "MAPS_API_KEY", "MAPS_BASE_URL",
	"TRAFFIC_WEBHOOK_URLS", "WEBHOOK_SECRET",
	"LANDING_REDIRECT_SECONDS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("JWT_ISSUER", "dispatch-server")
	v.SetDefault("JWT_TTL", "12h")
	v.SetDefault("ADMIN_VERIFICATION_EXEMPT", true)
	v.SetDefault("STATUS_TRANSITIONS_STRICT", false)
	v.SetDefault("LOCATION_MIN_INTERVAL", "0s")
	v.SetDefault("FEED_SOURCE", "postgres")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BLOB_DIR", "./data/blobs")
	v.SetDefault("BLOB_BASE_URL", "http://localhost:8000/files")
	v.SetDefault("MAX_UPLOAD_SIZE", 10<<20)
	v.SetDefault("MAPS_BASE_URL", "https://maps.googleapis.com")
	v.SetDefault("LANDING_REDIRECT_SECONDS", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if len(cfg.TrafficWebhookURLs) <= 1 {
		if urls := v.GetString("TRAFFIC_WEBHOOK_URLS"); urls != "" {
			cfg.TrafficWebhookURLs = strings.Split(urls, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.JWTSigningKey == "" {
		log.Println("WARNING: JWT_SIGNING_KEY is empty; a development key will be used.")
		cfg.JWTSigningKey = "dev-signing-key-do-not-use-in-production"
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required")
	}
	if c.IsProduction() && len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 characters in production, got %d", len(c.JWTSigningKey))
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be positive, got %s", c.JWTTTL)
	}

	switch c.FeedSource {
	case "postgres", "local":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when FEED_SOURCE is \"redis\"")
		}
	default:
		return fmt.Errorf("FEED_SOURCE must be \"postgres\", \"redis\", or \"local\", got %q", c.FeedSource)
	}

	if len(c.TrafficWebhookURLs) > 0 && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when TRAFFIC_WEBHOOK_URLS is set")
	}
	if c.LocationMinInterval < 0 {
		return fmt.Errorf("LOCATION_MIN_INTERVAL must not be negative")
	}
	return nil
}
