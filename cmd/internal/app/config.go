package app

import (
	"errors"
	"fmt"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	// BaseURL prefixes redemption links. Empty derives one from HTTPAddr.
	BaseURL   string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	SQLitePath string
	SeedDev    bool

	// If true, /readyz returns 503 unless Postgres is configured and reachable.
	ReadinessRequireDB bool

	Timezone        string
	SessionValidity time.Duration
	SessionRotation time.Duration
	RotationSlack   time.Duration

	BurstWindow    time.Duration
	BurstThreshold int
	BurstTimeout   time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers     []string
	KafkaReviewTopic string

	JWTSecret string
	JWTIssuer string

	// If true, ROLLCALL_TOKEN_HMAC_KEY must be set (>= 32 bytes).
	RequireTokenHMAC bool

	LoginPath string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// ScopeClassCalls limits class-call broadcasts to the class roster.
	ScopeClassCalls bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("ROLLCALL_HTTP_ADDR", "0.0.0.0:8080"),
		BaseURL:   EnvString("ROLLCALL_BASE_URL", ""),
		LogLevel:  EnvString("ROLLCALL_LOG_LEVEL", "info"),
		LogFormat: EnvString("ROLLCALL_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("ROLLCALL_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("ROLLCALL_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("ROLLCALL_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("ROLLCALL_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("ROLLCALL_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("ROLLCALL_DATABASE_URL", ""),
		DBSchema:      EnvString("ROLLCALL_DB_SCHEMA", "rollcall"),
		DBMaxConns:    EnvInt32("ROLLCALL_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("ROLLCALL_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("ROLLCALL_DB_AUTO_MIGRATE", false),

		SQLitePath: EnvString("ROLLCALL_SQLITE_PATH", "./data/rollcall.db"),
		SeedDev:    EnvBool("ROLLCALL_SEED_DEV", false),

		ReadinessRequireDB: EnvBool("ROLLCALL_READINESS_REQUIRE_DB", false),

		Timezone:        EnvString("ROLLCALL_TIMEZONE", "UTC"),
		SessionValidity: EnvDuration("ROLLCALL_SESSION_VALIDITY", 5*time.Second),
		SessionRotation: EnvDuration("ROLLCALL_SESSION_ROTATION", 5*time.Second),
		RotationSlack:   EnvDuration("ROLLCALL_SESSION_ROTATION_SLACK", time.Second),

		BurstWindow:    EnvDuration("ROLLCALL_BURST_WINDOW", 2*time.Second),
		BurstThreshold: EnvInt("ROLLCALL_BURST_THRESHOLD", 3),
		BurstTimeout:   EnvDuration("ROLLCALL_BURST_TIMEOUT", 500*time.Millisecond),

		RedisAddr:     EnvString("ROLLCALL_REDIS_ADDR", ""),
		RedisPassword: EnvString("ROLLCALL_REDIS_PASSWORD", ""),

		KafkaBrokers:     EnvCSV("ROLLCALL_KAFKA_BROKERS", ""),
		KafkaReviewTopic: EnvString("ROLLCALL_KAFKA_REVIEW_TOPIC", "attendance.review"),

		JWTSecret: EnvString("ROLLCALL_JWT_SECRET", ""),
		JWTIssuer: EnvString("ROLLCALL_JWT_ISSUER", ""),

		RequireTokenHMAC: EnvBool("ROLLCALL_REQUIRE_TOKEN_HMAC", false),

		LoginPath: EnvString("ROLLCALL_LOGIN_PATH", "/login.html"),

		CORSAllowedOrigins:   EnvCSV("ROLLCALL_CORS_ORIGINS", "http://localhost:3000"),
		CORSAllowCredentials: EnvBool("ROLLCALL_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("ROLLCALL_CORS_MAX_AGE", 300),

		ScopeClassCalls: EnvBool("ROLLCALL_WS_SCOPE_CLASS_CALLS", false),
	}
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: ROLLCALL_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks settings that have no safe default.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: ROLLCALL_JWT_SECRET is required")
	}
	if c.BurstThreshold <= 0 {
		return errors.New("config: ROLLCALL_BURST_THRESHOLD must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return ValidateSessionWindows(c.SessionValidity, c.SessionRotation, c.RotationSlack)
}
