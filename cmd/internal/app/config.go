package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/cmd/internal/files"
	"courier/cmd/internal/files/s3fallback"
	"courier/cmd/internal/pgstore"
	"courier/cmd/internal/ratelimit"
)

// Fallback backends.
const (
	FallbackBolt = "bolt"
	FallbackS3   = "s3"
	FallbackNone = "none"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	Env       string
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	DatabaseURL        string
	DBSchema           string
	DBMaxConns         int32
	DBMinConns         int32
	DBAcquireTimeout   time.Duration
	DBStatementTimeout time.Duration
	DBAutoMigrate      bool

	// RequireTokenHMAC makes COURIER_TOKEN_HMAC_KEY mandatory (>= 32 bytes).
	RequireTokenHMAC bool

	MaxUploadBytes int64
	ListOtherRoles files.ListPolicy

	RateLimit  ratelimit.Config
	TrustProxy bool

	FallbackBackend   string
	FallbackBoltPath  string
	S3                s3fallback.Config
	ReconcileInterval time.Duration

	SessionPruneInterval time.Duration
	SessionPruneGrace    time.Duration

	MetricsEnabled bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// Dev reports whether detailed error messages may be returned to clients.
func (c Config) Dev() bool { return strings.EqualFold(c.Env, "development") }

// LoadConfig loads Config from COURIER_* environment variables with defaults.
func LoadConfig() Config {
	return Config{
		Env:       EnvString("COURIER_ENV", "production"),
		HTTPAddr:  EnvString("COURIER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("COURIER_LOG_LEVEL", "info"),
		LogFormat: EnvString("COURIER_LOG_FORMAT", "json"),

		// Uploads of several hundred MiB need generous body timeouts.
		ReadHeaderTimeout: EnvDuration("COURIER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COURIER_HTTP_READ_TIMEOUT", 10*time.Minute),
		WriteTimeout:      EnvDuration("COURIER_HTTP_WRITE_TIMEOUT", 10*time.Minute),
		IdleTimeout:       EnvDuration("COURIER_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("COURIER_HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
		MaxHeaderBytes:    EnvInt("COURIER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:        EnvString("COURIER_DATABASE_URL", ""),
		DBSchema:           EnvString("COURIER_DB_SCHEMA", pgstore.DefaultSchema),
		DBMaxConns:         EnvInt32("COURIER_DB_MAX_CONNS", 10),
		DBMinConns:         EnvInt32("COURIER_DB_MIN_CONNS", 0),
		DBAcquireTimeout:   EnvDuration("COURIER_DB_ACQUIRE_TIMEOUT", pgstore.DefaultAcquireTimeout),
		DBStatementTimeout: EnvDuration("COURIER_DB_STATEMENT_TIMEOUT", pgstore.DefaultStmtTimeout),
		DBAutoMigrate:      EnvBool("COURIER_DB_AUTO_MIGRATE", true),

		RequireTokenHMAC: EnvBool("COURIER_REQUIRE_TOKEN_HMAC", false),

		MaxUploadBytes: EnvInt64("COURIER_MAX_UPLOAD_BYTES", files.DefaultMaxBytes),
		ListOtherRoles: files.ParseListPolicy(EnvString("COURIER_LIST_OTHER_ROLES", string(files.ListDeny))),

		RateLimit: ratelimit.Config{
			Requests: EnvInt("COURIER_RATE_LIMIT_REQUESTS", ratelimit.DefaultRequests),
			Window:   EnvDuration("COURIER_RATE_LIMIT_WINDOW", ratelimit.DefaultWindow),
			MaxKeys:  EnvInt("COURIER_RATE_LIMIT_MAX_KEYS", ratelimit.DefaultMaxKeys),
		},
		TrustProxy: EnvBool("COURIER_TRUST_PROXY", false),

		FallbackBackend:  strings.ToLower(EnvString("COURIER_FALLBACK_BACKEND", FallbackBolt)),
		FallbackBoltPath: EnvString("COURIER_FALLBACK_BOLT_PATH", "./data/fallback.db"),
		S3: s3fallback.Config{
			Bucket:    EnvString("COURIER_S3_BUCKET", ""),
			Region:    EnvString("COURIER_S3_REGION", "us-east-1"),
			Endpoint:  EnvString("COURIER_S3_ENDPOINT", ""),
			AccessKey: EnvString("COURIER_S3_ACCESS_KEY", ""),
			SecretKey: EnvString("COURIER_S3_SECRET_KEY", ""),
			Prefix:    EnvString("COURIER_S3_PREFIX", "courier-fallback"),
		},
		ReconcileInterval: EnvDurationOrZero("COURIER_RECONCILE_INTERVAL", time.Minute),

		SessionPruneInterval: EnvDurationOrZero("COURIER_SESSION_PRUNE_INTERVAL", time.Hour),
		SessionPruneGrace:    EnvDuration("COURIER_SESSION_PRUNE_GRACE", 24*time.Hour),

		MetricsEnabled: EnvBool("COURIER_METRICS_ENABLED", true),

		CORSAllowedOrigins:   EnvCSV("COURIER_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("COURIER_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("COURIER_CORS_MAX_AGE_SECONDS", 600),
	}
}

// Validate checks the values that have no safe default.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("COURIER_DATABASE_URL is required"))
	}
	if !pgstore.ValidIdent(c.DBSchema) {
		errs = append(errs, fmt.Errorf("COURIER_DB_SCHEMA %q is not a valid identifier", c.DBSchema))
	}
	switch c.FallbackBackend {
	case FallbackBolt:
		if strings.TrimSpace(c.FallbackBoltPath) == "" {
			errs = append(errs, errors.New("COURIER_FALLBACK_BOLT_PATH is required for the bolt fallback"))
		}
	case FallbackS3:
		if strings.TrimSpace(c.S3.Bucket) == "" {
			errs = append(errs, errors.New("COURIER_S3_BUCKET is required for the s3 fallback"))
		}
	case FallbackNone:
	default:
		errs = append(errs, fmt.Errorf("COURIER_FALLBACK_BACKEND %q is not one of bolt, s3, none", c.FallbackBackend))
	}
	return errors.Join(errs...)
}
