package session

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"
)

// MinSecretBytes is the minimum length of each JWT signing secret.
const MinSecretBytes = 32

// Config defines the runtime configuration of the session subsystem.
type Config struct {
	// Issuer is set as the "iss" claim and required on verification.
	Issuer string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// ClockSkew is the leeway applied to exp/nbf/iat checks.
	ClockSkew time.Duration

	// AccessSecret and RefreshSecret sign the two token kinds. They must
	// differ so that leaking one never forges the other.
	AccessSecret  []byte
	RefreshSecret []byte
}

// DefaultConfig returns the defaults without secrets.
func DefaultConfig() Config {
	return Config{
		Issuer:     "courier",
		AccessTTL:  time.Hour,
		RefreshTTL: 7 * 24 * time.Hour,
		ClockSkew:  30 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - COURIER_JWT_ACCESS_SECRET
//   - COURIER_JWT_REFRESH_SECRET
//
// Optional (durations must be valid Go duration strings):
//   - COURIER_JWT_ISSUER
//   - COURIER_JWT_ACCESS_TTL
//   - COURIER_JWT_REFRESH_TTL
//   - COURIER_JWT_CLOCK_SKEW
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("COURIER_JWT_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	var err error
	if cfg.AccessTTL, err = envDuration("COURIER_JWT_ACCESS_TTL", cfg.AccessTTL, false); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = envDuration("COURIER_JWT_REFRESH_TTL", cfg.RefreshTTL, false); err != nil {
		return Config{}, err
	}
	if cfg.ClockSkew, err = envDuration("COURIER_JWT_CLOCK_SKEW", cfg.ClockSkew, true); err != nil {
		return Config{}, err
	}

	cfg.AccessSecret = []byte(os.Getenv("COURIER_JWT_ACCESS_SECRET"))
	cfg.RefreshSecret = []byte(os.Getenv("COURIER_JWT_REFRESH_SECRET"))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks secrets and lifetimes.
func (c Config) Validate() error {
	switch {
	case len(c.AccessSecret) < MinSecretBytes:
		return fmt.Errorf("%w: access secret must be at least %d bytes", ErrConfig, MinSecretBytes)
	case len(c.RefreshSecret) < MinSecretBytes:
		return fmt.Errorf("%w: refresh secret must be at least %d bytes", ErrConfig, MinSecretBytes)
	case bytes.Equal(c.AccessSecret, c.RefreshSecret):
		return fmt.Errorf("%w: access and refresh secrets must differ", ErrConfig)
	case c.AccessTTL <= 0 || c.RefreshTTL <= 0:
		return fmt.Errorf("%w: token lifetimes must be positive", ErrConfig)
	case c.RefreshTTL < c.AccessTTL:
		return fmt.Errorf("%w: refresh ttl shorter than access ttl", ErrConfig)
	case strings.TrimSpace(c.Issuer) == "":
		return fmt.Errorf("%w: empty issuer", ErrConfig)
	}
	return nil
}

func envDuration(key string, def time.Duration, allowZero bool) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("%w: %s", ErrConfig, key)
	}
	return d, nil
}
