package session

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("COURIER_JWT_ACCESS_SECRET", strings.Repeat("a", 32))
	t.Setenv("COURIER_JWT_REFRESH_SECRET", strings.Repeat("b", 32))
}

func TestLoadConfigFromEnv_MissingSecret(t *testing.T) {
	t.Setenv("COURIER_JWT_ACCESS_SECRET", "")
	t.Setenv("COURIER_JWT_REFRESH_SECRET", strings.Repeat("b", 32))
	_, err := LoadConfigFromEnv()
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig on missing secret, got %v", err)
	}
}

func TestLoadConfigFromEnv_ShortOrEqualSecrets(t *testing.T) {
	t.Setenv("COURIER_JWT_ACCESS_SECRET", "short")
	t.Setenv("COURIER_JWT_REFRESH_SECRET", strings.Repeat("b", 32))
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for short secret, got %v", err)
	}

	same := strings.Repeat("s", 40)
	t.Setenv("COURIER_JWT_ACCESS_SECRET", same)
	t.Setenv("COURIER_JWT_REFRESH_SECRET", same)
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for equal secrets, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidDurations(t *testing.T) {
	setSecrets(t)
	t.Setenv("COURIER_JWT_ACCESS_TTL", "-5m")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for negative duration, got %v", err)
	}
}

func TestLoadConfigFromEnv_RefreshShorterThanAccess(t *testing.T) {
	setSecrets(t)
	t.Setenv("COURIER_JWT_ACCESS_TTL", "2h")
	t.Setenv("COURIER_JWT_REFRESH_TTL", "1h")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for ttl order, got %v", err)
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	setSecrets(t)
	t.Setenv("COURIER_JWT_ISSUER", "courier-test")
	t.Setenv("COURIER_JWT_ACCESS_TTL", "10m")
	t.Setenv("COURIER_JWT_REFRESH_TTL", "48h")
	t.Setenv("COURIER_JWT_CLOCK_SKEW", "0s")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Issuer != "courier-test" {
		t.Fatalf("issuer mismatch: %q", cfg.Issuer)
	}
	if cfg.AccessTTL != 10*time.Minute || cfg.RefreshTTL != 48*time.Hour {
		t.Fatalf("ttl mismatch: %v %v", cfg.AccessTTL, cfg.RefreshTTL)
	}
	if cfg.ClockSkew != 0 {
		t.Fatalf("clock skew mismatch: %v", cfg.ClockSkew)
	}
}

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	setSecrets(t)
	t.Setenv("COURIER_JWT_ACCESS_TTL", "")
	t.Setenv("COURIER_JWT_REFRESH_TTL", "")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AccessTTL != time.Hour || cfg.RefreshTTL != 168*time.Hour {
		t.Fatalf("defaults mismatch: %v %v", cfg.AccessTTL, cfg.RefreshTTL)
	}
}
