package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"courier/cmd/internal/auth/session"
	"courier/cmd/internal/files"
	"courier/cmd/internal/metrics"
	"courier/cmd/security/token"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("COURIER_DATABASE_URL", "postgres://localhost/courier")
	t.Setenv("COURIER_FALLBACK_BACKEND", "")
	t.Setenv("COURIER_LIST_OTHER_ROLES", "")
	t.Setenv("COURIER_RECONCILE_INTERVAL", "")

	cfg := LoadConfig()
	if cfg.FallbackBackend != FallbackBolt {
		t.Fatalf("fallback=%q want %q", cfg.FallbackBackend, FallbackBolt)
	}
	if cfg.ListOtherRoles != files.ListDeny {
		t.Fatalf("list policy=%q want deny", cfg.ListOtherRoles)
	}
	if cfg.ReconcileInterval != time.Minute {
		t.Fatalf("reconcile interval=%v", cfg.ReconcileInterval)
	}
	if cfg.MaxUploadBytes != files.DefaultMaxBytes {
		t.Fatalf("max upload=%d", cfg.MaxUploadBytes)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("COURIER_FALLBACK_BACKEND", "S3")
	t.Setenv("COURIER_S3_BUCKET", "pending")
	t.Setenv("COURIER_LIST_OTHER_ROLES", "all")
	t.Setenv("COURIER_RECONCILE_INTERVAL", "0")
	t.Setenv("COURIER_CORS_ALLOWED_ORIGINS", "https://a.example, http://localhost:*")

	cfg := LoadConfig()
	if cfg.FallbackBackend != FallbackS3 || cfg.S3.Bucket != "pending" {
		t.Fatalf("fallback=%q bucket=%q", cfg.FallbackBackend, cfg.S3.Bucket)
	}
	if cfg.ListOtherRoles != files.ListAll {
		t.Fatalf("list policy=%q want all", cfg.ListOtherRoles)
	}
	if cfg.ReconcileInterval != 0 {
		t.Fatalf("reconcile interval=%v want disabled", cfg.ReconcileInterval)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "http://localhost:*" {
		t.Fatalf("cors origins=%v", cfg.CORSAllowedOrigins)
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{
		DatabaseURL:      "postgres://x",
		DBSchema:         "courier",
		FallbackBackend:  FallbackBolt,
		FallbackBoltPath: "/tmp/x.db",
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "no database", mutate: func(c *Config) { c.DatabaseURL = " " }, wantErr: "COURIER_DATABASE_URL"},
		{name: "bad schema", mutate: func(c *Config) { c.DBSchema = "a;drop" }, wantErr: "COURIER_DB_SCHEMA"},
		{name: "bolt without path", mutate: func(c *Config) { c.FallbackBoltPath = "" }, wantErr: "COURIER_FALLBACK_BOLT_PATH"},
		{name: "s3 without bucket", mutate: func(c *Config) { c.FallbackBackend = FallbackS3 }, wantErr: "COURIER_S3_BUCKET"},
		{name: "none", mutate: func(c *Config) { c.FallbackBackend = FallbackNone; c.FallbackBoltPath = "" }},
		{name: "unknown backend", mutate: func(c *Config) { c.FallbackBackend = "tape" }, wantErr: "COURIER_FALLBACK_BACKEND"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want mention of %s", err, tc.wantErr)
			}
		})
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	sess := session.DefaultConfig()
	sess.AccessSecret = []byte(strings.Repeat("a", session.MinSecretBytes))
	sess.RefreshSecret = []byte(strings.Repeat("r", session.MinSecretBytes))

	t.Setenv(token.HMACEnvKey, "")
	if err := ValidateSecurityConfig(Config{}, sess); err != nil {
		t.Fatalf("hmac optional: %v", err)
	}
	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}, sess); err == nil {
		t.Fatal("expected error for missing HMAC key")
	}

	t.Setenv(token.HMACEnvKey, "short")
	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}, sess); err == nil || !strings.Contains(err.Error(), "too short") {
		t.Fatalf("err=%v want too short", err)
	}

	t.Setenv(token.HMACEnvKey, strings.Repeat("k", 32))
	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}, sess); err != nil {
		t.Fatalf("valid key: %v", err)
	}

	weak := sess
	weak.RefreshSecret = weak.AccessSecret
	if err := ValidateSecurityConfig(Config{}, weak); !errors.Is(err, session.ErrConfig) {
		t.Fatalf("err=%v want ErrConfig", err)
	}
}

func TestOpenFallback(t *testing.T) {
	a := &App{log: discardLogger(), cfg: Config{FallbackBackend: FallbackNone}}
	fb, err := a.openFallback(context.Background())
	if err != nil || fb != nil {
		t.Fatalf("none: fb=%v err=%v", fb, err)
	}

	a.cfg = Config{FallbackBackend: FallbackBolt, FallbackBoltPath: filepath.Join(t.TempDir(), "nested", "fallback.db")}
	fb, err = a.openFallback(context.Background())
	if err != nil {
		t.Fatalf("bolt: %v", err)
	}
	if fb.Name() != "bolt" {
		t.Fatalf("name=%q", fb.Name())
	}
	if len(a.closers) != 1 {
		t.Fatalf("closers=%d want 1", len(a.closers))
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestReconcile_WithoutFallback(t *testing.T) {
	a := &App{log: discardLogger()}
	if _, err := a.Reconcile(context.Background()); !errors.Is(err, ErrNoFallback) {
		t.Fatalf("err=%v want ErrNoFallback", err)
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	m := metrics.New()
	h := newRouter(routes{
		log:     discardLogger(),
		cfg:     Config{MetricsEnabled: true},
		metrics: m,
		feed: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	})

	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status=%d", path, rr.Code)
		}
		if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
			t.Fatalf("%s: nosniff=%q", path, got)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/owners/events", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("feed status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown route status=%d", rr.Code)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil || body.Error.Code != "not_found" {
		t.Fatalf("body=%+v err=%v", body, err)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `route="/healthz"`) {
		t.Fatalf("metrics missing route label:\n%s", rr.Body.String())
	}
}

func TestRouter_MetricsDisabled(t *testing.T) {
	h := newRouter(routes{log: discardLogger(), metrics: metrics.New()})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rr.Code)
	}
}
