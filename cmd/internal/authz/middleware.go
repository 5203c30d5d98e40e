package authz

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"courier/cmd/identity"
	"courier/cmd/internal/apperr"
	"courier/cmd/internal/auth/session"
	"courier/cmd/internal/web"
)

// Authenticator verifies a raw access token.
type Authenticator interface {
	Authenticate(ctx context.Context, rawAccess string) (session.Claims, error)
}

type ctxKey struct{}

// WithClaims returns a copy of ctx carrying c.
func WithClaims(ctx context.Context, c session.Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ClaimsFrom returns the verified claims stored by Middleware, if any.
func ClaimsFrom(ctx context.Context) (*session.Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(session.Claims)
	if !ok {
		return nil, false
	}
	return &c, true
}

// Verifier checks an access token on its own, without the session store.
type Verifier interface {
	VerifyAccess(rawAccess string) (session.Claims, error)
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	verifier Verifier
	log      *slog.Logger
}

// AllowStoreOutage lets a request through when the session lookup fails with
// apperr.ErrTransient but v still accepts the token's signature and expiry.
// Such requests are marked; see StoreOutage. A nil v disables the option.
func AllowStoreOutage(v Verifier, log *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.verifier = v
		c.log = log
	}
}

type outageKey struct{}

// StoreOutage reports whether the request was admitted by AllowStoreOutage.
func StoreOutage(ctx context.Context) bool {
	v, _ := ctx.Value(outageKey{}).(bool)
	return v
}

// Middleware authenticates the bearer token of every request. A missing or
// malformed token is the same 401 regardless of the route.
func Middleware(auth Authenticator, rs *web.Responder, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var cfg middlewareConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := web.BearerToken(r)
			if raw == "" {
				rs.Error(w, r, apperr.New("authz.Middleware", apperr.ErrUnauthenticated, "missing bearer token"))
				return
			}
			ctx := r.Context()
			claims, err := auth.Authenticate(ctx, raw)
			if err != nil && cfg.verifier != nil && errors.Is(err, apperr.ErrTransient) {
				var verr error
				claims, verr = cfg.verifier.VerifyAccess(raw)
				if verr != nil {
					rs.Error(w, r, verr)
					return
				}
				cfg.log.Warn("authz.session_store_unavailable",
					"subject", claims.Subject,
					"role", claims.Role.String(),
					"err", err,
				)
				ctx = context.WithValue(ctx, outageKey{}, true)
				err = nil
			}
			if err != nil {
				rs.Error(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims)))
		})
	}
}

// RequireRoles rejects requests whose claims hold none of roles. It must run
// after Middleware.
func RequireRoles(rs *web.Responder, roles ...identity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := ClaimsFrom(r.Context())
			if err := Authorize(claims, roles, ""); err != nil {
				rs.Error(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
