package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/cmd/internal/apperr"
	authapi "courier/cmd/internal/auth/api"
	"courier/cmd/internal/authz"
	"courier/cmd/internal/files"
	"courier/cmd/internal/metrics"
	"courier/cmd/internal/pgstore"
	"courier/cmd/internal/ratelimit"
	"courier/cmd/internal/web"
)

const readyTimeout = 2 * time.Second

// routes collects what the router needs. Nil handlers leave their routes
// unregistered, which keeps the router usable in tests.
type routes struct {
	log     *slog.Logger
	cfg     Config
	rs      *web.Responder
	metrics *metrics.Metrics
	pool    *pgxpool.Pool
	limiter *ratelimit.Limiter
	auth    authz.Authenticator
	// verifier lets uploads through a session store outage; nil disables it.
	verifier authz.Verifier

	authAPI *authapi.Handler
	files   *files.Handler
	feed    http.Handler
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, rt.log, rt.metrics) })
	r.Use(WithSecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return WithCORS(next, rt.cfg, rt.log) })

	r.Get("/health", handleHealth)
	r.Get("/healthz", handleHealth)
	r.Get("/readyz", rt.handleReady)
	if rt.cfg.MetricsEnabled && rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics.Handler())
	}

	if rt.limiter == nil {
		rt.limiter = ratelimit.New(rt.cfg.RateLimit)
	}
	if rt.rs == nil {
		rt.rs = web.NewResponder(rt.log, rt.cfg.Dev())
	}
	limit := ratelimit.Middleware(rt.limiter, rt.rs, rt.metrics, rt.cfg.TrustProxy)
	edge := ratelimit.IPMiddleware(rt.limiter, rt.rs, rt.metrics, rt.cfg.TrustProxy)

	if rt.authAPI != nil {
		r.Group(func(r chi.Router) {
			r.Use(limit)
			rt.authAPI.Routes(r)
		})
	}

	if rt.files != nil && rt.auth != nil {
		// Uploads may proceed on a verified token alone while the session
		// table is unreachable; the service then writes to the fallback.
		r.Group(func(r chi.Router) {
			r.Use(edge)
			r.Use(authz.Middleware(rt.auth, rt.rs, authz.AllowStoreOutage(rt.verifier, rt.log)))
			r.Use(limit)
			rt.files.UploadRoutes(r)
		})
		r.Group(func(r chi.Router) {
			r.Use(edge)
			r.Use(authz.Middleware(rt.auth, rt.rs))
			r.Use(limit)
			rt.files.Routes(r)
		})
	}

	if rt.feed != nil {
		r.With(edge).Method(http.MethodGet, "/api/owners/events", rt.feed)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		rt.rs.Error(w, r, apperr.New("http.route", apperr.ErrNotFound, "route not found"))
	})
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	web.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt routes) handleReady(w http.ResponseWriter, r *http.Request) {
	if rt.pool != nil {
		if err := pgstore.Ping(r.Context(), rt.pool, readyTimeout); err != nil {
			rt.log.Info("readyz.db.not_ready", "err", err)
			web.WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "database not ready")
			return
		}
	}
	web.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
