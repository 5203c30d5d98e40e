package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"courier/cmd/internal/apperr"
	"courier/cmd/internal/authz"
	"courier/cmd/internal/metrics"
	"courier/cmd/internal/web"
)

// Middleware limits requests per caller. Authenticated requests are keyed by
// token subject, everything else by client IP.
func Middleware(l *Limiter, rs *web.Responder, m *metrics.Metrics, trustProxy bool) func(http.Handler) http.Handler {
	return limitBy(l, rs, m, func(r *http.Request) string { return Key(r, trustProxy) })
}

// IPMiddleware limits requests per client IP ahead of authentication. Its
// keys carry an "edge:" prefix, so sharing a Limiter with Middleware does not
// merge the two budgets.
func IPMiddleware(l *Limiter, rs *web.Responder, m *metrics.Metrics, trustProxy bool) func(http.Handler) http.Handler {
	return limitBy(l, rs, m, func(r *http.Request) string { return "edge:" + ipKey(r, trustProxy) })
}

func limitBy(l *Limiter, rs *web.Responder, m *metrics.Metrics, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retry := l.Allow(key(r), time.Now())
			if !ok {
				m.RateLimited()
				w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(retry)))
				rs.Error(w, r, apperr.New("ratelimit", apperr.ErrRateLimited, "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Key returns the limiter key for r.
func Key(r *http.Request, trustProxy bool) string {
	if c, ok := authz.ClaimsFrom(r.Context()); ok && c.Subject != "" {
		return "sub:" + c.Subject
	}
	return ipKey(r, trustProxy)
}

func ipKey(r *http.Request, trustProxy bool) string {
	if ip := web.ClientIP(r, trustProxy); ip != nil {
		return "ip:" + ip.String()
	}
	return "ip:unknown"
}

// RunSweeper calls Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, l *Limiter, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = l.cfg.Window
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := l.Sweep(now); n > 0 && log != nil {
				log.Debug("ratelimit.sweep", "dropped", n, "tracked", l.Len())
			}
		}
	}
}
