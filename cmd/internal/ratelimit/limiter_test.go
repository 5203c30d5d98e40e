package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/cmd/identity"
	"courier/cmd/internal/auth/session"
	"courier/cmd/internal/authz"
	"courier/cmd/internal/web"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	l := New(Config{Requests: 3, Window: time.Minute, MaxKeys: 10})

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("a", t0.Add(time.Duration(i)*time.Second))
		require.True(t, ok, "request %d", i)
	}
	ok, retry := l.Allow("a", t0.Add(3*time.Second))
	assert.False(t, ok)
	assert.Equal(t, 57*time.Second, retry)

	ok, _ = l.Allow("b", t0.Add(3*time.Second))
	assert.True(t, ok, "other keys are independent")
}

func TestLimiter_WindowSlides(t *testing.T) {
	l := New(Config{Requests: 2, Window: 10 * time.Second, MaxKeys: 10})

	l.Allow("a", t0)
	l.Allow("a", t0.Add(5*time.Second))
	ok, _ := l.Allow("a", t0.Add(9*time.Second))
	require.False(t, ok)

	ok, _ = l.Allow("a", t0.Add(11*time.Second))
	assert.True(t, ok, "first request left the window")
}

func TestLimiter_RejectedRequestsDoNotExtendWindow(t *testing.T) {
	l := New(Config{Requests: 1, Window: 10 * time.Second, MaxKeys: 10})

	l.Allow("a", t0)
	for i := 1; i < 10; i++ {
		ok, _ := l.Allow("a", t0.Add(time.Duration(i)*time.Second))
		require.False(t, ok)
	}
	ok, _ := l.Allow("a", t0.Add(10*time.Second+time.Millisecond))
	assert.True(t, ok)
}

func TestLimiter_EvictsLeastRecentlySeen(t *testing.T) {
	l := New(Config{Requests: 1, Window: time.Minute, MaxKeys: 2})

	l.Allow("a", t0)
	l.Allow("b", t0.Add(time.Second))
	l.Allow("a", t0.Add(2*time.Second)) // touches a, b is now oldest
	l.Allow("c", t0.Add(3*time.Second))

	assert.Equal(t, 2, l.Len())
	ok, _ := l.Allow("b", t0.Add(4*time.Second))
	assert.True(t, ok, "b was evicted and starts fresh")
	ok, _ = l.Allow("c", t0.Add(4*time.Second))
	assert.False(t, ok, "c is still tracked")
}

func TestLimiter_BoundedUnderManyKeys(t *testing.T) {
	l := New(Config{Requests: 5, Window: time.Minute, MaxKeys: 100})
	for i := 0; i < 10000; i++ {
		l.Allow(fmt.Sprintf("k%d", i), t0)
	}
	assert.Equal(t, 100, l.Len())
}

func TestLimiter_Sweep(t *testing.T) {
	l := New(Config{Requests: 5, Window: 10 * time.Second, MaxKeys: 10})
	l.Allow("old", t0)
	l.Allow("new", t0.Add(8*time.Second))

	dropped := l.Sweep(t0.Add(12 * time.Second))
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, l.Len())
}

func TestConfig_Defaults(t *testing.T) {
	cfg := New(Config{}).Config()
	assert.Equal(t, DefaultRequests, cfg.Requests)
	assert.Equal(t, DefaultWindow, cfg.Window)
	assert.Equal(t, DefaultMaxKeys, cfg.MaxKeys)
}

func TestMiddleware_Returns429WithRetryAfter(t *testing.T) {
	l := New(Config{Requests: 1, Window: time.Minute, MaxKeys: 10})
	h := Middleware(l, web.NewResponder(nil, false), nil, false)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/files", nil)
		r.RemoteAddr = "198.51.100.7:4000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		return rr
	}

	assert.Equal(t, http.StatusNoContent, req().Code)
	rr := req()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Contains(t, rr.Body.String(), "rate_limited")
}

func TestKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:4000"
	assert.Equal(t, "ip:198.51.100.7", Key(r, false))

	ctx := authz.WithClaims(r.Context(), session.Claims{Subject: "01HX", Role: identity.RoleUser})
	assert.Equal(t, "sub:01HX", Key(r.WithContext(ctx), false))
}

func TestRetryAfterSeconds_RoundsUp(t *testing.T) {
	assert.Equal(t, 2, RetryAfterSeconds(1900*time.Millisecond))
	assert.Equal(t, 1, RetryAfterSeconds(100*time.Millisecond))
	assert.Equal(t, 1, RetryAfterSeconds(0))
	assert.Equal(t, 60, RetryAfterSeconds(time.Minute))
}

func TestMiddleware_RetryAfterNotTruncated(t *testing.T) {
	l := New(Config{Requests: 1, Window: 1500 * time.Millisecond, MaxKeys: 10})
	h := Middleware(l, web.NewResponder(nil, false), nil, false)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/files", nil)
		r.RemoteAddr = "198.51.100.9:4000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		return rr
	}
	require.Equal(t, http.StatusNoContent, send().Code)
	rr := send()
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))
}

func TestIPMiddleware_LimitsBeforeAuthentication(t *testing.T) {
	l := New(Config{Requests: 2, Window: time.Minute, MaxKeys: 10})
	rs := web.NewResponder(nil, false)

	authCalls := 0
	authenticate := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCalls++
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	h := IPMiddleware(l, rs, nil, false)(authenticate(http.NotFoundHandler()))

	codes := make([]int, 0, 3)
	for range 3 {
		r := httptest.NewRequest(http.MethodGet, "/api/files", nil)
		r.RemoteAddr = "203.0.113.5:1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}, codes)
	assert.Equal(t, 2, authCalls)

	// The subject-keyed budget for the same address is untouched.
	r := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	r.RemoteAddr = "203.0.113.5:1234"
	ok, _ := l.Allow(Key(r, false), time.Now())
	assert.True(t, ok)
}
