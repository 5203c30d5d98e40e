// Package metrics owns the prometheus collectors exported on /metrics.
//
// Every method is safe on a nil *Metrics so services can run without a
// registry in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "courier"

// Metrics groups the collectors and the registry they are registered on.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	logins          *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	uploadBytes     prometheus.Histogram
	destroys        prometheus.Counter
	rateLimited     prometheus.Counter
	fallbackPending prometheus.Gauge
	reconciled      *prometheus.CounterVec
	feedClients     prometheus.Gauge
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "logins_total",
			Help: "Login attempts by role and result.",
		}, []string{"role", "result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "refreshes_total",
			Help: "Token refresh attempts by result.",
		}, []string{"result"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "files", Name: "uploads_total",
			Help: "Uploads by outcome (primary, fallback, rejected, failed).",
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "files", Name: "upload_size_bytes",
			Help:    "Ciphertext size of accepted uploads.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		destroys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "files", Name: "destroyed_total",
			Help: "Envelopes moved to the terminal destroyed state.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "rate_limited_total",
			Help: "Requests rejected by the per-caller rate limiter.",
		}),
		fallbackPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fallback_pending",
			Help: "Envelopes waiting in the fallback store for import.",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fallback", Name: "reconciled_total",
			Help: "Fallback records processed by the reconciler by result.",
		}, []string{"result"}),
		feedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "feed", Name: "clients",
			Help: "Connected owner notification clients.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.logins, m.refreshes,
		m.uploads, m.uploadBytes, m.destroys,
		m.rateLimited, m.fallbackPending, m.reconciled,
		m.feedClients,
	)
	return m
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) Login(role, result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(role, result).Inc()
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) Upload(outcome string, size int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
	if outcome == "primary" || outcome == "fallback" {
		m.uploadBytes.Observe(float64(size))
	}
}

func (m *Metrics) Destroyed() {
	if m == nil {
		return
	}
	m.destroys.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) SetFallbackPending(n int) {
	if m == nil {
		return
	}
	m.fallbackPending.Set(float64(n))
}

func (m *Metrics) Reconciled(result string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(result).Inc()
}

func (m *Metrics) FeedClients(delta int) {
	if m == nil {
		return
	}
	m.feedClients.Add(float64(delta))
}
