// Package metrics exposes Prometheus counters for authentication outcomes and
// HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Authentication flows.
const (
	FlowPassword = "password"
	FlowPIN      = "pin"
	FlowRefresh  = "refresh"
	FlowLogout   = "logout"
)

// Authentication outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeThrottled = "throttled"
	OutcomeLocked    = "locked"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stackpos",
		Name:      "http_in_flight_requests",
		Help:      "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackpos",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackpos",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	authAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackpos",
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by flow and outcome.",
		},
		[]string{"flow", "outcome"},
	)

	accountLockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stackpos",
		Name:      "account_lockouts_total",
		Help:      "Accounts locked after repeated failed logins.",
	})

	auditPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackpos",
			Name:      "audit_events_published_total",
			Help:      "Audit events handed to the message queue.",
		},
		[]string{"queue", "result"},
	)

	registerOnce sync.Once
)

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight,
			httpRequestsTotal,
			httpRequestDuration,
			authAttempts,
			accountLockouts,
			auditPublished,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAuth counts one authentication attempt.
func RecordAuth(flow, outcome string) {
	authAttempts.WithLabelValues(flow, outcome).Inc()
}

// RecordLockout counts an account entering lockout.
func RecordLockout() {
	accountLockouts.Inc()
}

// RecordAuditPublish counts an audit publish attempt on queue.
func RecordAuditPublish(queue string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	auditPublished.WithLabelValues(queue, result).Inc()
}

// Instrument records request count, latency and in-flight gauge. Requests are
// labelled by chi route pattern to keep cardinality bounded.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		labels := []string{r.Method, route, strconv.Itoa(status)}
		httpRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(labels...).Inc()
	})
}
