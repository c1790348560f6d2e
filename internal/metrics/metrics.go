// Package metrics exposes resolver activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricewatcher/internal/resolver"
)

const namespace = "pricewatcher"

// StatusSource is polled on every scrape.
type StatusSource interface {
	HealthStatus() map[string]resolver.SourceStatus
	CacheStats() resolver.CacheStats
}

// Metrics owns a registry and implements resolver.Observer.
type Metrics struct {
	registry *prometheus.Registry

	attempts     *prometheus.CounterVec
	attemptTime  *prometheus.HistogramVec
	transitions  *prometheus.CounterVec
	resolutions  *prometheus.CounterVec
	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds the collectors and registers them, plus a scrape-time view
// of status when it is non-nil.
func New(status StatusSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "attempts_total",
			Help:      "Source invocations by outcome.",
		}, []string{"source", "result"}),
		attemptTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of source invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
		}, []string{"source"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "transitions_total",
			Help:      "Sources disabled or recovered.",
		}, []string{"source", "kind"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Resolutions by answering source; none means every source failed.",
		}, []string{"source", "cached"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.attempts,
		m.attemptTime,
		m.transitions,
		m.resolutions,
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	if status != nil {
		m.WatchStatus(status)
	}
	return m
}

// WatchStatus registers a scrape-time view of status. Call it once.
func (m *Metrics) WatchStatus(status StatusSource) {
	m.registry.MustRegister(newStatusCollector(status))
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SourceAttempt implements resolver.Observer.
func (m *Metrics) SourceAttempt(source string, elapsed time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.attempts.WithLabelValues(source, result).Inc()
	m.attemptTime.WithLabelValues(source).Observe(elapsed.Seconds())
}

// SourceTransition implements resolver.Observer.
func (m *Metrics) SourceTransition(tr resolver.Transition) {
	kind := "disabled"
	if tr.Recovered {
		kind = "recovered"
	}
	m.transitions.WithLabelValues(tr.Source, kind).Inc()
}

// Resolved implements resolver.Observer.
func (m *Metrics) Resolved(_ string, res resolver.ValueResult) {
	m.resolutions.WithLabelValues(res.Source, strconv.FormatBool(res.FromCache)).Inc()
}

// RouteNamer maps a request to a low-cardinality route label.
type RouteNamer func(r *http.Request) string

// InstrumentHandler wraps next with HTTP metrics collection.
func (m *Metrics) InstrumentHandler(next http.Handler, route RouteNamer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		name := "unmatched"
		if route != nil {
			if n := route(r); n != "" {
				name = n
			}
		}
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, name, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, name).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

var _ resolver.Observer = (*Metrics)(nil)
