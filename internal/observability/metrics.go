package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus metrics of the service.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	postings        *prometheus.CounterVec
	postedValue     *prometheus.CounterVec
	allocations     *prometheus.CounterVec
	cancellations   *prometheus.CounterVec
	fieldRejections *prometheus.CounterVec
	openSessions    prometheus.Gauge
}

// NewMetrics initialises the registry and the service metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subledger_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "subledger_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	postings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subledger_postings_total",
		Help: "Committed subledger transactions by ledger and routine.",
	}, []string{"ledger", "routine"})
	value := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subledger_posted_value_total",
		Help: "Absolute value of committed transactions by ledger.",
	}, []string{"ledger"})
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subledger_allocations_total",
		Help: "Allocation rows written by ageing policy.",
	}, []string{"policy"})
	cancellations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subledger_capture_cancellations_total",
		Help: "Captures rolled back by the operator, by ledger.",
	}, []string{"ledger"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subledger_field_rejections_total",
		Help: "Field values rejected during capture.",
	}, []string{"field"})
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "subledger_capture_sessions_open",
		Help: "Capture sessions currently open.",
	})
	registry.MustRegister(requests, duration, postings, value, allocations, cancellations, rejections, sessions)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		postings:        postings,
		postedValue:     value,
		allocations:     allocations,
		cancellations:   cancellations,
		fieldRejections: rejections,
		openSessions:    sessions,
	}
}

// Handler returns the http.Handler for /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObservePosting counts one committed transaction.
func (m *Metrics) ObservePosting(ledger, routine string, absValue float64) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(ledger, routine).Inc()
	m.postedValue.WithLabelValues(ledger).Add(absValue)
}

// ObserveAllocations counts allocation rows written under policy.
func (m *Metrics) ObserveAllocations(policy string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.allocations.WithLabelValues(policy).Add(float64(n))
}

// ObserveCancellation counts one rolled back capture.
func (m *Metrics) ObserveCancellation(ledger string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(ledger).Inc()
}

// ObserveRejection counts one rejected field value.
func (m *Metrics) ObserveRejection(field string) {
	if m == nil {
		return
	}
	m.fieldRejections.WithLabelValues(field).Inc()
}

// SessionOpened and SessionClosed track live capture sessions.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.openSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.openSessions.Dec()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
