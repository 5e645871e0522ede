// Package metrics provides Prometheus instrumentation for the reconciler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BufferSize tracks buffered entities waiting for a flush, per consumer.
	BufferSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reconciler_buffer_size",
		Help: "Entities buffered and not yet flushed",
	}, []string{"consumer"})

	FlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconciler_flush_duration_seconds",
		Help:    "Flush duration in seconds, retries included",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"consumer"})

	// FlushedEntities counts entities written to their sink.
	FlushedEntities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_flushed_entities_total",
		Help: "Entities written by flushes",
	}, []string{"consumer"})

	// FlushErrors counts failed flushes by error kind (deadlock, not_found, other).
	FlushErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_flush_errors_total",
		Help: "Flushes that failed and dropped their batch",
	}, []string{"consumer", "kind"})

	FlushRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_flush_retries_total",
		Help: "Flush attempts retried after a deadlock",
	}, []string{"consumer"})

	// ConsumerState is 0 running, 1 draining, 2 halted.
	ConsumerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reconciler_consumer_state",
		Help: "Consumer lifecycle state (0 running, 1 draining, 2 halted)",
	}, []string{"consumer"})

	// CacheSweepRemoved counts sorted sets trimmed by the cache sweep.
	CacheSweepRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_cache_sweep_removed_total",
		Help: "Versioned cache keys trimmed to their latest member",
	}, []string{"pattern"})

	// SessionTransitions counts position sessions by transition
	// (open, match, close, reverse, skip).
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_sessions_total",
		Help: "Position session transitions applied",
	}, []string{"transition"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconciler_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
