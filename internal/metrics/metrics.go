// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PriceResolutions counts successful price lookups by serving source.
	PriceResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_price_resolutions_total",
		Help: "Successful price resolutions by source",
	}, []string{"source"})

	// PriceSourceFailures counts failed attempts per source before fallback.
	PriceSourceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_price_source_failures_total",
		Help: "Price source failures that triggered fallback",
	}, []string{"source"})

	// LedgerOps counts balance mutations by journal type and operation.
	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_ledger_ops_total",
		Help: "Balance ledger operations",
	}, []string{"type", "operation"})

	// LedgerClamps counts subtractions clamped at zero instead of going
	// negative. A rising rate usually means settlement is draining
	// accounts faster than deposits arrive.
	LedgerClamps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_ledger_clamped_subtractions_total",
		Help: "Ledger subtractions clamped at zero",
	})

	// OrdersSettled counts settled orders by outcome and by which path
	// settled them (sweep, expiry, close, admin).
	OrdersSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_settled_total",
		Help: "Orders settled by outcome and path",
	}, []string{"outcome", "path"})

	// SweepsTotal counts scheduler sweeps by result (completed, skipped).
	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_sweeps_total",
		Help: "Scheduler sweep attempts",
	}, []string{"result"})

	// SweepDuration tracks how long a full sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_sweep_duration_seconds",
		Help:    "Duration of a full settlement sweep",
		Buckets: prometheus.DefBuckets,
	})

	// ActiveOrders tracks the number of currently open orders.
	ActiveOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_active_orders",
		Help: "Number of currently active orders",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
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

		// Use the raw path for the label; route patterns here are static
		// enough not to blow up cardinality.
		path := r.URL.Path
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
