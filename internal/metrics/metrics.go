// Package metrics provides Prometheus instrumentation for the prophecy engine.
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
	// PredictionsPlaced counts sealed predictions accepted, by asset.
	PredictionsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prophecy_predictions_placed_total",
		Help: "Total number of predictions placed",
	}, []string{"asset"})

	// PredictionsResolved counts settled predictions, by asset.
	PredictionsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prophecy_predictions_resolved_total",
		Help: "Total number of predictions resolved",
	}, []string{"asset"})

	PricePosts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prophecy_price_posts_total",
		Help: "Total number of daily price posts",
	})

	// OperationErrors counts rejected calls by operation and error kind.
	OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prophecy_operation_errors_total",
		Help: "Ledger operations rejected, by operation and error kind",
	}, []string{"op", "kind"})

	// SettlementLatency tracks confirmPrediction latency, including the
	// encrypted evaluation and the refund.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prophecy_settlement_latency_seconds",
		Help:    "Prediction settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// StakeHeld tracks the wei currently escrowed by the vault.
	StakeHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prophecy_stake_held_wei",
		Help: "Stake currently held in escrow, in wei",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prophecy_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prophecy_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "prophecy_http_request_duration_seconds",
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

		// Label by route pattern; raw paths carry addresses and days.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
