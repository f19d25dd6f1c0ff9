// Package metrics provides Prometheus instrumentation for the rating engine.
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
	// SettlementsTotal counts settled matches, partitioned by winning side.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rank_settlements_total",
		Help: "Total number of matches settled",
	}, []string{"side"})

	// SettlementDuration tracks end-to-end settlement latency.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rank_settlement_duration_seconds",
		Help:    "Match settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ClaimConflicts counts settle calls that lost the claim race or found
	// no pending match.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rank_claim_conflicts_total",
		Help: "Settlement attempts that found no claimable pending match",
	})

	// SettlementFailures counts fatal post-claim write failures. These
	// require manual reconciliation and should alert.
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rank_settlement_failures_total",
		Help: "Settlements that failed after the pending match was claimed",
	})

	// RecalibrationsTotal counts successful recalibrations.
	RecalibrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rank_recalibrations_total",
		Help: "Total number of player recalibrations",
	})

	// PendingMatches tracks currently unclaimed pending matches.
	PendingMatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rank_pending_matches",
		Help: "Number of unclaimed pending matches",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rank_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rank_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rank_http_request_duration_seconds",
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
