// Package metrics provides Prometheus instrumentation for the bet engine.
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
	// BetsTotal counts committed bets, partitioned by kind (buy, sell,
	// redemption, maker_fill).
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bet_engine_bets_total",
		Help: "Total number of bets committed",
	}, []string{"kind"})

	// BetLatency tracks full trade pipeline latency including queue wait.
	BetLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bet_engine_bet_latency_seconds",
		Help:    "Trade pipeline latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// QueueWait tracks time spent waiting for per-contract serialization.
	QueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bet_engine_queue_wait_seconds",
		Help:    "Time spent waiting in the serialization queue",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	})

	// CommitRetries counts optimistic-concurrency retries of CommitTrade.
	CommitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bet_engine_commit_retries_total",
		Help: "Trade commits retried after version conflicts",
	})

	// MakerFills counts limit order fills, partitioned by source
	// (maker vs amm stage of the matcher).
	MakerFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bet_engine_fills_total",
		Help: "Matcher fills by source",
	}, []string{"source"})

	// ContinuationFailures counts post-commit side effects that failed.
	// Failures here never fail the trade; they are logged and counted.
	ContinuationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bet_engine_continuation_failures_total",
		Help: "Post-commit continuation steps that failed",
	}, []string{"step"})

	// PositionLimitRejections counts trades rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bet_engine_position_limit_rejections_total",
		Help: "Trades rejected by position limiter",
	})

	// LoansIssued counts automatic loan issuances.
	LoansIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bet_engine_loans_issued_total",
		Help: "Automatic loans issued to cover buys",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bet_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bet_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bet_engine_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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
