// Package metrics provides Prometheus instrumentation for the energy ledger.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ListingsCreated counts listings accepted by the ledger.
	ListingsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_listings_created_total",
		Help: "Total number of listings created",
	})

	// ActiveListings tracks listings that can still be purchased.
	ActiveListings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_active_listings",
		Help: "Number of currently active listings",
	})

	// TradesTotal counts settled purchases.
	TradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_trades_total",
		Help: "Total number of trades settled",
	})

	// SettledValue sums trade total prices, split into seller and platform
	// shares.
	SettledValue = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settled_value_total",
		Help: "Cumulative settled value in base units",
	}, []string{"recipient"})

	// SettlementLatency tracks purchase latency including lock wait.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_settlement_latency_seconds",
		Help:    "Purchase settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Rejections counts failed operations by operation and error kind.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejections_total",
		Help: "Ledger operations rejected, by operation and error kind",
	}, []string{"op", "kind"})

	// Payouts counts external transfers by purpose and outcome.
	Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_payouts_total",
		Help: "External transfers attempted, by purpose and result",
	}, []string{"purpose", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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

		// chi fills in the pattern while routing, so read it afterwards.
		path := "unmatched"
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is needed by the WebSocket upgrade behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot hijack")
	}
	return h.Hijack()
}
