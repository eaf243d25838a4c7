// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// OrdersTotal counts submitted orders by instrument and final status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_orders_total",
		Help: "Orders submitted, by outcome",
	}, []string{"instrument", "status"})

	// TradesTotal counts executions per instrument.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_trades_total",
		Help: "Total number of trades executed",
	}, []string{"instrument"})

	// TradedVolume tracks cumulative executed quantity per instrument.
	TradedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_volume_total",
		Help: "Cumulative executed quantity",
	}, []string{"instrument"})

	// MatchLatency tracks time spent inside one submission, lock to unlock.
	MatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trading_match_latency_seconds",
		Help:    "Order submission latency in seconds",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
	}, []string{"instrument"})

	// RestingOrders tracks the number of orders resting per book.
	RestingOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trading_resting_orders",
		Help: "Orders currently resting in the book",
	}, []string{"instrument"})

	// MarginCallsIssued counts margin calls by region.
	MarginCallsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_margin_calls_issued_total",
		Help: "Margin calls issued",
	}, []string{"region"})

	// MarginCallsResolved counts resolutions by outcome.
	MarginCallsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_margin_calls_resolved_total",
		Help: "Margin calls resolved, by resolution",
	}, []string{"resolution"})

	// OpenMarginCalls tracks calls awaiting resolution.
	OpenMarginCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trading_margin_calls_open",
		Help: "Margin calls currently open",
	})

	// SweepDuration tracks how long a periodic margin sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trading_margin_sweep_duration_seconds",
		Help:    "Duration of one margin monitor sweep",
		Buckets: prometheus.DefBuckets,
	})

	// EventsDropped counts events a slow subscriber could not take.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_events_dropped_total",
		Help: "Events dropped because a subscriber was full",
	}, []string{"subscriber"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trading_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trading_http_request_duration_seconds",
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
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
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

// Hijack exposes the underlying connection for WebSocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}
