// Package metrics provides Prometheus instrumentation for the allocation engine.
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
	// BidsTotal counts bids placed, partitioned by auction type.
	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundbridge_bids_total",
		Help: "Total number of bids placed",
	}, []string{"auction_type"})

	// BidRejections counts bids rejected before entry, by reason.
	BidRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundbridge_bid_rejections_total",
		Help: "Bids rejected before entering an auction",
	}, []string{"reason"})

	// AuctionsClosed counts auction closes, by clearing method.
	AuctionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundbridge_auctions_closed_total",
		Help: "Auctions closed and cleared",
	}, []string{"method"})

	// ActiveAuctions tracks the number of auctions currently accepting bids.
	ActiveAuctions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fundbridge_active_auctions",
		Help: "Number of currently active auctions",
	})

	// TrustRecalculations counts full trust score recalculations.
	TrustRecalculations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundbridge_trust_recalculations_total",
		Help: "Trust score recalculations performed",
	})

	// TrustDecays counts decay steps applied to inactive entities.
	TrustDecays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundbridge_trust_decays_total",
		Help: "Trust decay steps applied",
	})

	// TrustRecoveries counts recovery credits granted on returning activity.
	TrustRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundbridge_trust_recoveries_total",
		Help: "Trust recovery credits applied",
	})

	// AllocationsTotal counts guarantee allocations created, by layer.
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundbridge_guarantee_allocations_total",
		Help: "Guarantee allocations created",
	}, []string{"layer"})

	// AllocatedCoverage tracks cumulative coverage percent allocated per layer.
	AllocatedCoverage = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundbridge_guarantee_coverage_percent_total",
		Help: "Cumulative guarantee coverage percent allocated",
	}, []string{"layer"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fundbridge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundbridge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fundbridge_http_request_duration_seconds",
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
