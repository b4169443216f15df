// Package metrics provides Prometheus instrumentation for the escrow core.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path pattern, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DepositsRecordedTotal counts newly recorded escrow deposits.
	DepositsRecordedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "deposits_recorded_total",
		Help:      "Total escrow deposit movements recorded.",
	})

	// DuplicateDepositsTotal counts deposit dedupe hits during reconciliation.
	DuplicateDepositsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "duplicate_deposits_total",
		Help:      "Total deposit transfers skipped as already recorded.",
	})

	// TradesFundedTotal counts trades that reached escrowed.
	TradesFundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "trades_funded_total",
		Help:      "Total trades whose escrow reached the required confirmed amount.",
	})

	// SettlementsTotal counts settlement attempts by kind and outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "settlements_total",
			Help:      "Total settlement attempts by kind (release, refund) and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// ReconcileRunsTotal counts reconciliation passes by outcome.
	ReconcileRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "reconcile_runs_total",
			Help:      "Total reconciliation passes by outcome.",
		},
		[]string{"outcome"},
	)

	// WalletRPCDuration observes wallet RPC latency by method.
	WalletRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "wallet_rpc_duration_seconds",
			Help:      "Wallet RPC call duration in seconds by method.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DepositsRecordedTotal,
		DuplicateDepositsTotal,
		TradesFundedTotal,
		SettlementsTotal,
		ReconcileRunsTotal,
		WalletRPCDuration,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not raw path, to bound cardinality
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
