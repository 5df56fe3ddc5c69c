// Package metrics exposes the exchange core's prometheus instruments,
// adapted from the teacher's internal/middleware/metrics.go to the
// core's own component names (ledger, order, match, queue, candle)
// instead of the original gin/sequencer-only set.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestDuration tracks request latency by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "path", "status"},
	)

	// OrdersTotal counts orders by action (submit, cancel, reject).
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_orders_total",
			Help: "Total number of orders by action and symbol",
		},
		[]string{"action", "symbol"},
	)

	// TradesTotal counts executed trades by symbol.
	TradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_trades_total",
			Help: "Total number of trades by symbol",
		},
		[]string{"symbol"},
	)

	// OrderBookDepth tracks resting order book depth.
	OrderBookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exchange_orderbook_depth",
			Help: "Current order book depth in shares",
		},
		[]string{"symbol", "side"},
	)

	// QueueDepth tracks in-flight (unacked) jobs per queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exchange_queue_depth",
			Help: "Approximate in-flight job count per queue",
		},
		[]string{"queue"},
	)

	// QueueRetriesTotal counts job retries by queue.
	QueueRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_queue_retries_total",
			Help: "Total job retries by queue",
		},
		[]string{"queue"},
	)

	// QueueDeadLetteredTotal counts jobs that exhausted their retries.
	QueueDeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_queue_dead_lettered_total",
			Help: "Total jobs moved to the failed-jobs queue",
		},
		[]string{"queue"},
	)

	// CandlesBuiltTotal counts persisted candle buckets by symbol/period.
	CandlesBuiltTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_candles_built_total",
			Help: "Total candle buckets built by symbol and period",
		},
		[]string{"symbol", "period"},
	)

	// AccountsQuarantinedTotal counts ledger invariant quarantines.
	AccountsQuarantinedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_accounts_quarantined_total",
			Help: "Total accounts quarantined due to invariant violations",
		},
	)
)

// PrometheusMiddleware records request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(c.Writer.Status()),
		).Observe(duration)
	}
}
