// Package metrics provides Prometheus instrumentation for the TradeHub core.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradehub",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradehub",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RequestsCreatedTotal counts trade requests posted.
	RequestsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradehub",
		Name:      "requests_created_total",
		Help:      "Total trade requests created.",
	})

	// RequestsMatchedTotal counts requests successfully claimed.
	RequestsMatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradehub",
		Name:      "requests_matched_total",
		Help:      "Total trade requests claimed into trades.",
	})

	// ClaimConflictsTotal counts claim attempts that lost the race.
	ClaimConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradehub",
		Name:      "claim_conflicts_total",
		Help:      "Total claim attempts rejected because the request was already matched.",
	})

	// RequestsExpiredTotal counts open requests swept past their TTL.
	RequestsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradehub",
		Name:      "requests_expired_total",
		Help:      "Total open trade requests expired by the sweep loop.",
	})

	// TradesTotal counts trades reaching a terminal status.
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradehub",
			Name:      "trades_total",
			Help:      "Total trades by terminal status (settled, disputed, refunded).",
		},
		[]string{"status"},
	)

	// TradeDuration observes time from trade creation to resolution.
	TradeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradehub",
		Name:      "trade_duration_seconds",
		Help:      "Time from trade creation to terminal status in seconds.",
		Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800, 3600, 86400},
	})

	// ProofUploadsTotal counts accepted payment-proof uploads.
	ProofUploadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradehub",
		Name:      "proof_uploads_total",
		Help:      "Total payment proofs accepted.",
	})

	// ProofRejectedTotal counts proof uploads rejected by validation.
	ProofRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradehub",
			Name:      "proof_rejected_total",
			Help:      "Total payment proofs rejected by validation, by reason.",
		},
		[]string{"reason"},
	)

	// CountdownsScheduledTotal counts countdowns armed.
	CountdownsScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradehub",
			Name:      "countdowns_scheduled_total",
			Help:      "Total countdowns scheduled by purpose.",
		},
		[]string{"purpose"},
	)

	// CountdownsFiredTotal counts countdowns that reached their deadline.
	CountdownsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradehub",
			Name:      "countdowns_fired_total",
			Help:      "Total countdowns fired by purpose.",
		},
		[]string{"purpose"},
	)

	// CountdownsCancelledTotal counts countdowns cancelled before firing.
	CountdownsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradehub",
			Name:      "countdowns_cancelled_total",
			Help:      "Total countdowns cancelled before firing, by purpose.",
		},
		[]string{"purpose"},
	)

	// EventsPublishedTotal counts events fanned out by the bus.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradehub",
			Name:      "events_published_total",
			Help:      "Total events published to the realtime bus by kind.",
		},
		[]string{"kind"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tradehub",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradehub", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradehub", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradehub", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradehub", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradehub", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradehub", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RequestsCreatedTotal,
		RequestsMatchedTotal,
		ClaimConflictsTotal,
		RequestsExpiredTotal,
		TradesTotal,
		TradeDuration,
		ProofUploadsTotal,
		ProofRejectedTotal,
		CountdownsScheduledTotal,
		CountdownsFiredTotal,
		CountdownsCancelledTotal,
		EventsPublishedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
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
