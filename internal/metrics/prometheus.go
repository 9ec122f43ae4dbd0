// Package metrics provides Prometheus metrics collection for CourseShield services
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courseshield",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "courseshield",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method", "path"},
	)

	httpRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "courseshield",
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
		[]string{"service"},
	)
)

// Risk engine metrics
var (
	// SharingSignalsTotal counts account-sharing heuristics that fired,
	// labelled by signal name (multi_ip, parallel_session, device_hop)
	SharingSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courseshield",
			Name:      "sharing_signals_total",
			Help:      "Total number of account-sharing signals that fired",
		},
		[]string{"signal"},
	)

	// EnforcementActionsTotal counts enforcement actions taken,
	// labelled by action (warn, lock, flag, ban)
	EnforcementActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courseshield",
			Name:      "enforcement_actions_total",
			Help:      "Total number of enforcement actions applied",
		},
		[]string{"action"},
	)

	// DetectorEvaluationsTotal counts detector runs by outcome
	// (applied, cooldown, no_signal, banned)
	DetectorEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courseshield",
			Name:      "detector_evaluations_total",
			Help:      "Total number of sharing detector evaluations by outcome",
		},
		[]string{"outcome"},
	)

	// DecayProcessedTotal counts users touched by the decay sweep
	DecayProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "courseshield",
			Name:      "decay_processed_total",
			Help:      "Total number of users processed by the suspicion decay sweep",
		},
	)

	// DecayClearedTotal counts users fully cleared by the decay sweep
	DecayClearedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "courseshield",
			Name:      "decay_cleared_total",
			Help:      "Total number of users whose suspicion episode was fully cleared by decay",
		},
	)

	// LedgerWriteFailuresTotal counts failed risk event ledger appends
	LedgerWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "courseshield",
			Name:      "ledger_write_failures_total",
			Help:      "Total number of failed risk event ledger writes",
		},
	)

	// LoginAnomaliesTotal counts login anomalies by reason (ip_change, proxy_header)
	LoginAnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courseshield",
			Name:      "login_anomalies_total",
			Help:      "Total number of login anomalies detected",
		},
		[]string{"reason"},
	)
)

// PrometheusMetrics returns a Gin middleware that records HTTP metrics.
// serviceName is used as the "service" label on all metrics.
func PrometheusMetrics(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		// Skip metrics endpoint itself to avoid recursion
		if path == "/metrics" {
			c.Next()
			return
		}

		httpRequestsInFlight.WithLabelValues(serviceName).Inc()
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		httpRequestsTotal.WithLabelValues(serviceName, method, path, status).Inc()
		httpRequestDuration.WithLabelValues(serviceName, method, path).Observe(duration)
		httpRequestsInFlight.WithLabelValues(serviceName).Dec()
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// Register this on the "/metrics" route.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
