package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "entitlements"

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Database metrics
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitCount        prometheus.Gauge

	// Entitlement metrics
	DecisionsTotal             *prometheus.CounterVec
	DecisionDuration           *prometheus.HistogramVec
	InvitationTransitionsTotal *prometheus.CounterVec
	SubscriptionChangesTotal   *prometheus.CounterVec
	UsageRecordedTotal         *prometheus.CounterVec
	QuotaRejectionsTotal       *prometheus.CounterVec
	PlanCatalogReloadsTotal    *prometheus.CounterVec
	JobRunsTotal               *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),

		// Storage metrics
		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of usage counter operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_operation_duration_seconds",
				Help:      "Usage counter operation duration in seconds",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation", "backend"},
		),

		// Database metrics
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_in_use",
				Help:      "Number of database connections in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_idle",
				Help:      "Number of idle database connections",
			},
		),
		DBWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_wait_count",
				Help:      "Total number of connections waited for",
			},
		),

		// Entitlement metrics
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Authorization decisions by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_duration_seconds",
				Help:      "Time to reach an authorization decision",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
			[]string{"action"},
		),
		InvitationTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invitation_transitions_total",
				Help:      "Invitation state transitions",
			},
			[]string{"transition"},
		),
		SubscriptionChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscription_changes_total",
				Help:      "Subscription lifecycle changes",
			},
			[]string{"operation"},
		),
		UsageRecordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_recorded_total",
				Help:      "Units of usage recorded",
			},
			[]string{"metric", "plan"},
		),
		QuotaRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_rejections_total",
				Help:      "Metered actions rejected for exceeding the plan limit",
			},
			[]string{"metric", "plan"},
		),
		PlanCatalogReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_catalog_reloads_total",
				Help:      "Plan catalog reloads by result",
			},
			[]string{"status"},
		),
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Reconciliation job runs by job and result",
			},
			[]string{"job", "status"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.DBWaitCount,
		m.DecisionsTotal,
		m.DecisionDuration,
		m.InvitationTransitionsTotal,
		m.SubscriptionChangesTotal,
		m.UsageRecordedTotal,
		m.QuotaRejectionsTotal,
		m.PlanCatalogReloadsTotal,
		m.JobRunsTotal,
	)

	return m
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordDecision counts an authorization decision. All Record methods are
// safe on a nil *Metrics.
func (m *Metrics) RecordDecision(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(action, outcome).Inc()
	m.DecisionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordInvitationTransition counts an invitation state change
func (m *Metrics) RecordInvitationTransition(transition string) {
	if m == nil {
		return
	}
	m.InvitationTransitionsTotal.WithLabelValues(transition).Inc()
}

// RecordSubscriptionChange counts a subscription lifecycle change
func (m *Metrics) RecordSubscriptionChange(operation string) {
	if m == nil {
		return
	}
	m.SubscriptionChangesTotal.WithLabelValues(operation).Inc()
}

// RecordUsage counts delta units of metric recorded under plan
func (m *Metrics) RecordUsage(metric, plan string, delta int64) {
	if m == nil {
		return
	}
	m.UsageRecordedTotal.WithLabelValues(metric, plan).Add(float64(delta))
}

// RecordQuotaRejection counts a metered action refused by the plan limit
func (m *Metrics) RecordQuotaRejection(metric, plan string) {
	if m == nil {
		return
	}
	m.QuotaRejectionsTotal.WithLabelValues(metric, plan).Inc()
}

// RecordStorageOperation observes one usage counter round trip
func (m *Metrics) RecordStorageOperation(operation, backend string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.StorageOperationsTotal.WithLabelValues(operation, backend, status(err)).Inc()
	m.StorageOperationDuration.WithLabelValues(operation, backend).Observe(time.Since(start).Seconds())
}

// RecordCatalogReload counts a plan catalog reload
func (m *Metrics) RecordCatalogReload(err error) {
	if m == nil {
		return
	}
	m.PlanCatalogReloadsTotal.WithLabelValues(status(err)).Inc()
}

// RecordJobRun counts a reconciliation job run
func (m *Metrics) RecordJobRun(job string, err error) {
	if m == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(job, status(err)).Inc()
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBWaitCount.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel returns the matched route template so ids do not explode the
// label cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Install it with mux.Router.Use so the matched route is known.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			statusCode := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusCode).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
