package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the deal-alert engine
type PrometheusMetrics struct {
	// Pass metrics
	PassesTotal        *prometheus.CounterVec
	PassDuration       *prometheus.HistogramVec
	PassesSkippedTotal *prometheus.CounterVec
	RulesEvaluated     *prometheus.CounterVec
	MatchesTotal       *prometheus.CounterVec
	LastPassTimestamp  *prometheus.GaugeVec

	// Notification metrics
	NotificationsSentTotal    *prometheus.CounterVec
	NotificationFailuresTotal *prometheus.CounterVec
	NotificationsSkippedTotal *prometheus.CounterVec
	NotificationDuration      *prometheus.HistogramVec
	NotificationRetriesTotal  *prometheus.CounterVec
	RateLimitedTotal          prometheus.Counter
	DeferredQueueLength       prometheus.Gauge

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		PassesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_alerts_passes_total",
				Help: "Total number of dispatch passes by kind and outcome",
			},
			[]string{"kind", "status"},
		),

		PassDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deal_alerts_pass_duration_seconds",
				Help:    "Wall time of dispatch passes",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
			},
			[]string{"kind"},
		),

		PassesSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_alerts_passes_skipped_total",
				Help: "Passes skipped because the previous pass of the same kind was still running",
			},
			[]string{"kind"},
		),

		RulesEvaluated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_alerts_rules_evaluated_total",
				Help: "Rules evaluated by final state",
			},
			[]string{"state"},
		),

		MatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_alerts_matches_total",
				Help: "Listings matched by kind of pass",
			},
			[]string{"kind"},
		),

		LastPassTimestamp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deal_alerts_last_pass_timestamp_seconds",
				Help: "Unix time the last pass of each kind finished",
			},
			[]string{"kind"},
		),

		NotificationsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_alerts_notifications_sent_total",
				Help: "Total number of notifications delivered",
			},
			[]string{"channel", "kind"},
		),

		NotificationFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_alerts_notification_failures_total",
				Help: "Total number of failed notification deliveries",
			},
			[]string{"channel", "kind", "reason"},
		),

		NotificationsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_alerts_notifications_skipped_total",
				Help: "Notifications suppressed by preferences, caps or idempotency",
			},
			[]string{"reason"},
		),

		NotificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deal_alerts_notification_duration_seconds",
				Help:    "Time spent delivering a notification including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),

		NotificationRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_alerts_notification_retries_total",
				Help: "Retries issued after transient delivery failures",
			},
			[]string{"channel"},
		),

		RateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "deal_alerts_rate_limited_total",
				Help: "Times a user hit the daily notification cap",
			},
		),

		DeferredQueueLength: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "deal_alerts_deferred_queue_length",
				Help: "Notifications waiting for quiet hours to end or a digest slot",
			},
		),

		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_alerts_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deal_alerts_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_alerts_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deal_alerts_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "deal_alerts_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deal_alerts_component_health",
				Help: "Health status of components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "deal_alerts_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "deal_alerts_goroutines",
				Help: "Current number of goroutines",
			},
		),
	}
}

func (m *PrometheusMetrics) RecordPass(kind, status string, duration time.Duration) {
	m.PassesTotal.WithLabelValues(kind, status).Inc()
	m.PassDuration.WithLabelValues(kind).Observe(duration.Seconds())
	m.LastPassTimestamp.WithLabelValues(kind).SetToCurrentTime()
}

func (m *PrometheusMetrics) RecordPassSkipped(kind string) {
	m.PassesSkippedTotal.WithLabelValues(kind).Inc()
}

func (m *PrometheusMetrics) RecordRuleState(state string) {
	m.RulesEvaluated.WithLabelValues(state).Inc()
}

func (m *PrometheusMetrics) RecordMatches(kind string, n int) {
	m.MatchesTotal.WithLabelValues(kind).Add(float64(n))
}

func (m *PrometheusMetrics) RecordNotificationSent(channel, kind string, duration time.Duration) {
	m.NotificationsSentTotal.WithLabelValues(channel, kind).Inc()
	m.NotificationDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordNotificationFailure(channel, kind, reason string) {
	m.NotificationFailuresTotal.WithLabelValues(channel, kind, reason).Inc()
}

func (m *PrometheusMetrics) RecordNotificationSkipped(reason string) {
	m.NotificationsSkippedTotal.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) RecordRetries(channel string, n int) {
	if n > 0 {
		m.NotificationRetriesTotal.WithLabelValues(channel).Add(float64(n))
	}
}

func (m *PrometheusMetrics) RecordRateLimited() {
	m.RateLimitedTotal.Inc()
}

func (m *PrometheusMetrics) UpdateDeferredQueueLength(n int64) {
	m.DeferredQueueLength.Set(float64(n))
}

func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}
