package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// Manager handles all application metrics
type Manager struct {
	prometheus *PrometheusMetrics
	registry   prometheus.Gatherer
	logger     *logrus.Entry
	startTime  time.Time
}

// NewManager creates a metrics manager registered on the default registry.
func NewManager() *Manager {
	return NewManagerWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewManagerWithRegistry creates a manager bound to a specific registry.
func NewManagerWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Manager {
	return &Manager{
		prometheus: NewPrometheusMetrics(reg),
		registry:   gatherer,
		logger:     utils.ComponentLogger("metrics"),
		startTime:  time.Now(),
	}
}

// GetPrometheusMetrics returns the Prometheus metrics instance
func (m *Manager) GetPrometheusMetrics() *PrometheusMetrics {
	return m.prometheus
}

// Gatherer returns the registry the metrics are exposed from.
func (m *Manager) Gatherer() prometheus.Gatherer {
	return m.registry
}

// UpdateSystemMetrics updates system-level metrics like memory and goroutines
func (m *Manager) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.prometheus.UpdateMemoryUsage(memStats.Alloc)
	m.prometheus.UpdateGoroutineCount(runtime.NumGoroutine())
	m.prometheus.UpdateApplicationUptime(m.startTime)
}

// Uptime returns the time since the manager was created.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.startTime)
}
