// Package server exposes the management API: rules, preferences, price
// watches, the delivery audit, pass triggers, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/deal-alerts/internal/config"
	"github.com/smartdevs17/deal-alerts/internal/dispatcher"
	"github.com/smartdevs17/deal-alerts/internal/metrics"
	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/internal/notification"
	"github.com/smartdevs17/deal-alerts/internal/scheduler"
	"github.com/smartdevs17/deal-alerts/internal/storage"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// HTTPServer represents the HTTP server
type HTTPServer struct {
	config         *config.ServerConfig
	version        string
	server         *http.Server
	router         *mux.Router
	storage        storage.Storage
	dispatcher     *dispatcher.Dispatcher
	scheduler      *scheduler.Scheduler
	notification   *notification.NotificationManager
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	stopUpdater context.CancelFunc
	updaterDone chan struct{}
}

// Dependencies are the components the API manages. Metrics is optional.
type Dependencies struct {
	Storage      storage.Storage
	Dispatcher   *dispatcher.Dispatcher
	Scheduler    *scheduler.Scheduler
	Notification *notification.NotificationManager
	Metrics      *metrics.Manager
	Version      string
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.ServerConfig, deps Dependencies) (*HTTPServer, error) {
	if deps.Storage == nil || deps.Dispatcher == nil || deps.Scheduler == nil || deps.Notification == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "server requires storage, dispatcher, scheduler and notification manager")
	}

	s := &HTTPServer{
		config:         cfg,
		version:        deps.Version,
		storage:        deps.Storage,
		dispatcher:     deps.Dispatcher,
		scheduler:      deps.Scheduler,
		notification:   deps.Notification,
		metricsManager: deps.Metrics,
		logger:         utils.ComponentLogger("server"),
	}
	s.setupRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
		api.HandleFunc("/health/detailed", s.detailedHealthHandler).Methods(http.MethodGet)
	}
	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metricsManager.Gatherer(), promhttp.HandlerOpts{}))
	}
	api.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)

	// Rules
	api.HandleFunc("/rules", s.listRulesHandler).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.createRuleHandler).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}", s.getRuleHandler).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id}", s.updateRuleHandler).Methods(http.MethodPut)
	api.HandleFunc("/rules/{id}", s.deleteRuleHandler).Methods(http.MethodDelete)
	api.HandleFunc("/rules/{id}/pause", s.setRuleEnabledHandler(false)).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}/resume", s.setRuleEnabledHandler(true)).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}/test", s.testRuleHandler).Methods(http.MethodPost)

	// Users
	api.HandleFunc("/users/{id}/preferences", s.getPreferencesHandler).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/preferences", s.putPreferencesHandler).Methods(http.MethodPut)
	api.HandleFunc("/users/{id}/flags", s.listFlagsHandler).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/flags/{channel}", s.clearFlagHandler).Methods(http.MethodDelete)
	api.HandleFunc("/users/{id}/watches", s.listWatchesHandler).Methods(http.MethodGet)

	// Price watches
	api.HandleFunc("/watches", s.createWatchHandler).Methods(http.MethodPost)
	api.HandleFunc("/watches/{id}", s.deleteWatchHandler).Methods(http.MethodDelete)

	// Audit
	api.HandleFunc("/attempts", s.listAttemptsHandler).Methods(http.MethodGet)

	// Passes
	api.HandleFunc("/passes", s.passStatusHandler).Methods(http.MethodGet)
	api.HandleFunc("/passes/{kind}/run", s.runPassHandler).Methods(http.MethodPost)

	// Notifications
	api.HandleFunc("/notifications/channels", s.listChannelsHandler).Methods(http.MethodGet)
	api.HandleFunc("/notifications/test", s.testNotificationHandler).Methods(http.MethodPost)
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.updateComponentMetrics()
		ctx, cancel := context.WithCancel(context.Background())
		s.stopUpdater = cancel
		s.updaterDone = make(chan struct{})
		go s.systemMetricsUpdater(ctx)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Surface immediate bind errors.
	select {
	case err := <-errChan:
		s.haltUpdater()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (s *HTTPServer) systemMetricsUpdater(ctx context.Context) {
	defer close(s.updaterDone)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateComponentMetrics()
		case <-ctx.Done():
			return
		}
	}
}

func (s *HTTPServer) updateComponentMetrics() {
	s.metricsManager.UpdateSystemMetrics()
	m := s.metricsManager.GetPrometheusMetrics()
	m.UpdateComponentHealth("storage", s.storage.GetHealth().Healthy)
	m.UpdateComponentHealth("notification", s.notification.GetHealth().Healthy)
}

func (s *HTTPServer) haltUpdater() {
	if s.stopUpdater != nil {
		s.stopUpdater()
		<-s.updaterDone
		s.stopUpdater = nil
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	s.haltUpdater()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Health handlers

func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"version":         s.version,
		"metrics_enabled": s.config.EnableMetrics,
	})
}

func (s *HTTPServer) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	storageHealth := s.storage.GetHealth()
	notificationHealth := s.notification.GetHealth()

	status, code := "healthy", http.StatusOK
	if !storageHealth.Healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	} else if !notificationHealth.Healthy {
		status = "degraded"
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   s.version,
		"components": map[string]interface{}{
			"storage":      storageHealth,
			"notification": notificationHealth,
			"passes":       s.scheduler.Status(),
		},
	})
}

func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	storageStats, err := s.storage.GetStorageStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve storage stats", err)
		return
	}

	stats := map[string]interface{}{
		"timestamp":       time.Now().UTC(),
		"storage":         storageStats,
		"notification":    s.notification.GetStats(),
		"passes":          s.scheduler.Status(),
		"metrics_enabled": s.config.EnableMetrics,
	}
	if s.metricsManager != nil {
		stats["uptime_seconds"] = int64(s.metricsManager.Uptime().Seconds())
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// Utility methods

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}

	if err != nil {
		body["details"] = err.Error()
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			body["field"] = verr.Field
		}
		if code := utils.ErrorCode(err); code != "" {
			body["code"] = code
		}
		entry := s.logger.WithFields(logrus.Fields{"status": status, "message": message}).WithError(err)
		if status >= http.StatusInternalServerError {
			entry.Error("HTTP error")
		} else {
			entry.Debug("HTTP client error")
		}
	}

	s.writeJSON(w, status, body)
}

// writeStoreError maps storage and validation errors onto HTTP statuses.
func (s *HTTPServer) writeStoreError(w http.ResponseWriter, message string, err error) {
	var verr *models.ValidationError
	switch {
	case utils.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, message, err)
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, message, err)
	default:
		s.writeError(w, http.StatusInternalServerError, message, err)
	}
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}
