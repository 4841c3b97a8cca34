package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/deal-alerts/internal/metrics"
	"github.com/smartdevs17/deal-alerts/internal/models"
)

// StorageWithMetrics wraps a storage implementation and times the calls
// made on every dispatch pass.
type StorageWithMetrics struct {
	Storage
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage:        storage,
		metricsManager: metricsManager,
	}
}

func (s *StorageWithMetrics) observe(operation, table string, start time.Time, err error) {
	if s.metricsManager == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metricsManager.GetPrometheusMetrics().RecordDatabaseOperation(operation, table, status, time.Since(start))
}

func (s *StorageWithMetrics) ListEnabledRules(ctx context.Context) ([]*models.AlertRule, error) {
	start := time.Now()
	rules, err := s.Storage.ListEnabledRules(ctx)
	s.observe("select", "alert_rules", start, err)
	return rules, err
}

func (s *StorageWithMetrics) UpdateWatermark(ctx context.Context, ruleID string, ts time.Time) error {
	start := time.Now()
	err := s.Storage.UpdateWatermark(ctx, ruleID, ts)
	s.observe("update", "alert_rules", start, err)
	return err
}

func (s *StorageWithMetrics) GetListingsSince(ctx context.Context, ts time.Time, limit int) ([]*models.Listing, error) {
	start := time.Now()
	listings, err := s.Storage.GetListingsSince(ctx, ts, limit)
	s.observe("select", "listings", start, err)
	return listings, err
}

func (s *StorageWithMetrics) GetListingsAfter(ctx context.Context, ts time.Time, afterID string, limit int) ([]*models.Listing, error) {
	start := time.Now()
	listings, err := s.Storage.GetListingsAfter(ctx, ts, afterID, limit)
	s.observe("select", "listings", start, err)
	return listings, err
}

func (s *StorageWithMetrics) ClaimDelivery(ctx context.Context, key models.DeliveryKey, now time.Time, staleAfter time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.Storage.ClaimDelivery(ctx, key, now, staleAfter)
	s.observe("upsert", "deliveries", start, err)
	return ok, err
}

func (s *StorageWithMetrics) CompleteDelivery(ctx context.Context, key models.DeliveryKey, state models.DeliveryState, now time.Time) error {
	start := time.Now()
	err := s.Storage.CompleteDelivery(ctx, key, state, now)
	s.observe("update", "deliveries", start, err)
	return err
}

func (s *StorageWithMetrics) RecordAttempt(ctx context.Context, attempt *models.NotificationAttempt) error {
	start := time.Now()
	err := s.Storage.RecordAttempt(ctx, attempt)
	s.observe("insert", "notification_attempts", start, err)
	return err
}

func (s *StorageWithMetrics) IncrementWithCeiling(ctx context.Context, userID, day string, ceiling int) (bool, error) {
	start := time.Now()
	ok, err := s.Storage.IncrementWithCeiling(ctx, userID, day, ceiling)
	s.observe("upsert", "rate_counters", start, err)
	return ok, err
}

func (s *StorageWithMetrics) EnqueueDeferred(ctx context.Context, n *models.DeferredNotification) (bool, error) {
	start := time.Now()
	ok, err := s.Storage.EnqueueDeferred(ctx, n)
	s.observe("insert", "deferred_notifications", start, err)
	return ok, err
}

func (s *StorageWithMetrics) DueDeferred(ctx context.Context, now time.Time, limit int) ([]*models.DeferredNotification, error) {
	start := time.Now()
	items, err := s.Storage.DueDeferred(ctx, now, limit)
	s.observe("select", "deferred_notifications", start, err)
	return items, err
}

func (s *StorageWithMetrics) CountDeferred(ctx context.Context) (int64, error) {
	n, err := s.Storage.CountDeferred(ctx)
	if err == nil && s.metricsManager != nil {
		s.metricsManager.GetPrometheusMetrics().UpdateDeferredQueueLength(n)
	}
	return n, err
}
