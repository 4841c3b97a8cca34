package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/smartdevs17/deal-alerts/internal/ratelimit"
)

// GetStorageStats summarizes table sizes for the management API.
func (s *sqlStore) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	stats := &StorageStats{AttemptsByStatus: make(map[string]int64), LastCleanup: s.lastCleanup.Load()}

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM alert_rules`, &stats.TotalRules},
		{`SELECT COUNT(*) FROM alert_rules WHERE enabled = 1`, &stats.EnabledRules},
		{`SELECT COUNT(*) FROM listings`, &stats.TotalListings},
		{`SELECT COUNT(*) FROM price_watches`, &stats.TotalWatches},
		{`SELECT COUNT(*) FROM deferred_notifications`, &stats.DeferredPending},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, dbError("Failed to collect storage stats", err)
		}
	}

	var latest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM listings`).Scan(&latest); err != nil {
		return nil, dbError("Failed to collect storage stats", err)
	}
	stats.LatestListing = timePtr(latest)

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM notification_attempts GROUP BY status`)
	if err != nil {
		return nil, dbError("Failed to collect attempt stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, dbError("Failed to scan attempt stats", err)
		}
		stats.AttemptsByStatus[status] = n
	}
	return stats, rows.Err()
}

// Cleanup deletes audit rows, finished delivery keys and rate counters
// older than retentionDays, plus expired leases. Delivery keys only need to
// outlive the rule watermark window, which is far shorter than retention.
func (s *sqlStore) Cleanup(ctx context.Context, retentionDays int) error {
	if err := s.connected(); err != nil {
		return err
	}
	if retentionDays <= 0 {
		return nil
	}
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -retentionDays)

	statements := []struct {
		query string
		args  []interface{}
	}{
		{`DELETE FROM notification_attempts WHERE created_at < ?`, []interface{}{toNanos(cutoff)}},
		{`DELETE FROM deliveries WHERE state <> 'pending' AND updated_at < ?`, []interface{}{toNanos(cutoff)}},
		{`DELETE FROM rate_counters WHERE day < ?`, []interface{}{ratelimit.DayKey(cutoff)}},
		{`DELETE FROM pass_leases WHERE expires_at < ?`, []interface{}{toNanos(now)}},
	}
	var removed int64
	for _, st := range statements {
		res, err := s.db.ExecContext(ctx, s.rebind(st.query), st.args...)
		if err != nil {
			return dbError("Cleanup failed", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}
	s.lastCleanup.Store(&now)
	s.logger.WithField("retention_days", retentionDays).WithField("rows_removed", removed).Info("Storage cleanup completed")
	return nil
}
