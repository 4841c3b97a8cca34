package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

const watchColumns = `id, user_id, listing_id, threshold_price, channels, enabled,
	last_notified_price, last_checked_at, created_at`

// GetPriceWatches returns every enabled watch.
func (s *sqlStore) GetPriceWatches(ctx context.Context) ([]*models.PriceWatch, error) {
	return s.queryWatches(ctx, `SELECT `+watchColumns+` FROM price_watches WHERE enabled = 1 ORDER BY created_at, id`)
}

// ListUserWatches returns the watches owned by userID.
func (s *sqlStore) ListUserWatches(ctx context.Context, userID string) ([]*models.PriceWatch, error) {
	return s.queryWatches(ctx, `SELECT `+watchColumns+` FROM price_watches WHERE user_id = ? ORDER BY created_at, id`, userID)
}

// GetPriceWatch loads one watch.
func (s *sqlStore) GetPriceWatch(ctx context.Context, id string) (*models.PriceWatch, error) {
	watches, err := s.queryWatches(ctx, `SELECT `+watchColumns+` FROM price_watches WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(watches) == 0 {
		return nil, ErrNotFound
	}
	return watches[0], nil
}

// SavePriceWatch upserts a watch keyed by (user, listing).
func (s *sqlStore) SavePriceWatch(ctx context.Context, w *models.PriceWatch) error {
	if err := s.connected(); err != nil {
		return err
	}
	if w.ID == "" {
		w.ID = utils.GenerateID()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	channels, err := encodeJSON(w.Channels)
	if err != nil {
		return dbError("Failed to encode watch channels", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO price_watches (`+watchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, listing_id) DO UPDATE SET
			threshold_price = excluded.threshold_price,
			channels = excluded.channels,
			enabled = excluded.enabled`),
		w.ID, w.UserID, w.ListingID, w.ThresholdPrice.String(), channels, boolToInt(w.Enabled),
		nullableDecimal(w.LastNotifiedPrice), nullableNanos(w.LastCheckedAt), toNanos(w.CreatedAt))
	if err != nil {
		return dbError("Failed to save price watch", err)
	}
	return nil
}

// DeletePriceWatch removes a watch.
func (s *sqlStore) DeletePriceWatch(ctx context.Context, id string) error {
	return s.execAffectingOne(ctx, "Failed to delete price watch", `DELETE FROM price_watches WHERE id = ?`, id)
}

// MarkWatchNotified stores the price a drop alert fired at.
func (s *sqlStore) MarkWatchNotified(ctx context.Context, id string, price decimal.Decimal, at time.Time) error {
	return s.execAffectingOne(ctx, "Failed to update price watch",
		`UPDATE price_watches SET last_notified_price = ?, last_checked_at = ? WHERE id = ?`,
		price.String(), toNanos(at), id)
}

// MarkWatchesChecked stamps the time watches were last evaluated.
func (s *sqlStore) MarkWatchesChecked(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.connected(); err != nil {
		return err
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, toNanos(at))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE price_watches SET last_checked_at = ? WHERE id IN (`+placeholders(len(ids))+`)`), args...)
	if err != nil {
		return dbError("Failed to mark watches checked", err)
	}
	return nil
}

func (s *sqlStore) queryWatches(ctx context.Context, query string, args ...interface{}) ([]*models.PriceWatch, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, dbError("Failed to query price watches", err)
	}
	defer rows.Close()

	var watches []*models.PriceWatch
	for rows.Next() {
		var (
			w            models.PriceWatch
			channels     string
			enabled      int
			lastNotified decimal.NullDecimal
			lastChecked  sql.NullInt64
			createdAt    int64
		)
		if err := rows.Scan(&w.ID, &w.UserID, &w.ListingID, &w.ThresholdPrice, &channels, &enabled,
			&lastNotified, &lastChecked, &createdAt); err != nil {
			return nil, dbError("Failed to scan price watch", err)
		}
		if err := json.Unmarshal([]byte(channels), &w.Channels); err != nil {
			return nil, dbError("Failed to decode watch channels", err)
		}
		w.Enabled = enabled != 0
		if lastNotified.Valid {
			w.LastNotifiedPrice = &lastNotified.Decimal
		}
		w.LastCheckedAt = timePtr(lastChecked)
		w.CreatedAt = fromNanos(createdAt)
		watches = append(watches, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("Failed to iterate price watches", err)
	}
	return watches, nil
}
