package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

const listingColumns = `id, title, description, price, currency, category, item_condition,
	lat, lon, deal_score, url, created_at, updated_at`

// GetListingsSince implements ListingSnapshot.
func (s *sqlStore) GetListingsSince(ctx context.Context, ts time.Time, limit int) ([]*models.Listing, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE created_at > ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, toNanos(ts), limit)
}

// GetListingsAfter implements ListingSnapshot.
func (s *sqlStore) GetListingsAfter(ctx context.Context, ts time.Time, afterID string, limit int) ([]*models.Listing, error) {
	if limit <= 0 {
		limit = 1000
	}
	n := toNanos(ts)
	return s.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE created_at > ? OR (created_at = ? AND id > ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, n, n, afterID, limit)
}

// GetRecentListings implements ListingSnapshot.
func (s *sqlStore) GetRecentListings(ctx context.Context, ts time.Time, limit int) ([]*models.Listing, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE created_at > ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, toNanos(ts), limit)
}

// GetListingsByIDs loads the listings with the given ids. Unknown ids are
// silently absent from the result.
func (s *sqlStore) GetListingsByIDs(ctx context.Context, ids []string) ([]*models.Listing, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryListings(ctx, `SELECT `+listingColumns+` FROM listings WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
}

// SaveListing upserts a listing. Ingestion owns this data; the engine only
// writes it from tooling and tests.
func (s *sqlStore) SaveListing(ctx context.Context, l *models.Listing) error {
	if err := s.connected(); err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = utils.GenerateID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}

	var lat, lon interface{}
	if l.Location != nil {
		lat, lon = l.Location.Lat, l.Location.Lon
	}

	query := `
		INSERT INTO listings (` + listingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			price = excluded.price,
			currency = excluded.currency,
			category = excluded.category,
			item_condition = excluded.item_condition,
			lat = excluded.lat,
			lon = excluded.lon,
			deal_score = excluded.deal_score,
			url = excluded.url,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		l.ID, l.Title, l.Description, l.Price.String(), l.Currency, l.Category,
		nullableCondition(l.Condition), lat, lon, nullableFloat(l.DealScore), l.URL,
		toNanos(l.CreatedAt), toNanos(l.UpdatedAt))
	if err != nil {
		return dbError("Failed to save listing", err)
	}
	return nil
}

func (s *sqlStore) queryListings(ctx context.Context, query string, args ...interface{}) ([]*models.Listing, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, dbError("Failed to query listings", err)
	}
	defer rows.Close()

	var listings []*models.Listing
	for rows.Next() {
		var (
			l                    models.Listing
			condition            sql.NullString
			lat, lon, dealScore  sql.NullFloat64
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&l.ID, &l.Title, &l.Description, &l.Price, &l.Currency, &l.Category,
			&condition, &lat, &lon, &dealScore, &l.URL, &createdAt, &updatedAt); err != nil {
			return nil, dbError("Failed to scan listing", err)
		}
		if condition.Valid && condition.String != "" {
			c := models.Condition(condition.String)
			l.Condition = &c
		}
		if lat.Valid && lon.Valid {
			l.Location = &models.GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
		}
		if dealScore.Valid {
			v := dealScore.Float64
			l.DealScore = &v
		}
		l.CreatedAt = fromNanos(createdAt)
		l.UpdatedAt = fromNanos(updatedAt)
		listings = append(listings, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("Failed to iterate listings", err)
	}
	return listings, nil
}
