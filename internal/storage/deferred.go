package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// deferredPayload is the JSON body stored for a deferred notification.
type deferredPayload struct {
	RuleName string               `json:"rule_name"`
	Listing  models.Listing       `json:"listing"`
	Channels []models.ChannelKind `json:"channels"`
}

// EnqueueDeferred implements DeferredStore.
func (s *sqlStore) EnqueueDeferred(ctx context.Context, n *models.DeferredNotification) (bool, error) {
	if err := s.connected(); err != nil {
		return false, err
	}
	if n.ID == "" {
		n.ID = utils.GenerateID()
	}
	if n.ListingKey == "" {
		n.ListingKey = n.Listing.ID
	}
	if n.DeferredAt.IsZero() {
		n.DeferredAt = time.Now().UTC()
	}
	payload, err := encodeJSON(deferredPayload{RuleName: n.RuleName, Listing: n.Listing, Channels: n.Channels})
	if err != nil {
		return false, dbError("Failed to encode deferred notification", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO deferred_notifications
		(id, user_id, kind, rule_id, listing_key, payload, reason, deferred_at, release_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (rule_id, listing_key) DO NOTHING`),
		n.ID, n.UserID, string(n.Kind), n.RuleID, n.ListingKey, payload, n.Reason,
		toNanos(n.DeferredAt), toNanos(n.ReleaseAt))
	if err != nil {
		return false, dbError("Failed to enqueue deferred notification", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, dbError("Failed to enqueue deferred notification", err)
	}
	return affected > 0, nil
}

// DueDeferred returns items whose release time has passed, grouped by user.
func (s *sqlStore) DueDeferred(ctx context.Context, now time.Time, limit int) ([]*models.DeferredNotification, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, user_id, kind, rule_id, listing_key, payload, reason, deferred_at, release_at
		FROM deferred_notifications
		WHERE release_at <= ?
		ORDER BY user_id, release_at, id
		LIMIT ?`), toNanos(now), limit)
	if err != nil {
		return nil, dbError("Failed to load deferred notifications", err)
	}
	defer rows.Close()

	var out []*models.DeferredNotification
	for rows.Next() {
		var (
			n                     models.DeferredNotification
			kind, payload         string
			deferredAt, releaseAt int64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &kind, &n.RuleID, &n.ListingKey, &payload, &n.Reason,
			&deferredAt, &releaseAt); err != nil {
			return nil, dbError("Failed to scan deferred notification", err)
		}
		var body deferredPayload
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			return nil, dbError("Failed to decode deferred notification", err)
		}
		n.Kind = models.NotificationKind(kind)
		n.RuleName = body.RuleName
		n.Listing = body.Listing
		n.Channels = body.Channels
		n.DeferredAt = fromNanos(deferredAt)
		n.ReleaseAt = fromNanos(releaseAt)
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("Failed to iterate deferred notifications", err)
	}
	return out, nil
}

// RescheduleDeferred moves an item's release time.
func (s *sqlStore) RescheduleDeferred(ctx context.Context, id string, releaseAt time.Time) error {
	return s.execAffectingOne(ctx, "Failed to reschedule deferred notification",
		`UPDATE deferred_notifications SET release_at = ? WHERE id = ?`, toNanos(releaseAt), id)
}

// DeleteDeferred removes delivered items.
func (s *sqlStore) DeleteDeferred(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.connected(); err != nil {
		return err
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM deferred_notifications WHERE id IN (`+placeholders(len(ids))+`)`), args...)
	if err != nil {
		return dbError("Failed to delete deferred notifications", err)
	}
	return nil
}

// CountDeferred returns the queue length.
func (s *sqlStore) CountDeferred(ctx context.Context) (int64, error) {
	if err := s.connected(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deferred_notifications`).Scan(&n); err != nil {
		return 0, dbError("Failed to count deferred notifications", err)
	}
	return n, nil
}
