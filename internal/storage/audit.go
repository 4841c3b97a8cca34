package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// ClaimDelivery implements AuditStore with a single conditional upsert.
func (s *sqlStore) ClaimDelivery(ctx context.Context, key models.DeliveryKey, now time.Time, staleAfter time.Duration) (bool, error) {
	if err := s.connected(); err != nil {
		return false, err
	}
	n := toNanos(now)
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO deliveries (rule_id, listing_id, channel, state, claimed_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)
		ON CONFLICT (rule_id, listing_id, channel) DO UPDATE SET
			state = 'pending',
			claimed_at = excluded.claimed_at,
			updated_at = excluded.updated_at
		WHERE deliveries.state = 'failed'
		   OR (deliveries.state = 'pending' AND deliveries.claimed_at < ?)`),
		key.RuleID, key.ListingID, string(key.Channel), n, n, toNanos(now.Add(-staleAfter)))
	if err != nil {
		return false, dbError("Failed to claim delivery", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, dbError("Failed to claim delivery", err)
	}
	return affected > 0, nil
}

// CompleteDelivery records the final state of a claimed key.
func (s *sqlStore) CompleteDelivery(ctx context.Context, key models.DeliveryKey, state models.DeliveryState, now time.Time) error {
	if err := s.connected(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE deliveries SET state = ?, updated_at = ?
		WHERE rule_id = ? AND listing_id = ? AND channel = ? AND state <> 'sent'`),
		string(state), toNanos(now), key.RuleID, key.ListingID, string(key.Channel))
	if err != nil {
		return dbError("Failed to complete delivery", err)
	}
	return nil
}

// GetDeliveryState returns ErrNotFound for keys never claimed.
func (s *sqlStore) GetDeliveryState(ctx context.Context, key models.DeliveryKey) (models.DeliveryState, error) {
	if err := s.connected(); err != nil {
		return "", err
	}
	var state string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT state FROM deliveries WHERE rule_id = ? AND listing_id = ? AND channel = ?`),
		key.RuleID, key.ListingID, string(key.Channel)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", dbError("Failed to read delivery state", err)
	}
	return models.DeliveryState(state), nil
}

// RecordAttempt appends an audit row.
func (s *sqlStore) RecordAttempt(ctx context.Context, a *models.NotificationAttempt) error {
	if err := s.connected(); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = utils.GenerateID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO notification_attempts
		(id, kind, rule_id, listing_id, user_id, channel, status, reason, detail, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, string(a.Kind), a.RuleID, a.ListingID, a.UserID, string(a.Channel),
		string(a.Status), a.Reason, a.Detail, a.Attempts, toNanos(a.CreatedAt))
	if err != nil {
		return dbError("Failed to record notification attempt", err)
	}
	return nil
}

// ListAttempts returns audit rows, newest first.
func (s *sqlStore) ListAttempts(ctx context.Context, filter models.AttemptFilter) ([]*models.NotificationAttempt, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []interface{}
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, string(filter.Channel))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, toNanos(*filter.Since))
	}

	query := `SELECT id, kind, rule_id, listing_id, user_id, channel, status, reason, detail, attempts, created_at
		FROM notification_attempts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, dbError("Failed to list notification attempts", err)
	}
	defer rows.Close()

	var attempts []*models.NotificationAttempt
	for rows.Next() {
		var (
			a                     models.NotificationAttempt
			kind, channel, status string
			createdAt             int64
		)
		if err := rows.Scan(&a.ID, &kind, &a.RuleID, &a.ListingID, &a.UserID, &channel, &status,
			&a.Reason, &a.Detail, &a.Attempts, &createdAt); err != nil {
			return nil, dbError("Failed to scan notification attempt", err)
		}
		a.Kind = models.NotificationKind(kind)
		a.Channel = models.ChannelKind(channel)
		a.Status = models.AttemptStatus(status)
		a.CreatedAt = fromNanos(createdAt)
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("Failed to iterate notification attempts", err)
	}
	return attempts, nil
}
