package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/smartdevs17/deal-alerts/internal/models"
)

// GetPreferences returns ErrNotFound when the user never saved preferences.
func (s *sqlStore) GetPreferences(ctx context.Context, userID string) (*models.NotificationPreferences, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM notification_preferences WHERE user_id = ?`), userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbError("Failed to load preferences", err)
	}
	var prefs models.NotificationPreferences
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return nil, dbError("Failed to decode preferences", err)
	}
	prefs.UserID = userID
	return &prefs, nil
}

// SavePreferences replaces the user's preferences.
func (s *sqlStore) SavePreferences(ctx context.Context, prefs *models.NotificationPreferences) error {
	if err := s.connected(); err != nil {
		return err
	}
	prefs.UpdatedAt = time.Now().UTC()
	raw, err := encodeJSON(prefs)
	if err != nil {
		return dbError("Failed to encode preferences", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO notification_preferences (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`),
		prefs.UserID, raw, toNanos(prefs.UpdatedAt))
	if err != nil {
		return dbError("Failed to save preferences", err)
	}
	return nil
}

// GetUser loads account contact data.
func (s *sqlStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	var (
		u         models.User
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, email, display_name, created_at FROM users WHERE id = ?`), userID).
		Scan(&u.ID, &u.Email, &u.DisplayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbError("Failed to load user", err)
	}
	u.CreatedAt = fromNanos(createdAt)
	return &u, nil
}

// SaveUser upserts account contact data.
func (s *sqlStore) SaveUser(ctx context.Context, user *models.User) error {
	if err := s.connected(); err != nil {
		return err
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, email, display_name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email, display_name = excluded.display_name`),
		user.ID, user.Email, user.DisplayName, toNanos(user.CreatedAt))
	if err != nil {
		return dbError("Failed to save user", err)
	}
	return nil
}

// FlagChannel records that a channel needs the user's attention.
func (s *sqlStore) FlagChannel(ctx context.Context, flag *models.ChannelFlag) error {
	if err := s.connected(); err != nil {
		return err
	}
	if flag.FlaggedAt.IsZero() {
		flag.FlaggedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO channel_flags (user_id, channel, reason, flagged_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, channel) DO UPDATE SET reason = excluded.reason, flagged_at = excluded.flagged_at`),
		flag.UserID, string(flag.Channel), flag.Reason, toNanos(flag.FlaggedAt))
	if err != nil {
		return dbError("Failed to flag channel", err)
	}
	return nil
}

// ListChannelFlags returns the user's flagged channels.
func (s *sqlStore) ListChannelFlags(ctx context.Context, userID string) ([]*models.ChannelFlag, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT user_id, channel, reason, flagged_at FROM channel_flags
		WHERE user_id = ? ORDER BY channel`), userID)
	if err != nil {
		return nil, dbError("Failed to list channel flags", err)
	}
	defer rows.Close()

	var flags []*models.ChannelFlag
	for rows.Next() {
		var (
			f         models.ChannelFlag
			channel   string
			flaggedAt int64
		)
		if err := rows.Scan(&f.UserID, &channel, &f.Reason, &flaggedAt); err != nil {
			return nil, dbError("Failed to scan channel flag", err)
		}
		f.Channel = models.ChannelKind(channel)
		f.FlaggedAt = fromNanos(flaggedAt)
		flags = append(flags, &f)
	}
	return flags, rows.Err()
}

// ClearChannelFlag removes a flag once the user fixed the destination.
func (s *sqlStore) ClearChannelFlag(ctx context.Context, userID string, channel models.ChannelKind) error {
	if err := s.connected(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM channel_flags WHERE user_id = ? AND channel = ?`), userID, string(channel))
	if err != nil {
		return dbError("Failed to clear channel flag", err)
	}
	return nil
}
