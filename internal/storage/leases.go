package storage

import (
	"context"
	"time"
)

// AcquireLease takes the named lease for holder if it is free, expired, or
// already held by holder.
func (s *sqlStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if err := s.connected(); err != nil {
		return false, err
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO pass_leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE pass_leases.expires_at < ? OR pass_leases.holder = excluded.holder`),
		name, holder, toNanos(now.Add(ttl)), toNanos(now))
	if err != nil {
		return false, dbError("Failed to acquire lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbError("Failed to acquire lease", err)
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if holder still owns it.
func (s *sqlStore) ReleaseLease(ctx context.Context, name, holder string) error {
	if err := s.connected(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM pass_leases WHERE name = ? AND holder = ?`), name, holder)
	if err != nil {
		return dbError("Failed to release lease", err)
	}
	return nil
}
