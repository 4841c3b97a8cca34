package storage

import (
	"context"
	"database/sql"
	"errors"
)

// IncrementWithCeiling adds one to (user, day) unless the counter already
// reached ceiling. The check and the write are one statement, so concurrent
// callers cannot overshoot.
func (s *sqlStore) IncrementWithCeiling(ctx context.Context, userID, day string, ceiling int) (bool, error) {
	if ceiling <= 0 {
		return false, nil
	}
	if err := s.connected(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO rate_counters (user_id, day, count) VALUES (?, ?, 1)
		ON CONFLICT (user_id, day) DO UPDATE SET count = rate_counters.count + 1
		WHERE rate_counters.count < ?`),
		userID, day, ceiling)
	if err != nil {
		return false, dbError("Failed to increment rate counter", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbError("Failed to increment rate counter", err)
	}
	return n > 0, nil
}

// GetCounter returns the current count for (user, day).
func (s *sqlStore) GetCounter(ctx context.Context, userID, day string) (int, error) {
	if err := s.connected(); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT count FROM rate_counters WHERE user_id = ? AND day = ?`), userID, day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, dbError("Failed to read rate counter", err)
	}
	return count, nil
}
