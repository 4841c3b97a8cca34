package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// The schema only uses type names both SQLite and PostgreSQL accept.
// Timestamps are unix nanoseconds, money is decimal text and string sets are
// JSON arrays.
func schemaMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create users and alert_rules tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id TEXT PRIMARY KEY,
					email TEXT NOT NULL DEFAULT '',
					display_name TEXT NOT NULL DEFAULT '',
					created_at BIGINT NOT NULL
				);

				CREATE TABLE IF NOT EXISTS alert_rules (
					id TEXT PRIMARY KEY,
					owner_id TEXT NOT NULL,
					name TEXT NOT NULL,
					enabled INTEGER NOT NULL DEFAULT 1,
					keywords TEXT NOT NULL DEFAULT '[]',
					exclude_keywords TEXT NOT NULL DEFAULT '[]',
					categories TEXT NOT NULL DEFAULT '[]',
					min_condition TEXT,
					min_price TEXT,
					max_price TEXT,
					location TEXT,
					min_deal_score DOUBLE PRECISION,
					channels TEXT NOT NULL,
					last_triggered_at BIGINT,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_alert_rules_owner ON alert_rules(owner_id);
				CREATE INDEX IF NOT EXISTS idx_alert_rules_enabled ON alert_rules(enabled);
			`,
		},
		{
			Version:     "002",
			Description: "Create listings table",
			SQL: `
				CREATE TABLE IF NOT EXISTS listings (
					id TEXT PRIMARY KEY,
					title TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					price TEXT NOT NULL,
					currency TEXT NOT NULL DEFAULT '',
					category TEXT NOT NULL DEFAULT '',
					item_condition TEXT,
					lat DOUBLE PRECISION,
					lon DOUBLE PRECISION,
					deal_score DOUBLE PRECISION,
					url TEXT NOT NULL DEFAULT '',
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_listings_created_at ON listings(created_at);
				CREATE INDEX IF NOT EXISTS idx_listings_updated_at ON listings(updated_at);
			`,
		},
		{
			Version:     "003",
			Description: "Create preference, channel flag and watchlist tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS notification_preferences (
					user_id TEXT PRIMARY KEY,
					data TEXT NOT NULL,
					updated_at BIGINT NOT NULL
				);

				CREATE TABLE IF NOT EXISTS channel_flags (
					user_id TEXT NOT NULL,
					channel TEXT NOT NULL,
					reason TEXT NOT NULL,
					flagged_at BIGINT NOT NULL,
					PRIMARY KEY (user_id, channel)
				);

				CREATE TABLE IF NOT EXISTS price_watches (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					listing_id TEXT NOT NULL,
					threshold_price TEXT NOT NULL,
					channels TEXT NOT NULL,
					enabled INTEGER NOT NULL DEFAULT 1,
					last_notified_price TEXT,
					last_checked_at BIGINT,
					created_at BIGINT NOT NULL,
					UNIQUE (user_id, listing_id)
				);

				CREATE INDEX IF NOT EXISTS idx_price_watches_enabled ON price_watches(enabled);
			`,
		},
		{
			Version:     "004",
			Description: "Create delivery, attempt and rate counter tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS deliveries (
					rule_id TEXT NOT NULL,
					listing_id TEXT NOT NULL,
					channel TEXT NOT NULL,
					state TEXT NOT NULL,
					claimed_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					PRIMARY KEY (rule_id, listing_id, channel)
				);

				CREATE TABLE IF NOT EXISTS notification_attempts (
					id TEXT PRIMARY KEY,
					kind TEXT NOT NULL,
					rule_id TEXT NOT NULL,
					listing_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					channel TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL,
					reason TEXT NOT NULL DEFAULT '',
					detail TEXT NOT NULL DEFAULT '',
					attempts INTEGER NOT NULL DEFAULT 0,
					created_at BIGINT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_attempts_user ON notification_attempts(user_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_attempts_rule ON notification_attempts(rule_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_attempts_status ON notification_attempts(status);

				CREATE TABLE IF NOT EXISTS rate_counters (
					user_id TEXT NOT NULL,
					day TEXT NOT NULL,
					count INTEGER NOT NULL,
					PRIMARY KEY (user_id, day)
				);
			`,
		},
		{
			Version:     "005",
			Description: "Create deferred queue and pass lease tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS deferred_notifications (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					rule_id TEXT NOT NULL,
					listing_key TEXT NOT NULL,
					payload TEXT NOT NULL,
					reason TEXT NOT NULL,
					deferred_at BIGINT NOT NULL,
					release_at BIGINT NOT NULL,
					UNIQUE (rule_id, listing_key)
				);

				CREATE INDEX IF NOT EXISTS idx_deferred_release ON deferred_notifications(release_at);

				CREATE TABLE IF NOT EXISTS pass_leases (
					name TEXT PRIMARY KEY,
					holder TEXT NOT NULL,
					expires_at BIGINT NOT NULL
				);
			`,
		},
	}
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration { return schemaMigrations() }

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration { return schemaMigrations() }

const createMigrationTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at BIGINT NOT NULL
	)`

// migrate applies every migration not yet recorded in schema_migrations.
func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createMigrationTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range s.migrations {
		if applied[m.Version] {
			continue
		}
		s.logger.WithField("version", m.Version).WithField("description", m.Description).Info("Applying migration")
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s: %w", m.Version, err)
		}
	}
	return nil
}

func (s *sqlStore) applyMigration(ctx context.Context, m *Migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`),
		m.Version, m.Description, time.Now().UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements breaks a migration script on semicolons. Migration SQL
// never contains semicolons inside literals.
func splitStatements(script string) []string {
	var out []string
	start := 0
	for i := 0; i < len(script); i++ {
		if script[i] != ';' {
			continue
		}
		if stmt := strings.TrimSpace(script[start:i]); stmt != "" {
			out = append(out, stmt)
		}
		start = i + 1
	}
	if stmt := strings.TrimSpace(script[start:]); stmt != "" {
		out = append(out, stmt)
	}
	return out
}
