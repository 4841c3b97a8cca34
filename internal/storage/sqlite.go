package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// SQLiteStorage implements Storage using SQLite
type SQLiteStorage struct {
	*sqlStore
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{sqlStore: newSQLStore(dialectSQLite, config, GetSQLiteMigrations())}
}

// Connect establishes database connection
func (s *SQLiteStorage) Connect() error {
	path := s.config.ConnectionString
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create database directory", err.Error())
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err.Error())
	}

	// SQLite has a single writer. One long-lived connection serializes
	// writes and keeps the pragmas below in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to configure SQLite", err.Error())
		}
	}

	s.db = db
	s.logger.WithField("path", path).Info("SQLite database connected")
	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("SQLite database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *SQLiteStorage) Ping() error {
	if err := s.connected(); err != nil {
		return err
	}
	return s.db.Ping()
}

// Migrate runs database migrations
func (s *SQLiteStorage) Migrate() error {
	if err := s.connected(); err != nil {
		return err
	}
	s.logger.Info("Starting database migrations")
	if err := s.migrate(context.Background()); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Migration failed", err)
	}
	s.logger.Info("Database migrations completed")
	return nil
}

// Vacuum reclaims space after cleanup.
func (s *SQLiteStorage) Vacuum() error {
	if err := s.connected(); err != nil {
		return err
	}
	_, err := s.db.Exec("VACUUM")
	return err
}

// GetHealth reports connectivity.
func (s *SQLiteStorage) GetHealth() *StorageHealth {
	return &StorageHealth{
		StorageType: "SQLite",
		Healthy:     s.Ping() == nil,
		Details:     map[string]string{"path": s.config.ConnectionString},
		LastPing:    time.Now(),
	}
}
