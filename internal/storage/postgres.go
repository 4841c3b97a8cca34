package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// PostgreSQLStorage implements Storage using PostgreSQL
type PostgreSQLStorage struct {
	*sqlStore
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{sqlStore: newSQLStore(dialectPostgres, config, GetPostgresMigrations())}
}

// Connect establishes database connection
func (p *PostgreSQLStorage) Connect() error {
	db, err := sql.Open("postgres", p.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err.Error())
	}

	// Configure connection pool
	maxConns := p.config.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxIdleTime(p.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err.Error())
	}

	p.db = db
	p.logger.Info("PostgreSQL database connected")
	return nil
}

// Close closes the database connection
func (p *PostgreSQLStorage) Close() error {
	if p.db != nil {
		err := p.db.Close()
		p.db = nil
		p.logger.Info("PostgreSQL database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgreSQLStorage) Ping() error {
	if err := p.connected(); err != nil {
		return err
	}
	return p.db.Ping()
}

// Migrate runs database migrations
func (p *PostgreSQLStorage) Migrate() error {
	if err := p.connected(); err != nil {
		return err
	}
	p.logger.Info("Starting PostgreSQL database migrations")
	if err := p.migrate(context.Background()); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Migration failed", err)
	}
	p.logger.Info("PostgreSQL database migrations completed")
	return nil
}

// GetHealth reports connectivity.
func (p *PostgreSQLStorage) GetHealth() *StorageHealth {
	return &StorageHealth{
		StorageType: "PostgreSQL",
		Healthy:     p.Ping() == nil,
		LastPing:    time.Now(),
	}
}
