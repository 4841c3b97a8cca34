package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// ErrNotFound is returned when a lookup matches no row. Match it with
// errors.Is or utils.IsNotFound.
var ErrNotFound = utils.NewAppError(utils.ErrCodeNotFound, "record not found")

// RuleStore persists alert rules and their watermarks.
type RuleStore interface {
	ListEnabledRules(ctx context.Context) ([]*models.AlertRule, error)
	ListRules(ctx context.Context, ownerID string) ([]*models.AlertRule, error)
	GetRule(ctx context.Context, id string) (*models.AlertRule, error)
	SaveRule(ctx context.Context, rule *models.AlertRule) error
	DeleteRule(ctx context.Context, id string) error
	SetRuleEnabled(ctx context.Context, id string, enabled bool) error
	// UpdateWatermark moves last_triggered_at forward to ts. It never moves
	// it backwards.
	UpdateWatermark(ctx context.Context, ruleID string, ts time.Time) error
}

// ListingSnapshot reads the listings observed by the ingestion side.
type ListingSnapshot interface {
	// GetListingsSince returns listings created after ts, ascending by
	// (created_at, id).
	GetListingsSince(ctx context.Context, ts time.Time, limit int) ([]*models.Listing, error)
	// GetListingsAfter continues GetListingsSince from the (ts, afterID)
	// cursor, so callers can page through listings sharing one created_at.
	GetListingsAfter(ctx context.Context, ts time.Time, afterID string, limit int) ([]*models.Listing, error)
	// GetRecentListings returns listings created after ts, newest first.
	GetRecentListings(ctx context.Context, ts time.Time, limit int) ([]*models.Listing, error)
	GetListingsByIDs(ctx context.Context, ids []string) ([]*models.Listing, error)
	SaveListing(ctx context.Context, listing *models.Listing) error
}

// PreferenceStore persists notification preferences and account contact data.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (*models.NotificationPreferences, error)
	SavePreferences(ctx context.Context, prefs *models.NotificationPreferences) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error
	FlagChannel(ctx context.Context, flag *models.ChannelFlag) error
	ListChannelFlags(ctx context.Context, userID string) ([]*models.ChannelFlag, error)
	ClearChannelFlag(ctx context.Context, userID string, channel models.ChannelKind) error
}

// WatchlistStore persists price-drop watches.
type WatchlistStore interface {
	GetPriceWatches(ctx context.Context) ([]*models.PriceWatch, error)
	ListUserWatches(ctx context.Context, userID string) ([]*models.PriceWatch, error)
	GetPriceWatch(ctx context.Context, id string) (*models.PriceWatch, error)
	SavePriceWatch(ctx context.Context, watch *models.PriceWatch) error
	DeletePriceWatch(ctx context.Context, id string) error
	MarkWatchNotified(ctx context.Context, id string, price decimal.Decimal, at time.Time) error
	MarkWatchesChecked(ctx context.Context, ids []string, at time.Time) error
}

// AuditStore records delivery outcomes and guards against duplicate sends.
type AuditStore interface {
	// ClaimDelivery atomically reserves key for sending. It succeeds when the
	// key is new, previously failed, or was left pending for longer than
	// staleAfter by a crashed sender. A sent key is never reclaimed.
	ClaimDelivery(ctx context.Context, key models.DeliveryKey, now time.Time, staleAfter time.Duration) (bool, error)
	CompleteDelivery(ctx context.Context, key models.DeliveryKey, state models.DeliveryState, now time.Time) error
	GetDeliveryState(ctx context.Context, key models.DeliveryKey) (models.DeliveryState, error)
	RecordAttempt(ctx context.Context, attempt *models.NotificationAttempt) error
	ListAttempts(ctx context.Context, filter models.AttemptFilter) ([]*models.NotificationAttempt, error)
}

// CounterStore holds the per-user daily notification counters.
type CounterStore interface {
	IncrementWithCeiling(ctx context.Context, userID, day string, ceiling int) (bool, error)
	GetCounter(ctx context.Context, userID, day string) (int, error)
}

// DeferredStore is the queue of matches held back by quiet hours or digests.
type DeferredStore interface {
	// EnqueueDeferred inserts n unless the same (rule, listing key) is already queued.
	EnqueueDeferred(ctx context.Context, n *models.DeferredNotification) (bool, error)
	DueDeferred(ctx context.Context, now time.Time, limit int) ([]*models.DeferredNotification, error)
	RescheduleDeferred(ctx context.Context, id string, releaseAt time.Time) error
	DeleteDeferred(ctx context.Context, ids []string) error
	CountDeferred(ctx context.Context) (int64, error)
}

// LeaseStore provides named, expiring locks shared by all instances.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Storage is the full persistence surface of the service.
type Storage interface {
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	RuleStore
	ListingSnapshot
	PreferenceStore
	WatchlistStore
	AuditStore
	CounterStore
	DeferredStore
	LeaseStore

	GetStorageStats(ctx context.Context) (*StorageStats, error)
	GetHealth() *StorageHealth
	Cleanup(ctx context.Context, retentionDays int) error
}

// StorageStats provides storage statistics
type StorageStats struct {
	TotalRules       int64            `json:"total_rules"`
	EnabledRules     int64            `json:"enabled_rules"`
	TotalListings    int64            `json:"total_listings"`
	TotalWatches     int64            `json:"total_watches"`
	AttemptsByStatus map[string]int64 `json:"attempts_by_status"`
	DeferredPending  int64            `json:"deferred_pending"`
	LatestListing    *time.Time       `json:"latest_listing,omitempty"`
	LastCleanup      *time.Time       `json:"last_cleanup,omitempty"`
}

// StorageHealth describes connectivity of the backing database.
type StorageHealth struct {
	StorageType string            `json:"storage_type"`
	Healthy     bool              `json:"healthy"`
	Details     map[string]string `json:"details,omitempty"`
	LastPing    time.Time         `json:"last_ping"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
	RetentionDays    int           `json:"retention_days"`
}
