// Package preferences resolves per-user delivery settings and answers the
// wall-clock questions (quiet hours, digest schedule) that depend on them.
package preferences

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// Store is the persistence the resolver reads from.
type Store interface {
	GetPreferences(ctx context.Context, userID string) (*models.NotificationPreferences, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// Resolver loads preferences, substituting safe defaults for users who
// never saved any.
type Resolver struct {
	store            Store
	defaultMaxPerDay int
	logger           *logrus.Entry
}

// NewResolver creates a resolver. defaultMaxPerDay overrides
// models.DefaultMaxPerDay when positive.
func NewResolver(store Store, defaultMaxPerDay int) *Resolver {
	if defaultMaxPerDay <= 0 {
		defaultMaxPerDay = models.DefaultMaxPerDay
	}
	return &Resolver{
		store:            store,
		defaultMaxPerDay: defaultMaxPerDay,
		logger:           utils.ComponentLogger("preferences"),
	}
}

// Resolve loads preferences for userID without caching.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*models.NotificationPreferences, error) {
	prefs, err := r.store.GetPreferences(ctx, userID)
	switch {
	case err == nil:
	case utils.IsNotFound(err):
		prefs = models.DefaultPreferences(userID)
		prefs.MaxPerDay = r.defaultMaxPerDay
	default:
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to load preferences", err)
	}

	if prefs.ChannelConfig.Email == "" {
		r.fillAccountEmail(ctx, prefs)
	}
	return prefs, nil
}

// fillAccountEmail falls back to the account address for the email channel.
func (r *Resolver) fillAccountEmail(ctx context.Context, prefs *models.NotificationPreferences) {
	user, err := r.store.GetUser(ctx, prefs.UserID)
	if err != nil {
		if !utils.IsNotFound(err) {
			r.logger.WithError(err).WithField("user_id", prefs.UserID).Warn("Failed to load account email")
		}
		return
	}
	prefs.ChannelConfig.Email = user.Email
}

// ForPass returns a cache scoped to one dispatch pass.
func (r *Resolver) ForPass() *PassCache {
	return &PassCache{resolver: r, entries: make(map[string]*models.NotificationPreferences)}
}

// PassCache memoizes preferences for the lifetime of a pass. Concurrent
// lookups of the same user share a single load. Returned values are shared
// and must be treated as read-only.
type PassCache struct {
	resolver *Resolver
	group    singleflight.Group

	mu      sync.RWMutex
	entries map[string]*models.NotificationPreferences
}

// Resolve returns userID's preferences, loading them at most once per pass.
func (c *PassCache) Resolve(ctx context.Context, userID string) (*models.NotificationPreferences, error) {
	c.mu.RLock()
	prefs, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok {
		return prefs, nil
	}

	v, err, _ := c.group.Do(userID, func() (interface{}, error) {
		p, err := c.resolver.Resolve(ctx, userID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[userID] = p
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.NotificationPreferences), nil
}
