// Package ratelimit enforces the per-user daily notification cap.
//
// The window is the UTC calendar day: counters are keyed by (user, YYYY-MM-DD)
// and a new day starts a fresh counter. Every implementation performs the
// check and the increment as one atomic step.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// Limiter gates how many notifications a user may receive per day.
type Limiter interface {
	// TryConsume takes one unit from userID's allowance for today. It returns
	// false, without consuming, once limit units have been taken.
	TryConsume(ctx context.Context, userID string, limit int) (bool, error)
	// Used reports how many units userID has consumed today.
	Used(ctx context.Context, userID string) (int, error)
}

// CounterStore is the persistence contract for StoreLimiter.
type CounterStore interface {
	IncrementWithCeiling(ctx context.Context, userID, day string, ceiling int) (bool, error)
	GetCounter(ctx context.Context, userID, day string) (int, error)
}

// DayKey returns the UTC calendar-day bucket for t.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MemoryLimiter keeps counters in process memory. All counters reset when
// the UTC day rolls over.
type MemoryLimiter struct {
	mu     sync.Mutex
	day    string
	counts map[string]int
	now    func() time.Time
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{counts: make(map[string]int), now: time.Now}
}

// TryConsume implements Limiter.
func (m *MemoryLimiter) TryConsume(_ context.Context, userID string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverLocked()
	if m.counts[userID] >= limit {
		return false, nil
	}
	m.counts[userID]++
	return true, nil
}

// Used implements Limiter.
func (m *MemoryLimiter) Used(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverLocked()
	return m.counts[userID], nil
}

func (m *MemoryLimiter) rolloverLocked() {
	if today := DayKey(m.now()); today != m.day {
		m.day = today
		m.counts = make(map[string]int)
	}
}

// StoreLimiter delegates the atomic increment to a shared store so several
// processes observe one counter per user and day.
type StoreLimiter struct {
	store  CounterStore
	now    func() time.Time
	logger *logrus.Entry
}

// NewStoreLimiter creates a limiter backed by store.
func NewStoreLimiter(store CounterStore) *StoreLimiter {
	return &StoreLimiter{
		store:  store,
		now:    time.Now,
		logger: utils.ComponentLogger("ratelimit"),
	}
}

// TryConsume implements Limiter.
func (s *StoreLimiter) TryConsume(ctx context.Context, userID string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	day := DayKey(s.now())
	ok, err := s.store.IncrementWithCeiling(ctx, userID, day, limit)
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "rate counter update failed", err)
	}
	if !ok {
		s.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"day":     day,
			"limit":   limit,
		}).Debug("Daily notification cap reached")
	}
	return ok, nil
}

// Used implements Limiter.
func (s *StoreLimiter) Used(ctx context.Context, userID string) (int, error) {
	return s.store.GetCounter(ctx, userID, DayKey(s.now()))
}
