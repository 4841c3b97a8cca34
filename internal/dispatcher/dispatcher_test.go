package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/smartdevs17/deal-alerts/internal/config"
	"github.com/smartdevs17/deal-alerts/internal/metrics"
	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/internal/notification"
	"github.com/smartdevs17/deal-alerts/internal/preferences"
	"github.com/smartdevs17/deal-alerts/internal/ratelimit"
	"github.com/smartdevs17/deal-alerts/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

var base = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recordingSender struct {
	mu       sync.Mutex
	payloads []*notification.Payload
	fail     notification.FailureKind
	block    bool
}

func (s *recordingSender) Send(ctx context.Context, _ notification.Destination, payload *notification.Payload) notification.Result {
	s.mu.Lock()
	fail, block := s.fail, s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return notification.Result{
			Status:   models.AttemptFailed,
			Failure:  notification.FailureTransient,
			Reason:   models.ReasonDeadlineExceeded,
			Attempts: 1,
		}
	}
	if fail != notification.FailureNone {
		return notification.Result{
			Status:   models.AttemptFailed,
			Failure:  fail,
			Reason:   fail.String(),
			Detail:   "webhook rejected: 404",
			Attempts: 1,
		}
	}

	s.mu.Lock()
	s.payloads = append(s.payloads, payload)
	s.mu.Unlock()
	return notification.Result{Status: models.AttemptSent, Attempts: 1}
}

func (s *recordingSender) set(fail notification.FailureKind, block bool) {
	s.mu.Lock()
	s.fail, s.block = fail, block
	s.mu.Unlock()
}

func (s *recordingSender) sent() []*notification.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*notification.Payload(nil), s.payloads...)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *storage.SQLiteStorage
	clock   *testClock
	senders map[models.ChannelKind]*recordingSender
	manager *notification.NotificationManager
	limiter *ratelimit.MemoryLimiter
	cfg     config.DispatcherConfig
	d       *Dispatcher
}

func newHarness(t *testing.T, tune ...func(*config.DispatcherConfig)) *harness {
	t.Helper()
	store := storage.NewSQLiteStorage(&storage.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "alerts.db"),
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		store:   store,
		clock:   &testClock{t: base},
		senders: make(map[models.ChannelKind]*recordingSender),
		manager: notification.NewNotificationManager(),
		limiter: ratelimit.NewMemoryLimiter(),
	}
	for _, c := range models.AllChannels {
		s := &recordingSender{}
		h.senders[c] = s
		h.manager.Register(c, s)
	}

	h.cfg = config.DispatcherConfig{Workers: 4, MaxLookback: 7 * 24 * time.Hour}
	for _, fn := range tune {
		fn(&h.cfg)
	}
	h.rebuild(store, h.limiter)
	return h
}

// rebuild replaces the dispatcher, keeping senders, clock and config.
func (h *harness) rebuild(store Store, limiter ratelimit.Limiter) {
	reg := prometheus.NewRegistry()
	h.d = New(Dependencies{
		Store:       store,
		Preferences: preferences.NewResolver(h.store, 10),
		Limiter:     limiter,
		Senders:     h.manager,
		Metrics:     metrics.NewManagerWithRegistry(reg, reg),
		Clock:       h.clock.Now,
	}, h.cfg)
}

// flakyLimiter fails the next failures calls to TryConsume.
type flakyLimiter struct {
	ratelimit.Limiter
	failures atomic.Int32
}

func (l *flakyLimiter) TryConsume(ctx context.Context, userID string, limit int) (bool, error) {
	if l.failures.Add(-1) >= 0 {
		return false, errors.New("database is locked")
	}
	return l.Limiter.TryConsume(ctx, userID, limit)
}

// flakyStore fails the next claimFailures delivery claims.
type flakyStore struct {
	*storage.SQLiteStorage
	claimFailures atomic.Int32
}

func (s *flakyStore) ClaimDelivery(ctx context.Context, key models.DeliveryKey, now time.Time, staleAfter time.Duration) (bool, error) {
	if s.claimFailures.Add(-1) >= 0 {
		return false, errors.New("database is locked")
	}
	return s.SQLiteStorage.ClaimDelivery(ctx, key, now, staleAfter)
}

func (h *harness) prefs(userID string, mutate func(*models.NotificationPreferences)) {
	h.t.Helper()
	p := models.DefaultPreferences(userID)
	p.Channels = models.AllChannels
	p.ChannelConfig = models.ChannelConfig{
		Email:             userID + "@example.com",
		DiscordWebhookURL: "https://discord.com/api/webhooks/1/abc",
		PhoneNumber:       "+15555550100",
		PushTokens:        []string{"ExponentPushToken[abc]"},
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(h.t, h.store.SavePreferences(h.ctx, p))
}

func (h *harness) rule(owner string, keywords []string, channels ...models.ChannelKind) *models.AlertRule {
	h.t.Helper()
	if len(channels) == 0 {
		channels = []models.ChannelKind{models.ChannelEmail}
	}
	r := &models.AlertRule{
		OwnerID:   owner,
		Name:      "rule " + keywords[0],
		Enabled:   true,
		Keywords:  keywords,
		Channels:  channels,
		CreatedAt: h.clock.Now().Add(-time.Hour),
	}
	require.NoError(h.t, h.store.SaveRule(h.ctx, r))
	return r
}

func (h *harness) listing(id, title, price string, at time.Time) *models.Listing {
	h.t.Helper()
	l := &models.Listing{
		ID:        id,
		Title:     title,
		Price:     decimal.RequireFromString(price),
		Currency:  "USD",
		Category:  "electronics",
		URL:       "https://market.example.com/l/" + id,
		CreatedAt: at,
	}
	require.NoError(h.t, h.store.SaveListing(h.ctx, l))
	return l
}

func (h *harness) attempts(filter models.AttemptFilter) []*models.NotificationAttempt {
	h.t.Helper()
	out, err := h.store.ListAttempts(h.ctx, filter)
	require.NoError(h.t, err)
	return out
}

func TestAlertPassExampleScenario(t *testing.T) {
	h := newHarness(t)
	h.prefs("u1", nil)

	maxPrice := decimal.NewFromInt(800)
	rule := &models.AlertRule{
		OwnerID:         "u1",
		Name:            "gaming laptops",
		Enabled:         true,
		Keywords:        []string{"gaming", "laptop"},
		ExcludeKeywords: []string{"broken"},
		MaxPrice:        &maxPrice,
		Channels:        []models.ChannelKind{models.ChannelEmail},
		CreatedAt:       base.Add(-time.Hour),
	}
	require.NoError(t, h.store.SaveRule(h.ctx, rule))

	h.listing("l1", "Gaming Laptop RTX 3060", "650", base.Add(-30*time.Minute))
	h.listing("l2", "Broken gaming laptop", "200", base.Add(-20*time.Minute))
	h.listing("l3", "Gaming Laptop", "950", base.Add(-10*time.Minute))

	report, err := h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Listings)
	assert.Equal(t, 1, report.Matches)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Rules[RuleCompleted])

	sent := h.senders[models.ChannelEmail].sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Listings, 1)
	assert.Equal(t, "l1", sent[0].Listings[0].ID)
	assert.Equal(t, models.NotificationKindAlert, sent[0].Kind)
	assert.Equal(t, rule.ID, sent[0].RuleID)

	stored, err := h.store.GetRule(h.ctx, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastTriggeredAt)
	assert.True(t, stored.LastTriggeredAt.Equal(base.Add(-10*time.Minute)), "watermark covers every evaluated listing")
}

func TestAlertPassIdempotentOverSameWindow(t *testing.T) {
	h := newHarness(t)
	h.prefs("u1", nil)
	rule := h.rule("u1", []string{"bike"})
	h.listing("l1", "Road bike", "300", base.Add(-time.Minute))

	_, err := h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	require.Len(t, h.senders[models.ChannelEmail].sent(), 1)

	// Re-evaluate the rule as it was before the watermark moved.
	listings, err := h.store.GetListingsSince(h.ctx, rule.CreatedAt, 100)
	require.NoError(t, err)
	pass := newPassState(PassAlerts, base)
	state := h.d.evaluateRule(h.ctx, pass, h.d.prefs.ForPass(), rule, listings, base.Add(-24*time.Hour))
	assert.Equal(t, RuleCompleted, state)

	assert.Len(t, h.senders[models.ChannelEmail].sent(), 1)
	assert.Equal(t, 1, pass.report.Skipped[models.ReasonAlreadySent])

	used, err := h.limiter.Used(h.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, used, "a repeat match consumes no allowance")

	sent := h.attempts(models.AttemptFilter{RuleID: rule.ID, Status: models.AttemptSent})
	assert.Len(t, sent, 1)
}

func TestConcurrentPassesSendOnce(t *testing.T) {
	h := newHarness(t)
	h.prefs("u1", nil)
	h.rule("u1", []string{"bike"})
	h.listing("l1", "Road bike", "300", base.Add(-time.Minute))

	other := New(Dependencies{
		Store:       h.store,
		Preferences: preferences.NewResolver(h.store, 10),
		Limiter:     ratelimit.NewMemoryLimiter(),
		Senders:     h.manager,
		Clock:       h.clock.Now,
	}, config.DispatcherConfig{Workers: 2, MaxLookback: 7 * 24 * time.Hour})

	var g errgroup.Group
	for _, d := range []*Dispatcher{h.d, other} {
		d := d
		g.Go(func() error {
			_, err := d.RunAlertPass(h.ctx)
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, h.senders[models.ChannelEmail].sent(), 1)
}

func TestAlertPassRateLimit(t *testing.T) {
	h := newHarness(t)
	h.prefs("u1", func(p *models.NotificationPreferences) {
		p.Channels = []models.ChannelKind{models.ChannelEmail}
		p.MaxPerDay = 3
	})
	h.rule("u1", []string{"bike"})
	h.rule("u1", []string{"lamp"})

	h.listing("b1", "Road bike", "300", base.Add(-50*time.Minute))
	h.listing("b2", "Mountain bike", "400", base.Add(-40*time.Minute))
	h.listing("b3", "Kids bike", "80", base.Add(-30*time.Minute))
	h.listing("k1", "Desk lamp", "20", base.Add(-20*time.Minute))
	h.listing("k2", "Floor lamp", "60", base.Add(-10*time.Minute))

	report, err := h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Matches)
	assert.Equal(t, 3, report.Sent)
	assert.Equal(t, 2, report.Skipped[models.ReasonRateLimited])
	assert.GreaterOrEqual(t, report.Rules[RuleRateLimited], 1)

	assert.Len(t, h.senders[models.ChannelEmail].sent(), 3)

	skipped := h.attempts(models.AttemptFilter{UserID: "u1", Status: models.AttemptSkipped})
	require.Len(t, skipped, 2)
	for _, a := range skipped {
		assert.Equal(t, models.ReasonRateLimited, a.Reason)
	}
}

func TestQuietHoursDeferThenDeliver(t *testing.T) {
	h := newHarness(t)
	night := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	h.clock.Set(night)
	h.prefs("u1", func(p *models.NotificationPreferences) {
		p.Channels = []models.ChannelKind{models.ChannelEmail}
		p.QuietHours = &models.QuietHours{Start: "22:00", End: "08:00"}
	})
	h.rule("u1", []string{"bike"})
	h.listing("l1", "Road bike", "300", night.Add(-30*time.Minute))

	report, err := h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 1, report.Deferred)
	assert.Empty(t, h.senders[models.ChannelEmail].sent())

	queued, err := h.store.CountDeferred(h.ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, queued)

	skipped := h.attempts(models.AttemptFilter{UserID: "u1", Status: models.AttemptSkipped})
	require.Len(t, skipped, 1)
	assert.Equal(t, models.ReasonQuietHours, skipped[0].Reason)

	// Still quiet: nothing is due yet.
	h.clock.Set(time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC))
	report, err = h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Released)
	assert.Empty(t, h.senders[models.ChannelEmail].sent())

	h.clock.Set(time.Date(2026, 3, 3, 8, 5, 0, 0, time.UTC))
	report, err = h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, 1, report.Sent)

	sent := h.senders[models.ChannelEmail].sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "l1", sent[0].Listings[0].ID)

	queued, err = h.store.CountDeferred(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestDigestFoldsDeferredMatches(t *testing.T) {
	h := newHarness(t)
	h.prefs("u1", func(p *models.NotificationPreferences) {
		p.Channels = []models.ChannelKind{models.ChannelEmail}
		p.Frequency = models.Frequency{Mode: models.FrequencyDailyDigest, Time: "09:00"}
	})
	h.rule("u1", []string{"bike"})
	h.listing("l1", "Road bike", "300", base.Add(-30*time.Minute))
	h.listing("l2", "Gravel bike", "900", base.Add(-20*time.Minute))
	h.listing("l3", "Kids bike", "80", base.Add(-10*time.Minute))

	report, err := h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Deferred)
	assert.Empty(t, h.senders[models.ChannelEmail].sent())

	h.clock.Set(time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC))
	report, err = h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Released)
	assert.Equal(t, 1, report.Sent)

	sent := h.senders[models.ChannelEmail].sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.NotificationKindDigest, sent[0].Kind)
	assert.Len(t, sent[0].Listings, 3)

	used, err := h.limiter.Used(h.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, used, "a digest counts once against the daily cap")

	delivered := h.attempts(models.AttemptFilter{UserID: "u1", Status: models.AttemptSent})
	assert.Len(t, delivered, 3)
}

func TestChannelIsolation(t *testing.T) {
	h := newHarness(t)
	h.prefs("u1", nil)
	h.senders[models.ChannelDiscord].set(notification.FailurePermanent, false)
	rule := h.rule("u1", []string{"bike"}, models.ChannelEmail, models.ChannelDiscord)
	h.listing("l1", "Road bike", "300", base.Add(-time.Minute))

	report, err := h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, h.senders[models.ChannelEmail].sent(), 1)

	emails := h.attempts(models.AttemptFilter{RuleID: rule.ID, Channel: models.ChannelEmail})
	require.Len(t, emails, 1)
	assert.Equal(t, models.AttemptSent, emails[0].Status)

	discord := h.attempts(models.AttemptFilter{RuleID: rule.ID, Channel: models.ChannelDiscord})
	require.Len(t, discord, 1)
	assert.Equal(t, models.AttemptFailed, discord[0].Status)
	assert.Equal(t, models.ReasonPermanent, discord[0].Reason)

	flags, err := h.store.ListChannelFlags(h.ctx, "u1")
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, models.ChannelDiscord, flags[0].Channel)
}

func TestChannelSelectionSkips(t *testing.T) {
	h := newHarness(t)
	h.prefs("u1", func(p *models.NotificationPreferences) {
		p.Channels = []models.ChannelKind{models.ChannelEmail, models.ChannelSMS}
		p.ChannelConfig.PhoneNumber = ""
	})
	pushOnly := h.rule("u1", []string{"bike"}, models.ChannelPush)
	smsOnly := h.rule("u1", []string{"lamp"}, models.ChannelSMS)
	h.listing("b1", "Road bike", "300", base.Add(-2*time.Minute))
	h.listing("k1", "Desk lamp", "20", base.Add(-time.Minute))

	report, err := h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 1, report.Skipped[models.ReasonNoAllowedChannel])
	assert.Equal(t, 1, report.Skipped[models.ReasonNoDestination])

	a := h.attempts(models.AttemptFilter{RuleID: pushOnly.ID})
	require.Len(t, a, 1)
	assert.Equal(t, models.ReasonNoAllowedChannel, a[0].Reason)

	a = h.attempts(models.AttemptFilter{RuleID: smsOnly.ID})
	require.Len(t, a, 1)
	assert.Equal(t, models.ReasonNoDestination, a[0].Reason)

	flags, err := h.store.ListChannelFlags(h.ctx, "u1")
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, models.ChannelSMS, flags[0].Channel)
}

func TestWatermarkMonotonic(t *testing.T) {
	h := newHarness(t)
	h.prefs("u1", nil)
	rule := h.rule("u1", []string{"bike"})
	t1 := base.Add(-10 * time.Minute)
	h.listing("l1", "Road bike", "300", t1)

	_, err := h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	watermark := func() time.Time {
		r, err := h.store.GetRule(h.ctx, rule.ID)
		require.NoError(t, err)
		require.NotNil(t, r.LastTriggeredAt)
		return *r.LastTriggeredAt
	}
	assert.True(t, watermark().Equal(t1))

	// A late arrival stamped before the watermark is never evaluated.
	h.listing("late", "Vintage bike", "150", t1.Add(-5*time.Minute))
	_, err = h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.True(t, watermark().Equal(t1))
	assert.Len(t, h.senders[models.ChannelEmail].sent(), 1)

	t2 := base.Add(-time.Minute)
	h.listing("l2", "Track bike", "700", t2)
	_, err = h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.True(t, watermark().Equal(t2))

	sent := h.senders[models.ChannelEmail].sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "l2", sent[1].Listings[0].ID)
}

func TestDeadlineInterruptsRuleWithoutMovingWatermark(t *testing.T) {
	h := newHarness(t)
	h.prefs("u1", nil)
	rule := h.rule("u1", []string{"bike"})
	h.listing("l1", "Road bike", "300", base.Add(-2*time.Minute))
	h.listing("l2", "Gravel bike", "900", base.Add(-time.Minute))

	email := h.senders[models.ChannelEmail]
	email.set(notification.FailureNone, true)

	ctx, cancel := context.WithTimeout(h.ctx, 200*time.Millisecond)
	defer cancel()
	report, err := h.d.RunAlertPass(ctx)
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Equal(t, 1, report.Rules[RuleInterrupted])

	stored, err := h.store.GetRule(h.ctx, rule.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastTriggeredAt)

	email.set(notification.FailureNone, false)
	report, err = h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.False(t, report.Interrupted)
	assert.Equal(t, 2, report.Sent)
	assert.Len(t, email.sent(), 2)
}

func TestSnapshotTrimsTruncatedTail(t *testing.T) {
	h := newHarness(t, func(c *config.DispatcherConfig) { c.SnapshotLimit = 3 })
	t1 := base.Add(-4 * time.Minute)
	t3 := base.Add(-2 * time.Minute)
	h.listing("a", "one", "1", t1)
	h.listing("b", "two", "1", base.Add(-3*time.Minute))
	h.listing("c", "three", "1", t3)
	h.listing("d", "three again", "1", t3)
	h.listing("e", "four", "1", base.Add(-time.Minute))

	listings, err := h.d.loadSnapshot(h.ctx, t1.Add(-time.Second))
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, "a", listings[0].ID)
	assert.Equal(t, "b", listings[1].ID)
}

func TestUpdatedListingsDoNotCrowdOutNewOnes(t *testing.T) {
	h := newHarness(t, func(c *config.DispatcherConfig) { c.SnapshotLimit = 3 })
	h.prefs("u1", nil)
	rule := h.rule("u1", []string{"bike"})

	// Edited recently but created long before the rule existed.
	for _, id := range []string{"old1", "old2", "old3"} {
		l := h.listing(id, "Old bike "+id, "50", base.Add(-3*time.Hour))
		l.UpdatedAt = base.Add(-5 * time.Minute)
		require.NoError(t, h.store.SaveListing(h.ctx, l))
	}
	fresh := base.Add(-time.Minute)
	h.listing("new", "Road bike", "300", fresh)

	report, err := h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Listings)
	assert.Equal(t, 1, report.Sent)

	sent := h.senders[models.ChannelEmail].sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "new", sent[0].Listings[0].ID)

	stored, err := h.store.GetRule(h.ctx, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastTriggeredAt)
	assert.True(t, stored.LastTriggeredAt.Equal(fresh))
}

func TestSnapshotPagesThroughCreatedAtTie(t *testing.T) {
	h := newHarness(t, func(c *config.DispatcherConfig) { c.SnapshotLimit = 2 })
	h.prefs("u1", nil)
	h.rule("u1", []string{"bike"})

	tied := base.Add(-10 * time.Minute)
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		h.listing(id, "Bike "+id, "100", tied)
	}
	h.listing("z", "Late bike", "100", base.Add(-time.Minute))

	report, err := h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Listings)
	assert.Equal(t, 4, report.Sent)

	report, err = h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Listings)
	assert.Equal(t, 1, report.Sent)

	report, err = h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Sent)

	sent := h.senders[models.ChannelEmail].sent()
	require.Len(t, sent, 5)
	ids := make([]string, 0, len(sent))
	for _, p := range sent {
		ids = append(ids, p.Listings[0].ID)
	}
	assert.ElementsMatch(t, []string{"t1", "t2", "t3", "t4", "z"}, ids)
}

func TestLimiterErrorKeepsImmediateMatch(t *testing.T) {
	h := newHarness(t)
	limiter := &flakyLimiter{Limiter: h.limiter}
	limiter.failures.Store(1)
	h.rebuild(h.store, limiter)

	h.prefs("u1", func(p *models.NotificationPreferences) {
		p.Channels = []models.ChannelKind{models.ChannelEmail}
	})
	rule := h.rule("u1", []string{"bike"})
	h.listing("l1", "Road bike", "300", base.Add(-10*time.Minute))

	report, err := h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Sent)
	assert.Equal(t, 1, report.Rules[RuleFailed])
	assert.Empty(t, h.senders[models.ChannelEmail].sent())

	stored, err := h.store.GetRule(h.ctx, rule.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastTriggeredAt)

	report, err = h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	sent := h.senders[models.ChannelEmail].sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "l1", sent[0].Listings[0].ID)
}

func TestLimiterErrorKeepsDeferredItem(t *testing.T) {
	h := newHarness(t)
	limiter := &flakyLimiter{Limiter: h.limiter}
	h.rebuild(h.store, limiter)

	night := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	h.clock.Set(night)
	h.prefs("u1", func(p *models.NotificationPreferences) {
		p.Channels = []models.ChannelKind{models.ChannelEmail}
		p.QuietHours = &models.QuietHours{Start: "22:00", End: "08:00"}
	})
	h.rule("u1", []string{"bike"})
	h.listing("l1", "Road bike", "300", night.Add(-30*time.Minute))

	report, err := h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)

	queued := func() int64 {
		n, err := h.store.CountDeferred(h.ctx)
		require.NoError(t, err)
		return n
	}

	limiter.failures.Store(1)
	h.clock.Set(time.Date(2026, 3, 3, 8, 5, 0, 0, time.UTC))
	report, err = h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Released)
	assert.Zero(t, report.Sent)
	assert.Empty(t, h.senders[models.ChannelEmail].sent())
	assert.EqualValues(t, 1, queued())

	h.clock.Set(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC))
	report, err = h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, 1, report.Sent)
	require.Len(t, h.senders[models.ChannelEmail].sent(), 1)
	assert.Zero(t, queued())
}

func TestClaimErrorKeepsDigestMatch(t *testing.T) {
	h := newHarness(t)
	store := &flakyStore{SQLiteStorage: h.store}
	h.rebuild(store, h.limiter)

	h.prefs("u1", func(p *models.NotificationPreferences) {
		p.Channels = []models.ChannelKind{models.ChannelEmail}
		p.Frequency = models.Frequency{Mode: models.FrequencyDailyDigest, Time: "09:00"}
	})
	h.rule("u1", []string{"bike"})
	h.listing("l1", "Road bike", "300", base.Add(-30*time.Minute))
	h.listing("l2", "Gravel bike", "900", base.Add(-20*time.Minute))
	h.listing("l3", "Kids bike", "80", base.Add(-10*time.Minute))

	report, err := h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Deferred)

	store.claimFailures.Store(1)
	h.clock.Set(time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC))
	report, err = h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Released)

	sent := h.senders[models.ChannelEmail].sent()
	require.Len(t, sent, 1)
	assert.Len(t, sent[0].Listings, 2)

	queued, err := h.store.CountDeferred(h.ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, queued)

	h.clock.Set(time.Date(2026, 3, 3, 9, 45, 0, 0, time.UTC))
	report, err = h.d.RunAlertPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Released)

	sent = h.senders[models.ChannelEmail].sent()
	require.Len(t, sent, 2)
	assert.Len(t, sent[1].Listings, 1)

	queued, err = h.store.CountDeferred(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestPriceDropPass(t *testing.T) {
	h := newHarness(t)
	h.prefs("u1", nil)
	listing := h.listing("l1", "Espresso machine", "120", base.Add(-time.Hour))

	watch := &models.PriceWatch{
		UserID:         "u1",
		ListingID:      "l1",
		ThresholdPrice: decimal.NewFromInt(100),
		Channels:       []models.ChannelKind{models.ChannelPush},
		Enabled:        true,
	}
	require.NoError(t, h.store.SavePriceWatch(h.ctx, watch))

	report, err := h.d.RunPriceDropPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Sent)

	setPrice := func(p string) {
		listing.Price = decimal.RequireFromString(p)
		listing.UpdatedAt = h.clock.Now()
		require.NoError(t, h.store.SaveListing(h.ctx, listing))
	}

	setPrice("90")
	report, err = h.d.RunPriceDropPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	push := h.senders[models.ChannelPush].sent()
	require.Len(t, push, 1)
	assert.Equal(t, models.NotificationKindPriceDrop, push[0].Kind)
	require.NotNil(t, push[0].Threshold)
	assert.True(t, push[0].Threshold.Equal(decimal.NewFromInt(100)))

	stored, err := h.store.GetPriceWatch(h.ctx, watch.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastNotifiedPrice)
	assert.True(t, stored.LastNotifiedPrice.Equal(decimal.NewFromInt(90)))
	assert.NotNil(t, stored.LastCheckedAt)

	// Same price: no new low.
	report, err = h.d.RunPriceDropPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Sent)

	setPrice("85")
	report, err = h.d.RunPriceDropPass(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Len(t, h.senders[models.ChannelPush].sent(), 2)
}

func TestPreviewDoesNotSend(t *testing.T) {
	h := newHarness(t)
	h.listing("l1", "Road bike", "300", base.Add(-time.Hour))
	h.listing("l2", "Desk lamp", "20", base.Add(-time.Hour))

	rule := &models.AlertRule{OwnerID: "u1", Name: "bikes", Keywords: []string{"bike"}, Channels: []models.ChannelKind{models.ChannelEmail}}
	got, err := h.d.Preview(h.ctx, rule, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "l1", got[0].ID)
	assert.Empty(t, h.senders[models.ChannelEmail].sent())
}

func TestPreviewReadsNewestListings(t *testing.T) {
	h := newHarness(t, func(c *config.DispatcherConfig) { c.SnapshotLimit = 2 })
	h.listing("oldest", "Old bike", "50", base.Add(-3*time.Hour))
	h.listing("older", "Older bike", "60", base.Add(-2*time.Hour))
	h.listing("newest", "Road bike", "300", base.Add(-time.Minute))

	rule := &models.AlertRule{OwnerID: "u1", Name: "bikes", Keywords: []string{"bike"}, Channels: []models.ChannelKind{models.ChannelEmail}}
	got, err := h.d.Preview(h.ctx, rule, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, l := range got {
		ids = append(ids, l.ID)
	}
	assert.ElementsMatch(t, []string{"newest", "older"}, ids)
}

func TestNextUTCDay(t *testing.T) {
	got := nextUTCDay(time.Date(2026, 12, 31, 18, 0, 0, 0, time.FixedZone("x", -5*3600)))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), got)
}
