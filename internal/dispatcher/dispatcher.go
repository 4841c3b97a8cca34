// Package dispatcher runs alert and price-drop passes: it matches rules
// against new listings, applies user preferences and daily caps, and hands
// surviving matches to the channel senders.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/smartdevs17/deal-alerts/internal/config"
	"github.com/smartdevs17/deal-alerts/internal/matcher"
	"github.com/smartdevs17/deal-alerts/internal/metrics"
	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/internal/notification"
	"github.com/smartdevs17/deal-alerts/internal/preferences"
	"github.com/smartdevs17/deal-alerts/internal/ratelimit"
	"github.com/smartdevs17/deal-alerts/internal/storage"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// Store is the persistence a pass reads and writes.
type Store interface {
	storage.RuleStore
	storage.ListingSnapshot
	storage.WatchlistStore
	storage.AuditStore
	storage.DeferredStore
	FlagChannel(ctx context.Context, flag *models.ChannelFlag) error
}

// Senders looks up the sender for a channel.
type Senders interface {
	Sender(channel models.ChannelKind) (notification.ChannelSender, bool)
}

// Dependencies are the collaborators of a Dispatcher. Metrics and Clock are
// optional.
type Dependencies struct {
	Store       Store
	Preferences *preferences.Resolver
	Limiter     ratelimit.Limiter
	Senders     Senders
	Metrics     *metrics.Manager
	Clock       func() time.Time
}

// Dispatcher executes passes. It holds no per-pass state and is safe to use
// from several goroutines, though the scheduler never runs two passes of
// the same kind at once.
type Dispatcher struct {
	store   Store
	prefs   *preferences.Resolver
	limiter ratelimit.Limiter
	senders Senders
	metrics *metrics.Manager
	config  config.DispatcherConfig
	now     func() time.Time
	logger  *logrus.Entry
}

// New creates a dispatcher.
func New(deps Dependencies, cfg config.DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.MaxMatchesPerRule <= 0 {
		cfg.MaxMatchesPerRule = matcher.DefaultMaxResults
	}
	if cfg.SnapshotLimit <= 0 {
		cfg.SnapshotLimit = 5000
	}
	if cfg.SnapshotRetries <= 0 {
		cfg.SnapshotRetries = 3
	}
	if cfg.DeferredBatch <= 0 {
		cfg.DeferredBatch = 500
	}
	if cfg.ClaimStaleAfter <= 0 {
		cfg.ClaimStaleAfter = 10 * time.Minute
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		store:   deps.Store,
		prefs:   deps.Preferences,
		limiter: deps.Limiter,
		senders: deps.Senders,
		metrics: deps.Metrics,
		config:  cfg,
		now:     func() time.Time { return now().UTC() },
		logger:  utils.ComponentLogger("dispatcher"),
	}
}

// RunAlertPass flushes due deferred notifications, then evaluates every
// enabled rule against the listings that arrived since its watermark.
//
// A pass aborts without moving any watermark when rules or listings cannot
// be loaded. Past that point failures stay local to one rule, user or
// channel.
func (d *Dispatcher) RunAlertPass(ctx context.Context) (*PassReport, error) {
	now := d.now()
	pass := newPassState(PassAlerts, now)
	cache := d.prefs.ForPass()
	log := d.logger.WithField("pass", PassAlerts)
	log.Info("Alert pass started")

	if err := d.flushDeferred(ctx, pass, cache); err != nil {
		log.WithError(err).Warn("Deferred flush failed")
	}

	rules, err := d.store.ListEnabledRules(ctx)
	if err != nil {
		return d.finish(ctx, pass, utils.WrapError(utils.ErrCodeDatabase, "failed to load rules", err))
	}
	if len(rules) == 0 {
		return d.finish(ctx, pass, nil)
	}

	floor := now.Add(-d.config.MaxLookback)
	oldest := d.since(rules[0], floor)
	for _, rule := range rules[1:] {
		if s := d.since(rule, floor); s.Before(oldest) {
			oldest = s
		}
	}

	listings, err := d.loadSnapshot(ctx, oldest)
	if err != nil {
		return d.finish(ctx, pass, err)
	}
	pass.mu.Lock()
	pass.report.Listings = len(listings)
	pass.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(d.config.Workers)
	for _, rule := range rules {
		rule := rule
		g.Go(func() error {
			state := d.evaluateRule(ctx, pass, cache, rule, listings, floor)
			pass.ruleDone(state)
			if d.metrics != nil {
				d.metrics.GetPrometheusMetrics().RecordRuleState(string(state))
			}
			return nil
		})
	}
	g.Wait()

	return d.finish(ctx, pass, nil)
}

// since is the lower bound of a rule's candidate window.
func (d *Dispatcher) since(rule *models.AlertRule, floor time.Time) time.Time {
	s := rule.Watermark()
	if d.config.MaxLookback > 0 && s.Before(floor) {
		return floor
	}
	return s
}

// evaluateRule runs one rule through Evaluating, Filtering and Sending, and
// advances its watermark on completion.
func (d *Dispatcher) evaluateRule(ctx context.Context, pass *passState, cache *preferences.PassCache,
	rule *models.AlertRule, listings []*models.Listing, floor time.Time) RuleState {
	log := d.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "user_id": rule.OwnerID})

	if !rule.Enabled {
		return RuleSkipped
	}
	if ctx.Err() != nil {
		return RuleInterrupted
	}

	// Evaluating
	since := d.since(rule, floor)
	var (
		candidates []*models.Listing
		maxSeen    time.Time
	)
	for _, l := range listings {
		if l.CreatedAt.After(since) {
			candidates = append(candidates, l)
			if l.CreatedAt.After(maxSeen) {
				maxSeen = l.CreatedAt
			}
		}
	}
	if len(candidates) == 0 {
		return RuleCompleted
	}
	matches := matcher.MatchN(rule, candidates, d.config.MaxMatchesPerRule)
	pass.addMatches(len(matches))
	if d.metrics != nil {
		d.metrics.GetPrometheusMetrics().RecordMatches(string(PassAlerts), len(matches))
	}

	state := RuleCompleted
	if len(matches) > 0 {
		// Filtering
		prefs, err := cache.Resolve(ctx, rule.OwnerID)
		if err != nil {
			log.WithError(err).Error("Failed to resolve preferences, rule skipped this pass")
			return RuleFailed
		}

		for _, l := range matches {
			if ctx.Err() != nil {
				log.Warn("Pass deadline reached, rule left for next pass")
				return RuleInterrupted
			}
			m := &match{
				kind:       models.NotificationKindAlert,
				userID:     rule.OwnerID,
				ruleID:     rule.ID,
				ruleName:   rule.Name,
				listing:    l,
				listingKey: l.ID,
				channels:   rule.Channels,
			}
			switch d.deliver(ctx, pass, prefs, m, false) {
			case outcomeRateLimited:
				state = RuleRateLimited
			case outcomeInterrupted:
				return RuleInterrupted
			case outcomeRetry:
				log.WithField("listing_id", l.ID).Warn("Rule left for next pass, watermark kept")
				return RuleFailed
			}
		}
	}

	// Completed
	if err := d.store.UpdateWatermark(context.WithoutCancel(ctx), rule.ID, maxSeen); err != nil {
		log.WithError(err).Error("Failed to advance rule watermark")
		return RuleFailed
	}
	return state
}

// loadSnapshot reads the listings created after since, retrying transient
// store errors. A truncated snapshot must end on a complete created_at
// group, otherwise a rule watermark could pass over listings that were cut
// off: the trailing group is dropped, or, when it fills the whole page, the
// rest of the group is paged in with a (created_at, id) cursor.
func (d *Dispatcher) loadSnapshot(ctx context.Context, since time.Time) ([]*models.Listing, error) {
	limit := d.config.SnapshotLimit
	listings, err := d.withRetry(ctx, func() ([]*models.Listing, error) {
		return d.store.GetListingsSince(ctx, since, limit)
	})
	if err != nil {
		return nil, err
	}
	if len(listings) < limit || len(listings) == 0 {
		return listings, nil
	}

	last := listings[len(listings)-1].CreatedAt
	cut := len(listings)
	for cut > 0 && listings[cut-1].CreatedAt.Equal(last) {
		cut--
	}
	log := d.logger.WithFields(logrus.Fields{"limit": limit, "created_at": last})
	if cut > 0 {
		log.Warn("Listing snapshot truncated, remaining listings wait for the next pass")
		return listings[:cut], nil
	}

	for {
		cursor := listings[len(listings)-1]
		page, err := d.withRetry(ctx, func() ([]*models.Listing, error) {
			return d.store.GetListingsAfter(ctx, cursor.CreatedAt, cursor.ID, limit)
		})
		if err != nil {
			return nil, err
		}
		full := len(page) == limit
		for _, l := range page {
			if !l.CreatedAt.Equal(last) {
				full = false
				break
			}
			listings = append(listings, l)
		}
		if !full {
			break
		}
	}
	log.WithField("listings", len(listings)).Warn("Listing snapshot truncated after one created_at group")
	return listings, nil
}

func (d *Dispatcher) withRetry(ctx context.Context, load func() ([]*models.Listing, error)) ([]*models.Listing, error) {
	delay := 200 * time.Millisecond
	for attempt := 1; ; attempt++ {
		listings, err := load()
		if err == nil {
			return listings, nil
		}
		d.logger.WithError(err).WithField("attempt", attempt).Warn("Listing snapshot load failed")
		if attempt >= d.config.SnapshotRetries || !sleep(ctx, delay) {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to load listing snapshot", err)
		}
		delay *= 2
	}
}

func (d *Dispatcher) finish(ctx context.Context, pass *passState, err error) (*PassReport, error) {
	interrupted := errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled)
	report := pass.finish(d.now(), interrupted, err)

	status := "completed"
	switch {
	case err != nil:
		status = "failed"
	case interrupted:
		status = "interrupted"
	}

	fields := logrus.Fields{
		"pass":        report.Kind,
		"status":      status,
		"listings":    report.Listings,
		"matches":     report.Matches,
		"sent":        report.Sent,
		"failed":      report.Failed,
		"deferred":    report.Deferred,
		"released":    report.Released,
		"duration_ms": report.Duration().Milliseconds(),
	}
	if err != nil {
		d.logger.WithFields(fields).WithError(err).Error("Pass aborted")
	} else {
		d.logger.WithFields(fields).Info("Pass finished")
	}

	if d.metrics != nil {
		m := d.metrics.GetPrometheusMetrics()
		m.RecordPass(string(report.Kind), status, report.Duration())
		if n, cerr := d.store.CountDeferred(context.WithoutCancel(ctx)); cerr == nil {
			m.UpdateDeferredQueueLength(n)
		}
	}
	return report, err
}

// Preview evaluates rule against the most recent listings without sending
// anything or moving its watermark.
func (d *Dispatcher) Preview(ctx context.Context, rule *models.AlertRule, limit int) ([]*models.Listing, error) {
	if limit <= 0 {
		limit = d.config.MaxMatchesPerRule
	}
	since := d.now().Add(-d.config.MaxLookback)
	if d.config.MaxLookback <= 0 {
		since = time.Time{}
	}
	listings, err := d.store.GetRecentListings(ctx, since, d.config.SnapshotLimit)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "failed to load listings", err)
	}
	preview := *rule
	preview.Enabled = true
	return matcher.MatchN(&preview, listings, limit), nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
