package dispatcher

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/internal/notification"
	"github.com/smartdevs17/deal-alerts/internal/preferences"
)

// flushDeferred releases queued notifications whose release time has come.
// Digest users get one folded notification per channel; everyone else gets
// the held matches one by one.
func (d *Dispatcher) flushDeferred(ctx context.Context, pass *passState, cache *preferences.PassCache) error {
	now := d.now()
	items, err := d.store.DueDeferred(ctx, now, d.config.DeferredBatch)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	var (
		order  []string
		byUser = make(map[string][]*models.DeferredNotification)
	)
	for _, item := range items {
		if _, ok := byUser[item.UserID]; !ok {
			order = append(order, item.UserID)
		}
		byUser[item.UserID] = append(byUser[item.UserID], item)
	}

	for _, userID := range order {
		if ctx.Err() != nil {
			return nil
		}
		queued := byUser[userID]
		log := d.logger.WithFields(logrus.Fields{"user_id": userID, "deferred": len(queued)})

		prefs, err := cache.Resolve(ctx, userID)
		if err != nil {
			log.WithError(err).Error("Failed to resolve preferences, deferred notifications kept")
			continue
		}

		switch {
		case prefs.Frequency.IsDigest():
			d.flushDigest(ctx, pass, prefs, queued)
		case preferences.InQuietHours(prefs.QuietHours, now, prefs.Location()):
			d.reschedule(ctx, queued, preferences.QuietEndsAt(prefs.QuietHours, now, prefs.Location()))
		default:
			d.flushImmediate(ctx, pass, prefs, queued)
		}
	}
	return nil
}

func (d *Dispatcher) flushImmediate(ctx context.Context, pass *passState, prefs *models.NotificationPreferences, queued []*models.DeferredNotification) {
	var done []string
	for _, item := range queued {
		switch d.deliver(ctx, pass, prefs, matchFromDeferred(item), true) {
		case outcomeInterrupted:
			d.remove(ctx, pass, done)
			return
		case outcomeRateLimited:
			d.reschedule(ctx, []*models.DeferredNotification{item}, nextUTCDay(d.now()))
		case outcomeRetry:
			// Still due, so the next pass offers it again.
		default:
			done = append(done, item.ID)
		}
	}
	d.remove(ctx, pass, done)
}

// flushDigest folds queued matches into one notification per channel. The
// digest counts as a single notification against the daily cap, and every
// folded match still claims its own delivery key.
func (d *Dispatcher) flushDigest(ctx context.Context, pass *passState, prefs *models.NotificationPreferences, queued []*models.DeferredNotification) {
	now := d.now()
	ids := make([]string, 0, len(queued))
	var requested []models.ChannelKind
	for _, item := range queued {
		ids = append(ids, item.ID)
		requested = append(requested, item.Channels...)
	}
	channels := models.IntersectChannels(models.NormalizeChannels(requested), prefs.Channels)
	if len(channels) == 0 {
		for _, item := range queued {
			d.skip(ctx, pass, matchFromDeferred(item), "", models.ReasonNoAllowedChannel, "")
		}
		d.remove(ctx, pass, ids)
		return
	}

	// Per channel, the folded matches not yet delivered there.
	pending := make(map[models.ChannelKind][]*match, len(channels))
	for _, item := range queued {
		m := matchFromDeferred(item)
		for _, channel := range d.pendingChannels(ctx, m, models.IntersectChannels(item.Channels, channels)) {
			pending[channel] = append(pending[channel], m)
		}
	}
	if len(pending) == 0 {
		d.remove(ctx, pass, ids)
		return
	}

	if pass.isBlocked(prefs.UserID) {
		d.reschedule(ctx, queued, preferences.NextDigestAt(prefs.Frequency, now, prefs.Location()))
		return
	}
	ok, err := d.limiter.TryConsume(ctx, prefs.UserID, prefs.MaxPerDay)
	if err != nil {
		d.logger.WithError(err).WithField("user_id", prefs.UserID).Error("Rate limit check failed, digest kept")
		return
	}
	if !ok {
		pass.block(prefs.UserID)
		pass.skipped(models.ReasonRateLimited)
		if d.metrics != nil {
			d.metrics.GetPrometheusMetrics().RecordRateLimited()
			d.metrics.GetPrometheusMetrics().RecordNotificationSkipped(models.ReasonRateLimited)
		}
		d.reschedule(ctx, queued, preferences.NextDigestAt(prefs.Frequency, now, prefs.Location()))
		return
	}

	keep := make(map[string]bool)
	for _, channel := range channels {
		if ctx.Err() != nil {
			return
		}
		if folded := pending[channel]; len(folded) > 0 {
			for _, m := range d.sendDigest(ctx, pass, prefs, channel, folded) {
				keep[m.deferredID] = true
			}
		}
	}
	done := ids[:0]
	for _, id := range ids {
		if !keep[id] {
			done = append(done, id)
		}
	}
	d.remove(ctx, pass, done)
}

// sendDigest sends folded on one channel. It returns the matches whose
// delivery key could not be claimed; they stay queued.
func (d *Dispatcher) sendDigest(ctx context.Context, pass *passState, prefs *models.NotificationPreferences, channel models.ChannelKind, folded []*match) []*match {
	dest, err := notification.DestinationFor(prefs, channel)
	if err != nil {
		for _, m := range folded {
			d.skip(ctx, pass, m, channel, models.ReasonNoDestination, err.Error())
		}
		d.flag(ctx, prefs.UserID, channel, models.ReasonNoDestination)
		return nil
	}
	sender, ok := d.senders.Sender(channel)
	if !ok {
		pass.failed()
		for _, m := range folded {
			d.audit(ctx, m, channel, models.AttemptFailed, models.ReasonPermanent, "channel not configured", 0)
		}
		return nil
	}

	bctx, cancel := bookkeeping(ctx)
	defer cancel()

	var retry []*match
	claimed := make([]*match, 0, len(folded))
	for _, m := range folded {
		ok, err := d.store.ClaimDelivery(bctx, m.key(channel), d.now(), d.config.ClaimStaleAfter)
		if err != nil {
			d.logger.WithError(err).WithField("rule_id", m.ruleID).Error("Failed to claim delivery, match kept queued")
			retry = append(retry, m)
			continue
		}
		if ok {
			claimed = append(claimed, m)
		}
	}
	if len(claimed) == 0 {
		return retry
	}

	payload := &notification.Payload{
		Kind:   models.NotificationKindDigest,
		UserID: prefs.UserID,
		SentAt: d.now(),
	}
	for _, m := range claimed {
		payload.Listings = append(payload.Listings, m.listing)
	}
	res := sender.Send(ctx, dest, payload)

	state := models.DeliverySent
	if !res.OK() {
		state = models.DeliveryFailed
	}
	for _, m := range claimed {
		if err := d.store.CompleteDelivery(bctx, m.key(channel), state, d.now()); err != nil {
			d.logger.WithError(err).WithField("rule_id", m.ruleID).Error("Failed to complete delivery")
		}
		d.audit(ctx, m, channel, res.Status, res.Reason, res.Detail, res.Attempts)
	}

	if res.OK() {
		pass.sent()
		return retry
	}
	pass.failed()
	if res.Failure == notification.FailurePermanent {
		d.flag(ctx, prefs.UserID, channel, res.Detail)
	}
	return retry
}

func (d *Dispatcher) remove(ctx context.Context, pass *passState, ids []string) {
	if len(ids) == 0 {
		return
	}
	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := d.store.DeleteDeferred(bctx, ids); err != nil {
		d.logger.WithError(err).Error("Failed to remove released notifications")
		return
	}
	pass.released(len(ids))
}

func (d *Dispatcher) reschedule(ctx context.Context, items []*models.DeferredNotification, at time.Time) {
	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	for _, item := range items {
		if err := d.store.RescheduleDeferred(bctx, item.ID, at); err != nil {
			d.logger.WithError(err).WithField("deferred_id", item.ID).Error("Failed to reschedule deferred notification")
		}
	}
}

func matchFromDeferred(item *models.DeferredNotification) *match {
	listing := item.Listing
	return &match{
		kind:       item.Kind,
		userID:     item.UserID,
		ruleID:     item.RuleID,
		ruleName:   item.RuleName,
		listing:    &listing,
		listingKey: item.ListingKey,
		channels:   item.Channels,
		deferredID: item.ID,
	}
}

func nextUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
}
