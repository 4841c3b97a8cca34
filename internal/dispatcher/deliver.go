package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/internal/notification"
	"github.com/smartdevs17/deal-alerts/internal/preferences"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

const bookkeepingTimeout = 5 * time.Second

// match is one listing headed for one user, from either pass.
type match struct {
	kind     models.NotificationKind
	userID   string
	ruleID   string
	ruleName string
	listing  *models.Listing
	// listingKey is the listing part of the delivery key.
	listingKey string
	channels   []models.ChannelKind

	threshold *decimal.Decimal
	previous  *decimal.Decimal

	// deferredID is set for matches released from the deferred queue.
	deferredID string
}

func (m *match) payload(now time.Time) *notification.Payload {
	return &notification.Payload{
		Kind:          m.kind,
		UserID:        m.userID,
		RuleID:        m.ruleID,
		RuleName:      m.ruleName,
		Listings:      []*models.Listing{m.listing},
		Threshold:     m.threshold,
		PreviousPrice: m.previous,
		SentAt:        now,
	}
}

func (m *match) deferred(d preferences.Decision, channels []models.ChannelKind, now time.Time) *models.DeferredNotification {
	return &models.DeferredNotification{
		ID:         utils.GenerateID(),
		UserID:     m.userID,
		Kind:       m.kind,
		RuleID:     m.ruleID,
		RuleName:   m.ruleName,
		ListingKey: m.listingKey,
		Listing:    *m.listing,
		Channels:   channels,
		Reason:     d.Reason,
		DeferredAt: now,
		ReleaseAt:  d.ReleaseAt,
	}
}

// outcome is the aggregate result of delivering one match.
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeDelivered
	outcomeDeferred
	outcomeRateLimited
	outcomeFailed
	outcomeInterrupted
	// outcomeRetry means a store or limiter error left the match
	// undecided. Callers keep it for the next pass.
	outcomeRetry
)

// settled reports whether the match needs no further attempts from the
// caller's point of view.
func (o outcome) settled() bool {
	return o == outcomeDelivered || o == outcomeDeferred
}

// deliver runs a match through channel selection, scheduling, the daily cap
// and the senders. released is true for matches coming out of the deferred
// queue, which have already been scheduled.
func (d *Dispatcher) deliver(ctx context.Context, pass *passState, prefs *models.NotificationPreferences, m *match, released bool) outcome {
	log := d.logger.WithFields(logrus.Fields{
		"user_id":    m.userID,
		"rule_id":    m.ruleID,
		"listing_id": m.listingKey,
		"kind":       m.kind,
	})
	now := d.now()

	channels := models.IntersectChannels(m.channels, prefs.Channels)
	if len(channels) == 0 {
		d.skip(ctx, pass, m, "", models.ReasonNoAllowedChannel, "")
		return outcomeSkipped
	}

	if !released {
		if decision := preferences.Decide(prefs, now); decision.Deferred {
			bctx, cancel := bookkeeping(ctx)
			queued, err := d.store.EnqueueDeferred(bctx, m.deferred(decision, channels, now))
			cancel()
			if err != nil {
				log.WithError(err).Error("Failed to defer notification, match kept for the next pass")
				pass.failed()
				return outcomeRetry
			}
			if queued {
				pass.deferred()
				d.audit(ctx, m, "", models.AttemptSkipped, decision.Reason, "released at "+decision.ReleaseAt.UTC().Format(time.RFC3339), 0)
			}
			return outcomeDeferred
		}
	}

	if pass.isBlocked(m.userID) {
		d.skip(ctx, pass, m, "", models.ReasonRateLimited, "")
		return outcomeRateLimited
	}

	pending := d.pendingChannels(ctx, m, channels)
	if len(pending) == 0 {
		d.skip(ctx, pass, m, "", models.ReasonAlreadySent, "")
		return outcomeDelivered
	}

	dests := make(map[models.ChannelKind]notification.Destination, len(pending))
	for _, channel := range pending {
		dest, err := notification.DestinationFor(prefs, channel)
		if err != nil {
			d.skip(ctx, pass, m, channel, models.ReasonNoDestination, err.Error())
			d.flag(ctx, m.userID, channel, models.ReasonNoDestination)
			continue
		}
		dests[channel] = dest
	}
	if len(dests) == 0 {
		return outcomeSkipped
	}

	ok, err := d.limiter.TryConsume(ctx, m.userID, prefs.MaxPerDay)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeInterrupted
		}
		log.WithError(err).Error("Rate limit check failed, match kept for the next pass")
		pass.failed()
		return outcomeRetry
	}
	if !ok {
		pass.block(m.userID)
		d.skip(ctx, pass, m, "", models.ReasonRateLimited, "")
		if d.metrics != nil {
			d.metrics.GetPrometheusMetrics().RecordRateLimited()
		}
		log.WithField("max_per_day", prefs.MaxPerDay).Info("Daily notification cap reached")
		return outcomeRateLimited
	}

	// Sending
	payload := m.payload(now)
	delivered, failed, retry := 0, 0, 0
	for _, channel := range pending {
		dest, ok := dests[channel]
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			return outcomeInterrupted
		}
		switch d.sendChannel(ctx, pass, m, dest, payload) {
		case outcomeDelivered:
			delivered++
		case outcomeFailed:
			failed++
		case outcomeRetry:
			retry++
		case outcomeInterrupted:
			return outcomeInterrupted
		}
	}
	switch {
	case retry > 0:
		return outcomeRetry
	case delivered > 0:
		return outcomeDelivered
	case failed > 0:
		return outcomeFailed
	default:
		return outcomeSkipped
	}
}

// pendingChannels drops channels whose delivery key has already been sent,
// so a repeat match consumes no allowance.
func (d *Dispatcher) pendingChannels(ctx context.Context, m *match, channels []models.ChannelKind) []models.ChannelKind {
	pending := make([]models.ChannelKind, 0, len(channels))
	for _, channel := range channels {
		state, err := d.store.GetDeliveryState(ctx, m.key(channel))
		if err == nil && state == models.DeliverySent {
			continue
		}
		pending = append(pending, channel)
	}
	return pending
}

func (m *match) key(channel models.ChannelKind) models.DeliveryKey {
	return models.DeliveryKey{RuleID: m.ruleID, ListingID: m.listingKey, Channel: channel}
}

// sendChannel delivers payload to dest. A failure here never affects
// the user's other channels.
func (d *Dispatcher) sendChannel(ctx context.Context, pass *passState, m *match, dest notification.Destination, payload *notification.Payload) outcome {
	channel := dest.Channel
	log := d.logger.WithFields(logrus.Fields{
		"user_id":    m.userID,
		"rule_id":    m.ruleID,
		"listing_id": m.listingKey,
		"channel":    channel,
	})

	sender, ok := d.senders.Sender(channel)
	if !ok {
		pass.failed()
		d.audit(ctx, m, channel, models.AttemptFailed, models.ReasonPermanent, "channel not configured", 0)
		return outcomeFailed
	}

	bctx, cancel := bookkeeping(ctx)
	defer cancel()

	key := m.key(channel)
	claimed, err := d.store.ClaimDelivery(bctx, key, d.now(), d.config.ClaimStaleAfter)
	if err != nil {
		log.WithError(err).Error("Failed to claim delivery, match kept for the next pass")
		pass.failed()
		return outcomeRetry
	}
	if !claimed {
		d.skip(ctx, pass, m, channel, models.ReasonAlreadySent, "")
		return outcomeDelivered
	}

	res := sender.Send(ctx, dest, payload)

	state := models.DeliverySent
	if !res.OK() {
		state = models.DeliveryFailed
	}
	if err := d.store.CompleteDelivery(bctx, key, state, d.now()); err != nil {
		log.WithError(err).Error("Failed to complete delivery")
	}
	d.audit(ctx, m, channel, res.Status, res.Reason, res.Detail, res.Attempts)

	if res.OK() {
		pass.sent()
		return outcomeDelivered
	}
	pass.failed()
	if res.Failure == notification.FailurePermanent {
		d.flag(ctx, m.userID, channel, res.Detail)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return outcomeInterrupted
	}
	return outcomeFailed
}

func (d *Dispatcher) skip(ctx context.Context, pass *passState, m *match, channel models.ChannelKind, reason, detail string) {
	pass.skipped(reason)
	if d.metrics != nil {
		d.metrics.GetPrometheusMetrics().RecordNotificationSkipped(reason)
	}
	d.audit(ctx, m, channel, models.AttemptSkipped, reason, detail, 0)
}

func (d *Dispatcher) audit(ctx context.Context, m *match, channel models.ChannelKind, status models.AttemptStatus, reason, detail string, attempts int) {
	attempt := &models.NotificationAttempt{
		ID:        utils.GenerateID(),
		Kind:      m.kind,
		RuleID:    m.ruleID,
		ListingID: m.listingKey,
		UserID:    m.userID,
		Channel:   channel,
		Status:    status,
		Reason:    reason,
		Detail:    detail,
		Attempts:  attempts,
		CreatedAt: d.now(),
	}
	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := d.store.RecordAttempt(bctx, attempt); err != nil {
		d.logger.WithError(err).WithField("rule_id", m.ruleID).Warn("Failed to record notification attempt")
	}
}

func (d *Dispatcher) flag(ctx context.Context, userID string, channel models.ChannelKind, reason string) {
	flag := &models.ChannelFlag{UserID: userID, Channel: channel, Reason: reason, FlaggedAt: d.now()}
	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := d.store.FlagChannel(bctx, flag); err != nil {
		d.logger.WithError(err).WithField("user_id", userID).Warn("Failed to flag channel")
	}
}

// bookkeeping detaches store writes that record work already done from the
// pass deadline.
func bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}
