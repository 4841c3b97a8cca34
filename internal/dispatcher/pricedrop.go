package dispatcher

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/smartdevs17/deal-alerts/internal/matcher"
	"github.com/smartdevs17/deal-alerts/internal/models"
	"github.com/smartdevs17/deal-alerts/internal/preferences"
	"github.com/smartdevs17/deal-alerts/pkg/utils"
)

// RunPriceDropPass checks every enabled watch against the current price of
// its listing. A watch fires once per new low: after a notification it only
// fires again when the price falls below the last notified price.
func (d *Dispatcher) RunPriceDropPass(ctx context.Context) (*PassReport, error) {
	now := d.now()
	pass := newPassState(PassPriceDrop, now)
	cache := d.prefs.ForPass()
	d.logger.WithField("pass", PassPriceDrop).Info("Price drop pass started")

	watches, err := d.store.GetPriceWatches(ctx)
	if err != nil {
		return d.finish(ctx, pass, utils.WrapError(utils.ErrCodeDatabase, "failed to load price watches", err))
	}
	if len(watches) == 0 {
		return d.finish(ctx, pass, nil)
	}

	ids := make([]string, 0, len(watches))
	seen := make(map[string]struct{}, len(watches))
	for _, w := range watches {
		if _, ok := seen[w.ListingID]; !ok {
			seen[w.ListingID] = struct{}{}
			ids = append(ids, w.ListingID)
		}
	}
	listings, err := d.store.GetListingsByIDs(ctx, ids)
	if err != nil {
		return d.finish(ctx, pass, utils.WrapError(utils.ErrCodeDatabase, "failed to load watched listings", err))
	}
	byID := make(map[string]*models.Listing, len(listings))
	for _, l := range listings {
		byID[l.ID] = l
	}
	pass.mu.Lock()
	pass.report.Listings = len(listings)
	pass.mu.Unlock()

	var (
		checkedMu sync.Mutex
		checked   = make([]string, 0, len(watches))
	)
	g := new(errgroup.Group)
	g.SetLimit(d.config.Workers)
	for _, w := range watches {
		w := w
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			state := d.evaluateWatch(ctx, pass, cache, w, byID[w.ListingID])
			pass.ruleDone(state)
			if state != RuleInterrupted {
				checkedMu.Lock()
				checked = append(checked, w.ID)
				checkedMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := d.store.MarkWatchesChecked(bctx, checked, d.now()); err != nil {
		d.logger.WithError(err).Warn("Failed to record watch check time")
	}
	return d.finish(ctx, pass, nil)
}

func (d *Dispatcher) evaluateWatch(ctx context.Context, pass *passState, cache *preferences.PassCache,
	w *models.PriceWatch, listing *models.Listing) RuleState {
	log := d.logger.WithFields(logrus.Fields{"watch_id": w.ID, "user_id": w.UserID, "listing_id": w.ListingID})

	if listing == nil {
		log.Debug("Watched listing no longer available")
		return RuleSkipped
	}
	if !matcher.PriceDropped(w, listing) {
		return RuleCompleted
	}
	pass.addMatches(1)
	if d.metrics != nil {
		d.metrics.GetPrometheusMetrics().RecordMatches(string(PassPriceDrop), 1)
	}

	prefs, err := cache.Resolve(ctx, w.UserID)
	if err != nil {
		log.WithError(err).Error("Failed to resolve preferences, watch skipped this pass")
		return RuleFailed
	}

	threshold := w.ThresholdPrice
	m := &match{
		kind:       models.NotificationKindPriceDrop,
		userID:     w.UserID,
		ruleID:     w.ID,
		ruleName:   listing.Title,
		listing:    listing,
		listingKey: listing.ID + "@" + listing.Price.String(),
		channels:   w.Channels,
		threshold:  &threshold,
		previous:   w.LastNotifiedPrice,
	}

	o := d.deliver(ctx, pass, prefs, m, false)
	if o.settled() {
		bctx, cancel := bookkeeping(ctx)
		defer cancel()
		if err := d.store.MarkWatchNotified(bctx, w.ID, listing.Price, d.now()); err != nil {
			log.WithError(err).Error("Failed to record notified price")
		}
	}
	switch o {
	case outcomeInterrupted:
		return RuleInterrupted
	case outcomeRateLimited:
		return RuleRateLimited
	case outcomeFailed, outcomeRetry:
		return RuleFailed
	default:
		return RuleCompleted
	}
}
