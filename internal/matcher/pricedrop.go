package matcher

import "github.com/smartdevs17/deal-alerts/internal/models"

// PriceDropped reports whether listing's current price is below the watch
// threshold and, once the watch has fired, strictly below the last price it
// fired at. The second condition keeps a flat price from re-alerting.
func PriceDropped(watch *models.PriceWatch, listing *models.Listing) bool {
	if watch == nil || listing == nil || !watch.Enabled {
		return false
	}
	if !listing.Price.LessThan(watch.ThresholdPrice) {
		return false
	}
	if watch.LastNotifiedPrice != nil && !listing.Price.LessThan(*watch.LastNotifiedPrice) {
		return false
	}
	return true
}
