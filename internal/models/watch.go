package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceWatch asks to be told when a listing's price falls below a threshold.
type PriceWatch struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id" validate:"required"`
	ListingID         string           `json:"listing_id" validate:"required"`
	ThresholdPrice    decimal.Decimal  `json:"threshold_price" validate:"-"`
	Channels          []ChannelKind    `json:"channels" validate:"required,min=1,dive,channel"`
	Enabled           bool             `json:"enabled"`
	LastNotifiedPrice *decimal.Decimal `json:"last_notified_price,omitempty" validate:"-"`
	LastCheckedAt     *time.Time       `json:"last_checked_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Validate checks the watch's field constraints.
func (w *PriceWatch) Validate() error {
	w.Channels = NormalizeChannels(w.Channels)
	if err := ValidateStruct(w); err != nil {
		return err
	}
	if !w.ThresholdPrice.IsPositive() {
		return &ValidationError{Field: "threshold_price", Message: "must be positive"}
	}
	return nil
}
