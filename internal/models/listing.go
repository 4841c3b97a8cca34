package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing is a marketplace listing as observed by the ingestion side.
// Optional attributes are nil when the marketplace did not supply them.
type Listing struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency,omitempty"`
	Category    string          `json:"category,omitempty"`
	Condition   *Condition      `json:"condition,omitempty"`
	Location    *GeoPoint       `json:"location,omitempty"`
	DealScore   *float64        `json:"deal_score,omitempty"`
	URL         string          `json:"url,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// MatchResult records that a listing satisfied a rule during a pass.
type MatchResult struct {
	RuleID    string    `json:"rule_id"`
	ListingID string    `json:"listing_id"`
	MatchedAt time.Time `json:"matched_at"`
}
