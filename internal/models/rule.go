package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// GeoFilter restricts matches to listings within RadiusMiles of a point.
type GeoFilter struct {
	GeoPoint
	RadiusMiles float64 `json:"radius_miles" validate:"gt=0"`
}

// AlertRule is a user-defined predicate over listings plus the channels
// matches should be delivered on.
type AlertRule struct {
	ID              string           `json:"id"`
	OwnerID         string           `json:"owner_id" validate:"required"`
	Name            string           `json:"name" validate:"required,max=200"`
	Enabled         bool             `json:"enabled"`
	Keywords        []string         `json:"keywords,omitempty" validate:"dive,required,max=100"`
	ExcludeKeywords []string         `json:"exclude_keywords,omitempty" validate:"dive,required,max=100"`
	Categories      []string         `json:"categories,omitempty" validate:"dive,required"`
	MinCondition    *Condition       `json:"min_condition,omitempty" validate:"omitempty,condition"`
	MinPrice        *decimal.Decimal `json:"min_price,omitempty" validate:"-"`
	MaxPrice        *decimal.Decimal `json:"max_price,omitempty" validate:"-"`
	Location        *GeoFilter       `json:"location,omitempty"`
	MinDealScore    *float64         `json:"min_deal_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	Channels        []ChannelKind    `json:"channels" validate:"required,min=1,dive,channel"`
	LastTriggeredAt *time.Time       `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Normalize trims and lowercases the rule's string sets and removes
// duplicates so matching and storage see a canonical form.
func (r *AlertRule) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Keywords = normalizeTerms(r.Keywords)
	r.ExcludeKeywords = normalizeTerms(r.ExcludeKeywords)
	r.Categories = normalizeTerms(r.Categories)
	r.Channels = NormalizeChannels(r.Channels)
	if r.MinCondition != nil {
		c := Condition(strings.ToLower(strings.TrimSpace(string(*r.MinCondition))))
		r.MinCondition = &c
	}
}

// Validate checks the rule invariants that hold from creation onwards.
func (r *AlertRule) Validate() error {
	if err := ValidateStruct(r); err != nil {
		return err
	}
	if r.MinPrice != nil && r.MinPrice.IsNegative() {
		return &ValidationError{Field: "min_price", Message: "must not be negative"}
	}
	if r.MaxPrice != nil && r.MaxPrice.IsNegative() {
		return &ValidationError{Field: "max_price", Message: "must not be negative"}
	}
	if r.MinPrice != nil && r.MaxPrice != nil && r.MinPrice.GreaterThan(*r.MaxPrice) {
		return &ValidationError{Field: "max_price", Message: "must be greater than or equal to min_price"}
	}
	return nil
}

// Watermark returns the point after which listings are new to this rule.
func (r *AlertRule) Watermark() time.Time {
	if r.LastTriggeredAt != nil {
		return *r.LastTriggeredAt
	}
	return r.CreatedAt
}

func normalizeTerms(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, term := range in {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}
	return out
}
