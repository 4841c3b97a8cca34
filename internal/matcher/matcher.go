// Package matcher evaluates alert rules against listings. Everything here is
// pure: no I/O, no clocks, no shared state.
package matcher

import (
	"sort"
	"strings"

	"github.com/smartdevs17/deal-alerts/internal/models"
)

// DefaultMaxResults bounds how many listings a single rule can match per pass.
const DefaultMaxResults = 100

// Match returns the listings that satisfy rule, best deals first, capped at
// DefaultMaxResults. The input slice is not modified.
func Match(rule *models.AlertRule, listings []*models.Listing) []*models.Listing {
	return MatchN(rule, listings, DefaultMaxResults)
}

// MatchN is Match with an explicit cap. A non-positive limit means
// DefaultMaxResults.
func MatchN(rule *models.AlertRule, listings []*models.Listing, limit int) []*models.Listing {
	if rule == nil || !rule.Enabled {
		return nil
	}
	if limit <= 0 {
		limit = DefaultMaxResults
	}

	kw := newKeywordFilter(rule.Keywords, rule.ExcludeKeywords)
	categories := termSet(rule.Categories)

	var matched []*models.Listing
	for _, l := range listings {
		if l == nil {
			continue
		}
		if !matchesStructured(rule, categories, l) {
			continue
		}
		if !kw.accepts(l) {
			continue
		}
		matched = append(matched, l)
	}

	SortByDeal(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// SortByDeal orders listings by deal score descending (missing scores last),
// then newest first, then by ID for a stable total order.
func SortByDeal(listings []*models.Listing) {
	sort.SliceStable(listings, func(i, j int) bool {
		a, b := listings[i], listings[j]
		switch {
		case a.DealScore != nil && b.DealScore == nil:
			return true
		case a.DealScore == nil && b.DealScore != nil:
			return false
		case a.DealScore != nil && b.DealScore != nil && *a.DealScore != *b.DealScore:
			return *a.DealScore > *b.DealScore
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// matchesStructured applies the indexable predicates. A predicate whose rule
// bound or listing attribute is absent does not filter.
func matchesStructured(rule *models.AlertRule, categories map[string]struct{}, l *models.Listing) bool {
	if rule.MinPrice != nil && l.Price.LessThan(*rule.MinPrice) {
		return false
	}
	if rule.MaxPrice != nil && l.Price.GreaterThan(*rule.MaxPrice) {
		return false
	}
	if len(categories) > 0 {
		if _, ok := categories[strings.ToLower(strings.TrimSpace(l.Category))]; !ok {
			return false
		}
	}
	if rule.MinCondition != nil && l.Condition != nil && l.Condition.Valid() {
		if !l.Condition.AtLeast(*rule.MinCondition) {
			return false
		}
	}
	if rule.Location != nil && l.Location != nil {
		if DistanceMiles(rule.Location.GeoPoint, *l.Location) > rule.Location.RadiusMiles {
			return false
		}
	}
	if rule.MinDealScore != nil && l.DealScore != nil && *l.DealScore < *rule.MinDealScore {
		return false
	}
	return true
}

func termSet(terms []string) map[string]struct{} {
	if len(terms) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}
