package matcher

import (
	"strings"

	"github.com/smartdevs17/deal-alerts/internal/models"
)

// keywordFilter is the rule's string predicate: any exclude term rejects,
// otherwise any include term accepts. No include terms accepts everything.
type keywordFilter struct {
	include []string
	exclude []string
}

func newKeywordFilter(include, exclude []string) keywordFilter {
	return keywordFilter{include: lowerTerms(include), exclude: lowerTerms(exclude)}
}

func (f keywordFilter) accepts(l *models.Listing) bool {
	text := strings.ToLower(l.Title + "\n" + l.Description)

	for _, term := range f.exclude {
		if strings.Contains(text, term) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, term := range f.include {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

func lowerTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
