package models

import (
	"fmt"
	"strings"
)

// Condition is the item condition grade of a listing. Grades are ordered
// poor < fair < good < great < excellent.
type Condition string

const (
	ConditionPoor      Condition = "poor"
	ConditionFair      Condition = "fair"
	ConditionGood      Condition = "good"
	ConditionGreat     Condition = "great"
	ConditionExcellent Condition = "excellent"
)

var conditionRank = map[Condition]int{
	ConditionPoor:      1,
	ConditionFair:      2,
	ConditionGood:      3,
	ConditionGreat:     4,
	ConditionExcellent: 5,
}

// Rank returns the ordinal of c, or 0 when c is not a known grade.
func (c Condition) Rank() int {
	return conditionRank[Condition(strings.ToLower(string(c)))]
}

// Valid reports whether c is a known grade.
func (c Condition) Valid() bool { return c.Rank() > 0 }

// AtLeast reports whether c is graded at or above min.
func (c Condition) AtLeast(min Condition) bool {
	return c.Rank() >= min.Rank()
}

// ParseCondition converts a case-insensitive grade name into a Condition.
func ParseCondition(s string) (Condition, error) {
	c := Condition(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown condition %q", s)
	}
	return c, nil
}
