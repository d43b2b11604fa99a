package intents

import (
	"strings"

	"golang.org/x/text/cases"
)

var folder = cases.Fold()

// NormalizeCategory folds a category for case-insensitive comparison.
func NormalizeCategory(category string) string {
	return folder.String(strings.TrimSpace(category))
}

var conditionRanks = map[string]int{
	"poor":      0,
	"fair":      1,
	"good":      2,
	"very_good": 3,
	"like_new":  4,
	"new":       5,
}

// UnspecifiedConditionRank is assumed for assets that declare no condition.
const UnspecifiedConditionRank = 2

// ConditionRank orders asset conditions. Unknown values rank as unspecified.
func ConditionRank(condition string) int {
	if rank, ok := conditionRanks[normalizeCondition(condition)]; ok {
		return rank
	}
	return UnspecifiedConditionRank
}

// MaxConditionRank is the best possible condition rank.
func MaxConditionRank() int {
	return conditionRanks["new"]
}

// ValidCondition reports whether condition is empty or a known grade.
func ValidCondition(condition string) bool {
	if strings.TrimSpace(condition) == "" {
		return true
	}
	_, ok := conditionRanks[normalizeCondition(condition)]
	return ok
}

func normalizeCondition(condition string) string {
	c := strings.ToLower(strings.TrimSpace(condition))
	return strings.ReplaceAll(strings.ReplaceAll(c, "-", "_"), " ", "_")
}
