// Package risk scores parsed commands on a deterministic 0-100 scale.
// Scoring is cumulative and explainable: every point of risk traces back
// to a recorded factor, and the same command against the same pattern
// snapshot always produces the same score.
package risk

import "fmt"

// Category buckets a score into the fixed, non-overlapping ranges.
type Category string

const (
	CategorySafe     Category = "safe"     // 0-20
	CategoryLow      Category = "low"      // 21-40
	CategoryMedium   Category = "medium"   // 41-60
	CategoryHigh     Category = "high"     // 61-80
	CategoryCritical Category = "critical" // 81-100
)

// categoryRank orders categories for comparisons.
var categoryRank = map[Category]int{
	CategorySafe:     0,
	CategoryLow:      1,
	CategoryMedium:   2,
	CategoryHigh:     3,
	CategoryCritical: 4,
}

// Rank returns the ordinal position of the category (SAFE=0 .. CRITICAL=4).
func (c Category) Rank() int {
	return categoryRank[c]
}

// AtLeast reports whether c is at least as severe as other.
func (c Category) AtLeast(other Category) bool {
	return categoryRank[c] >= categoryRank[other]
}

// CategoryForScore maps a score to its category. Scores are clamped to
// the 0-100 range first.
func CategoryForScore(score int) Category {
	switch {
	case score <= 20:
		return CategorySafe
	case score <= 40:
		return CategoryLow
	case score <= 60:
		return CategoryMedium
	case score <= 80:
		return CategoryHigh
	default:
		return CategoryCritical
	}
}

// MinScoreFor returns the lowest score inside a category's range. Used
// by degraded mode to floor a classification.
func MinScoreFor(c Category) int {
	switch c {
	case CategoryLow:
		return 21
	case CategoryMedium:
		return 41
	case CategoryHigh:
		return 61
	case CategoryCritical:
		return 81
	default:
		return 0
	}
}

// Factor is one recorded contribution to the score.
type Factor struct {
	// Description explains the contribution in plain language. Already
	// masked; never contains secret values.
	Description string `json:"description"`
	// Delta is the signed point contribution. For the privilege
	// multiplier it is the difference the multiplier produced.
	Delta int `json:"delta"`
	// PatternID identifies the matched dangerous pattern, if any.
	PatternID string `json:"pattern_id,omitempty"`
}

func (f Factor) String() string {
	if f.PatternID != "" {
		return fmt.Sprintf("%+d %s [%s]", f.Delta, f.Description, f.PatternID)
	}
	return fmt.Sprintf("%+d %s", f.Delta, f.Description)
}

// Classification is the immutable result of classifying one command.
type Classification struct {
	Score    int      `json:"score"`
	Category Category `json:"category"`
	Factors  []Factor `json:"factors"`
	// AutoApprovable is true only for CategorySafe.
	AutoApprovable bool `json:"auto_approvable"`
	// Degraded marks a classification produced while the pattern
	// database was unavailable (score floored at medium).
	Degraded bool `json:"degraded,omitempty"`
}

// ExecContext carries the submission context the classifier may use.
// It is part of the deterministic input.
type ExecContext struct {
	Submitter string
}
