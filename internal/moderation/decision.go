package moderation

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/robalyx/modguard/internal/classifier"
)

// CategoryScore is the score of one category.
type CategoryScore struct {
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

func (c CategoryScore) String() string {
	return fmt.Sprintf("%s (%.2f)", c.Category, c.Score)
}

// Decision is the verdict for one event.
type Decision struct {
	Flagged   bool
	Threshold float64
	// Violations are the categories scoring above the threshold, highest first.
	Violations []CategoryScore
	Scores     classifier.Scores
}

// Decide flags the scores if any category is strictly above the threshold.
// Nil or empty scores, as returned for an unavailable classification, are never flagged.
func Decide(scores classifier.Scores, threshold float64) Decision {
	decision := Decision{
		Threshold: threshold,
		Scores:    scores,
	}

	for category, score := range scores {
		if score > threshold {
			decision.Violations = append(decision.Violations, CategoryScore{Category: category, Score: score})
		}
	}

	sortScores(decision.Violations)
	decision.Flagged = len(decision.Violations) > 0

	return decision
}

// Top returns the n highest scores overall, highest first.
func (d Decision) Top(n int) []CategoryScore {
	all := make([]CategoryScore, 0, len(d.Scores))
	for category, score := range d.Scores {
		all = append(all, CategoryScore{Category: category, Score: score})
	}

	sortScores(all)

	if n >= 0 && len(all) > n {
		all = all[:n]
	}

	return all
}

// TopViolations returns at most n violations.
func (d Decision) TopViolations(n int) []CategoryScore {
	if len(d.Violations) > n {
		return d.Violations[:n]
	}
	return d.Violations
}

// FormatScores renders scores as "harassment (0.73), hate (0.61)".
func FormatScores(scores []CategoryScore) string {
	parts := make([]string, len(scores))
	for i, score := range scores {
		parts[i] = score.String()
	}
	return strings.Join(parts, ", ")
}

// sortScores orders by score descending, then by name for stable output.
func sortScores(scores []CategoryScore) {
	slices.SortFunc(scores, func(a, b CategoryScore) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Category, b.Category)
	})
}
