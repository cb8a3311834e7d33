// Package scoring computes the weighted composite relevance score attached
// to every search result. Each scorer produces a SQL expression normalized to
// [0, 1] before weighting, so no single high-magnitude component can eclipse
// the others unless its weight is intentionally large.
package scoring

import (
	"fmt"
	"strings"
)

// Scorer names and their default weights. Weights are per-deployment tunable
// via configuration; these are the documented baseline.
const (
	ScorerText     = "text"
	ScorerNative   = "native"
	ScorerRecency  = "recency"
	ScorerViews    = "views"
	ScorerBookmark = "bookmark"
)

// Weights maps scorer names to their configured weight.
type Weights map[string]float64

// DefaultWeights returns the baseline weighting: text relevance dominates,
// with popularity, bookmarks and recency as tie-breakers.
func DefaultWeights() Weights {
	return Weights{
		ScorerText:     10,
		ScorerNative:   2,
		ScorerRecency:  1.5,
		ScorerViews:    2,
		ScorerBookmark: 2,
	}
}

// Merge overlays per-deployment overrides onto w and returns the result.
// Unknown scorer names in overrides are ignored.
func (w Weights) Merge(overrides map[string]float64) Weights {
	merged := make(Weights, len(w))
	for name, weight := range w {
		merged[name] = weight
	}
	for name, weight := range overrides {
		if _, known := merged[name]; known {
			merged[name] = weight
		}
	}
	return merged
}

// Scorer is one named component of the composite score. Expr is a SQL
// expression over the index table's columns evaluating to a float in [0, 1].
type Scorer struct {
	Name   string
	Weight float64
	Expr   string
}

// recencyHorizonSeconds bounds the linear recency decay: a document edited
// now scores 1, one untouched for 30 days or more scores 0.
const recencyHorizonSeconds = 30 * 24 * 3600

// viewSaturation is the view count at which the popularity score reaches
// 0.5; the curve v/(v+k) saturates smoothly toward 1 without a window scan.
const viewSaturation = 50

// Scorers returns the active scorer set for a query, in a stable order. The
// set depends on context: text scorers only apply when there is a parsed
// query to rank against, and the native scorer only when the caller opted
// into matching inside native query text.
//
// tsqueryArg is the SQL placeholder (e.g. "$1") holding the parsed tsquery.
// The text primitive is ts_rank with normalization 0: no document-length
// normalization, a conscious default so long descriptions are not penalized.
func Scorers(hasQuery, includeNative bool, weights Weights, tsqueryArg string) []Scorer {
	var scorers []Scorer

	if hasQuery {
		scorers = append(scorers, Scorer{
			Name:   ScorerText,
			Weight: weights[ScorerText],
			Expr:   fmt.Sprintf("least(ts_rank(search_vector, to_tsquery('english', %s), 0), 1.0)", tsqueryArg),
		})
		if includeNative {
			scorers = append(scorers, Scorer{
				Name:   ScorerNative,
				Weight: weights[ScorerNative],
				Expr:   fmt.Sprintf("least(ts_rank(native_search_vector, to_tsquery('english', %s), 0), 1.0)", tsqueryArg),
			})
		}
	}

	scorers = append(scorers,
		Scorer{
			Name:   ScorerRecency,
			Weight: weights[ScorerRecency],
			Expr: fmt.Sprintf(
				"greatest(0.0, 1.0 - extract(epoch from (now() - coalesce(last_edited_at, updated_at))) / %d.0)",
				recencyHorizonSeconds),
		},
		Scorer{
			Name:   ScorerViews,
			Weight: weights[ScorerViews],
			Expr:   fmt.Sprintf("(view_count::float / (view_count + %d))", viewSaturation),
		},
		Scorer{
			Name:   ScorerBookmark,
			Weight: weights[ScorerBookmark],
			Expr:   "least(bookmark_count, 1)::float",
		},
	)

	return scorers
}

// TotalExpr builds the weighted-sum SQL expression over all scorers.
func TotalExpr(scorers []Scorer) string {
	if len(scorers) == 0 {
		return "0.0"
	}
	terms := make([]string, 0, len(scorers))
	for _, s := range scorers {
		terms = append(terms, fmt.Sprintf("%g * %s", s.Weight, s.Expr))
	}
	return "(" + strings.Join(terms, " + ") + ")"
}

// Contribution records one scorer's share of a result's composite score.
// Attached to results for explainability; never persisted.
type Contribution struct {
	Name         string  `json:"name"`
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Breakdown is the per-result list of scorer contributions.
type Breakdown []Contribution

// NewBreakdown pairs the raw scores scanned from a result row with their
// scorers. The two slices must be parallel.
func NewBreakdown(scorers []Scorer, scores []float64) Breakdown {
	breakdown := make(Breakdown, 0, len(scorers))
	for i, s := range scorers {
		var raw float64
		if i < len(scores) {
			raw = scores[i]
		}
		breakdown = append(breakdown, Contribution{
			Name:         s.Name,
			Score:        raw,
			Weight:       s.Weight,
			Contribution: s.Weight * raw,
		})
	}
	return breakdown
}

// Total sums the weighted contributions.
func (b Breakdown) Total() float64 {
	var total float64
	for _, c := range b {
		total += c.Contribution
	}
	return total
}
