// Package integrator merges worker insights into a ranked action plan. It is
// pure: the same insights always yield the same plan.
package integrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mtzanidakis/sitescope/internal/analysis"
)

// Rule scores a recommendation.
type Rule interface {
	Priority(impact, effort int) float64
}

// Weighted scores impact*ImpactWeight - effort*EffortWeight.
type Weighted struct {
	ImpactWeight float64
	EffortWeight float64
}

func (w Weighted) Priority(impact, effort int) float64 {
	return w.ImpactWeight*float64(impact) - w.EffortWeight*float64(effort)
}

// DefaultRule is priority = impact - 0.5*effort.
var DefaultRule = Weighted{ImpactWeight: 1, EffortWeight: 0.5}

type candidate struct {
	rec    analysis.Recommendation
	source analysis.WorkerKind
}

type dedupeKey struct {
	category string
	title    string
}

// Integrate flattens the recommendations of insights in canonical kind
// order, merges duplicates (same category and title) keeping the highest
// impact variant at the first occurrence's position, and sorts by priority
// descending with ties kept in flattened order. A nil rule means
// DefaultRule. Out-of-range scores fail with analysis.ErrIntegration.
func Integrate(insights []*analysis.Insight, rule Rule) ([]analysis.ActionItem, error) {
	if rule == nil {
		rule = DefaultRule
	}

	ordered := make([]*analysis.Insight, 0, len(insights))
	for _, in := range insights {
		if in != nil {
			ordered = append(ordered, in)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Kind.Rank() < ordered[j].Kind.Rank()
	})

	var flat []candidate
	index := make(map[dedupeKey]int)
	for _, in := range ordered {
		for _, rec := range in.Recommendations {
			if err := rec.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", analysis.ErrIntegration, in.Kind, err)
			}
			key := dedupeKey{
				category: strings.ToLower(strings.TrimSpace(rec.Category)),
				title:    strings.ToLower(strings.TrimSpace(rec.Title)),
			}
			if i, ok := index[key]; ok {
				if rec.Impact > flat[i].rec.Impact {
					flat[i] = candidate{rec: rec, source: in.Kind}
				}
				continue
			}
			index[key] = len(flat)
			flat = append(flat, candidate{rec: rec, source: in.Kind})
		}
	}

	plan := make([]analysis.ActionItem, len(flat))
	for i, c := range flat {
		plan[i] = analysis.ActionItem{
			Category:    c.rec.Category,
			Impact:      c.rec.Impact,
			Effort:      c.rec.Effort,
			Priority:    rule.Priority(c.rec.Impact, c.rec.Effort),
			Title:       c.rec.Title,
			Description: c.rec.Description,
			Source:      c.source,
		}
	}
	sort.SliceStable(plan, func(i, j int) bool {
		return plan[i].Priority > plan[j].Priority
	})

	perKind := make(map[analysis.WorkerKind]int)
	for i := range plan {
		perKind[plan[i].Source]++
		plan[i].ID = fmt.Sprintf("%s-%d", plan[i].Source, perKind[plan[i].Source])
	}
	return plan, nil
}
