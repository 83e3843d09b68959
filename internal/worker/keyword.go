package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/provider"
)

const (
	overOptimizedDensity = 0.05
	minKeywordLen        = 4
)

var stopWords = map[string]bool{
	"with": true, "from": true, "that": true, "this": true, "your": true,
	"have": true, "will": true, "about": true, "more": true, "what": true,
	"their": true, "there": true, "which": true, "when": true, "into": true,
}

// Keyword compares on-page terms with the search landscape.
type Keyword struct {
	providers Caller
}

func NewKeyword(providers Caller) *Keyword { return &Keyword{providers: providers} }

func (w *Keyword) Kind() analysis.WorkerKind { return analysis.KindKeyword }

func (w *Keyword) Run(ctx context.Context, actx *analysis.AnalysisContext, cfg Config) (*analysis.Insight, error) {
	if err := requireCrawl(actx); err != nil {
		return nil, err
	}
	crawl := actx.Crawl
	limit := cfg.MaxKeywords
	if limit <= 0 {
		limit = 20
	}

	counts, total := termCounts(crawl.Text)
	top := topTerms(counts, 5)
	query := crawl.Title
	if query == "" && len(top) > 0 {
		query = top[0]
	}
	if query == "" {
		return nil, fmt.Errorf("%w: page has no title or text to derive keywords from", analysis.ErrInvalidInput)
	}

	resp, err := w.providers.Call(ctx, provider.SERP, provider.Request{
		Tenant: actx.Tenant,
		Op:     "search",
		Payload: map[string]any{
			"query":  query,
			"locale": cfg.Locale,
			"limit":  limit,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	related := stringList(resp.Body, "related")
	if len(related) > limit {
		related = related[:limit]
	}

	in := newInsight(actx, analysis.KindKeyword)
	text := strings.ToLower(crawl.Text)
	var gaps []string
	for _, kw := range related {
		if !strings.Contains(text, strings.ToLower(kw)) {
			gaps = append(gaps, kw)
		}
	}
	in.Summary["query"] = query
	in.Summary["top_terms"] = top
	in.Summary["related"] = related
	in.Summary["gaps"] = gaps
	in.Summary["words"] = total

	if len(gaps) > 0 {
		shown := gaps[:min(len(gaps), 5)]
		recommend(in, "keywords", "Cover related search terms",
			fmt.Sprintf("Searchers for %q also look for: %s. None of these appear on the page.", query, strings.Join(shown, ", ")),
			4, 2)
	}

	if total > 0 && len(top) > 0 {
		density := float64(counts[top[0]]) / float64(total)
		in.Summary["top_density"] = density
		if density > overOptimizedDensity {
			recommend(in, "keywords", "Reduce keyword stuffing",
				fmt.Sprintf("%q makes up %.1f%% of the copy; rewrite for natural language.", top[0], density*100),
				3, 2)
		}
	}

	if len(top) > 0 && crawl.Title != "" && !strings.Contains(strings.ToLower(crawl.Title), top[0]) {
		recommend(in, "keywords", "Put the primary keyword in the title",
			fmt.Sprintf("The most frequent term %q is missing from the page title.", top[0]),
			4, 1)
	}

	return finish(in), nil
}

func termCounts(text string) (map[string]int, int) {
	counts := make(map[string]int)
	total := 0
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		total++
		if len([]rune(f)) < minKeywordLen || stopWords[f] {
			continue
		}
		counts[f]++
	}
	return counts, total
}

// topTerms returns the n most frequent terms, ties broken alphabetically.
func topTerms(counts map[string]int, n int) []string {
	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}
