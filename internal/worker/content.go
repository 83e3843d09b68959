package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/provider"
)

const (
	thinContentWords = 300
	maxPromptChars   = 8000
)

// Content asks the LLM provider to grade the copy and adds local checks for
// meta description and length.
type Content struct {
	providers Caller
}

func NewContent(providers Caller) *Content { return &Content{providers: providers} }

func (w *Content) Kind() analysis.WorkerKind { return analysis.KindContent }

func (w *Content) Run(ctx context.Context, actx *analysis.AnalysisContext, cfg Config) (*analysis.Insight, error) {
	if err := requireCrawl(actx); err != nil {
		return nil, err
	}
	crawl := actx.Crawl

	text := crawl.Text
	if len(text) > maxPromptChars {
		text = text[:maxPromptChars]
	}
	resp, err := w.providers.Call(ctx, provider.LLM, provider.Request{
		Tenant: actx.Tenant,
		Op:     "analyze",
		Payload: map[string]any{
			"task":     "content_quality",
			"model":    cfg.option("model", ""),
			"locale":   cfg.Locale,
			"title":    crawl.Title,
			"headings": crawl.Headings,
			"text":     text,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("content analysis: %w", err)
	}

	in := newInsight(actx, analysis.KindContent)
	words := len(strings.Fields(crawl.Text))
	in.Summary["words"] = words
	if score, ok := num(resp.Body, "score"); ok {
		in.Summary["score"] = score
	}

	if crawl.MetaDescription == "" {
		recommend(in, "content", "Add a meta description",
			"The page has no meta description; search engines will pick a snippet on their own.",
			4, 1)
	} else if n := len([]rune(crawl.MetaDescription)); n < 50 || n > 160 {
		recommend(in, "content", "Adjust meta description length",
			fmt.Sprintf("The meta description is %d characters; aim for 50 to 160.", n),
			2, 1)
	}

	minWords := cfg.intOption("min_words", thinContentWords)
	if words < minWords {
		recommend(in, "content", "Expand thin content",
			fmt.Sprintf("The page has %d words; pages under %d words rarely rank.", words, minWords),
			4, 3)
	}

	for _, s := range objects(resp.Body, "suggestions") {
		title := strings.TrimSpace(str(s, "title"))
		if title == "" {
			continue
		}
		impact, _ := num(s, "impact")
		effort, _ := num(s, "effort")
		cat := str(s, "category")
		if cat == "" {
			cat = "content"
		}
		recommend(in, cat, title, str(s, "description"), int(impact), int(effort))
	}

	return finish(in), nil
}
