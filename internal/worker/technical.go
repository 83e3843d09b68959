package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/provider"
)

const slowLoad = 3 * time.Second

// Technical combines a page-speed audit with structural checks on the crawl.
type Technical struct {
	providers Caller
}

func NewTechnical(providers Caller) *Technical { return &Technical{providers: providers} }

func (w *Technical) Kind() analysis.WorkerKind { return analysis.KindTechnical }

func (w *Technical) Run(ctx context.Context, actx *analysis.AnalysisContext, cfg Config) (*analysis.Insight, error) {
	if err := requireCrawl(actx); err != nil {
		return nil, err
	}
	crawl := actx.Crawl

	resp, err := w.providers.Call(ctx, provider.PageSpeed, provider.Request{
		Tenant: actx.Tenant,
		Op:     "run",
		Payload: map[string]any{
			"url":      crawl.URL,
			"strategy": cfg.option("strategy", "mobile"),
			"locale":   cfg.Locale,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("page speed audit: %w", err)
	}

	in := newInsight(actx, analysis.KindTechnical)
	in.Summary["load_time_ms"] = crawl.LoadTime.Milliseconds()
	in.Summary["status_code"] = crawl.StatusCode

	perf, hasPerf := num(resp.Body, "performance")
	if hasPerf {
		in.Summary["performance"] = perf
	}
	if crawl.LoadTime > slowLoad || (hasPerf && perf < 0.5) {
		recommend(in, "performance", "Improve page load speed",
			fmt.Sprintf("The page took %s to load; compress assets and defer scripts.", crawl.LoadTime.Round(time.Millisecond)),
			5, 4)
	}

	if crawl.Title == "" {
		recommend(in, "technical", "Add a page title", "The page has no <title> element.", 5, 1)
	}

	h1 := crawl.Headings["h1"]
	in.Summary["h1_count"] = len(h1)
	switch {
	case len(h1) == 0:
		recommend(in, "technical", "Add an H1 heading", "The page has no H1 heading.", 4, 1)
	case len(h1) > 1:
		recommend(in, "technical", "Use a single H1 heading",
			fmt.Sprintf("The page has %d H1 headings.", len(h1)), 2, 1)
	}

	missingAlt := 0
	for _, img := range crawl.Images {
		if img.Alt == "" {
			missingAlt++
		}
	}
	in.Summary["images"] = len(crawl.Images)
	in.Summary["images_missing_alt"] = missingAlt
	if missingAlt > 0 {
		recommend(in, "accessibility", "Add alt text to images",
			fmt.Sprintf("%d of %d images have no alt text.", missingAlt, len(crawl.Images)),
			3, 2)
	}

	in.Summary["schema_types"] = crawl.SchemaOrg
	if len(crawl.SchemaOrg) == 0 {
		recommend(in, "technical", "Add structured data",
			"No schema.org JSON-LD was found on the page.", 3, 3)
	}

	if !crawl.Viewport {
		recommend(in, "technical", "Add a viewport meta tag",
			"Without a viewport tag the page renders poorly on mobile.", 4, 2)
	}
	if crawl.Canonical == "" {
		recommend(in, "technical", "Declare a canonical URL",
			"The page has no rel=canonical link.", 2, 1)
	}

	return finish(in), nil
}
