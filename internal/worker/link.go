package worker

import (
	"context"
	"fmt"

	"github.com/mtzanidakis/sitescope/internal/analysis"
)

// Link inspects the page's link graph. It needs no provider.
type Link struct{}

func NewLink() *Link { return &Link{} }

func (w *Link) Kind() analysis.WorkerKind { return analysis.KindLink }

func (w *Link) Run(ctx context.Context, actx *analysis.AnalysisContext, cfg Config) (*analysis.Insight, error) {
	if err := requireCrawl(actx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var internal, external, nofollow, empty int
	for _, l := range actx.Crawl.Links {
		if l.Internal {
			internal++
		} else {
			external++
		}
		if l.NoFollow {
			nofollow++
		}
		if l.Text == "" {
			empty++
		}
	}

	in := newInsight(actx, analysis.KindLink)
	in.Summary["internal"] = internal
	in.Summary["external"] = external
	in.Summary["nofollow"] = nofollow
	in.Summary["empty_anchors"] = empty

	minInternal := cfg.intOption("min_internal", 3)
	if internal < minInternal {
		recommend(in, "links", "Add internal links",
			fmt.Sprintf("Only %d internal links; link related pages to spread authority.", internal), 3, 2)
	}
	if external == 0 {
		recommend(in, "links", "Cite external sources",
			"The page links to no external sites.", 1, 1)
	}
	if empty > 0 {
		recommend(in, "links", "Give every link descriptive anchor text",
			fmt.Sprintf("%d links have no anchor text.", empty), 2, 1)
	}
	if total := internal + external; total > 0 && float64(nofollow)/float64(total) > 0.5 {
		recommend(in, "links", "Review nofollow usage",
			fmt.Sprintf("%d of %d links are nofollow.", nofollow, total), 2, 2)
	}

	return finish(in), nil
}
