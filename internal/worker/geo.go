package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/provider"
)

// Geo checks local search presence: business listing and NAP consistency
// between the listing and the page.
type Geo struct {
	providers Caller
}

func NewGeo(providers Caller) *Geo { return &Geo{providers: providers} }

func (w *Geo) Kind() analysis.WorkerKind { return analysis.KindGeo }

func (w *Geo) Run(ctx context.Context, actx *analysis.AnalysisContext, cfg Config) (*analysis.Insight, error) {
	if err := requireCrawl(actx); err != nil {
		return nil, err
	}
	crawl := actx.Crawl

	resp, err := w.providers.Call(ctx, provider.Places, provider.Request{
		Tenant: actx.Tenant,
		Op:     "lookup",
		Payload: map[string]any{
			"name":   crawl.Title,
			"url":    crawl.URL,
			"locale": cfg.Locale,
			"region": cfg.option("region", ""),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("places lookup: %w", err)
	}

	in := newInsight(actx, analysis.KindGeo)
	found, _ := resp.Body["found"].(bool)
	in.Summary["listing_found"] = found

	hasLocalSchema := false
	for _, t := range crawl.SchemaOrg {
		if strings.HasSuffix(t, "LocalBusiness") || t == "Store" || t == "Restaurant" {
			hasLocalSchema = true
		}
	}
	in.Summary["local_schema"] = hasLocalSchema

	if !found {
		recommend(in, "local", "Claim a business listing",
			"No local business listing matches this site; create and verify one.", 5, 2)
	} else {
		page := normalizeDigits(crawl.Text)
		if phone := str(resp.Body, "phone"); phone != "" {
			ok := strings.Contains(page, normalizeDigits(phone))
			in.Summary["phone_consistent"] = ok
			if !ok {
				recommend(in, "local", "Show the listed phone number on the page",
					fmt.Sprintf("The listing phone %s does not appear on the page.", phone), 3, 1)
			}
		}
		if addr := str(resp.Body, "address"); addr != "" {
			ok := strings.Contains(strings.ToLower(crawl.Text), strings.ToLower(firstPart(addr)))
			in.Summary["address_consistent"] = ok
			if !ok {
				recommend(in, "local", "Match the listing address on the page",
					fmt.Sprintf("The listing address %q is not shown on the page.", addr), 3, 1)
			}
		}
		if rating, ok := num(resp.Body, "rating"); ok {
			in.Summary["rating"] = rating
			if rating < 4 {
				recommend(in, "local", "Collect more positive reviews",
					fmt.Sprintf("The listing rating is %.1f.", rating), 3, 3)
			}
		}
	}

	if !hasLocalSchema {
		recommend(in, "local", "Add LocalBusiness structured data",
			"Mark up name, address and phone with schema.org LocalBusiness.", 3, 2)
	}

	return finish(in), nil
}

func normalizeDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func firstPart(addr string) string {
	part, _, _ := strings.Cut(addr, ",")
	return strings.TrimSpace(part)
}
