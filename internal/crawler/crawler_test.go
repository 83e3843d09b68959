package crawler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/config"
)

const samplePage = `<!doctype html>
<html lang="en">
<head>
  <title>  Acme Running Shoes </title>
  <meta name="description" content="Lightweight shoes for trail runners.">
  <meta name="keywords" content="shoes, trail, running">
  <meta name="viewport" content="width=device-width">
  <link rel="canonical" href="/shoes">
  <script type="application/ld+json">{"@context":"https://schema.org","@graph":[{"@type":"Organization"},{"@type":["Product","Thing"]}]}</script>
</head>
<body>
  <h1>Trail Shoes</h1>
  <h2>Why <em>Acme</em></h2>
  <h2>Sizes</h2>
  <p>Built for mud.</p>
  <img src="/a.png" alt="Shoe side view">
  <img src="b.png">
  <a href="/about">About us</a>
  <a href="https://www.acme.test/contact">Contact</a>
  <a href="https://other.test/" rel="nofollow sponsored">Partner</a>
  <a href="mailto:hi@acme.test"></a>
  <script>var x = "not text";</script>
</body>
</html>`

func TestParse(t *testing.T) {
	base, _ := url.Parse("https://acme.test/shoes/index.html")
	res, err := Parse(strings.NewReader(samplePage), base)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if res.Title != "Acme Running Shoes" {
		t.Errorf("title: %q", res.Title)
	}
	if res.MetaDescription != "Lightweight shoes for trail runners." {
		t.Errorf("description: %q", res.MetaDescription)
	}
	if res.MetaKeywords != "shoes, trail, running" {
		t.Errorf("keywords: %q", res.MetaKeywords)
	}
	if !res.Viewport || res.Lang != "en" {
		t.Errorf("viewport=%v lang=%q", res.Viewport, res.Lang)
	}
	if res.Canonical != "https://acme.test/shoes" {
		t.Errorf("canonical: %q", res.Canonical)
	}
	if got := res.Headings["h1"]; len(got) != 1 || got[0] != "Trail Shoes" {
		t.Errorf("h1: %v", got)
	}
	if got := res.Headings["h2"]; len(got) != 2 || got[0] != "Why Acme" {
		t.Errorf("h2: %v", got)
	}
	if len(res.Images) != 2 || res.Images[1].Src != "https://acme.test/shoes/b.png" || res.Images[1].Alt != "" {
		t.Errorf("images: %+v", res.Images)
	}
	if len(res.SchemaOrg) != 3 || res.SchemaOrg[0] != "Organization" {
		t.Errorf("schema: %v", res.SchemaOrg)
	}
	if strings.Contains(res.Text, "not text") || !strings.Contains(res.Text, "Built for mud.") {
		t.Errorf("text: %q", res.Text)
	}

	if len(res.Links) != 4 {
		t.Fatalf("expected 4 links, got %d", len(res.Links))
	}
	if !res.Links[0].Internal || res.Links[0].Href != "https://acme.test/about" {
		t.Errorf("link 0: %+v", res.Links[0])
	}
	if !res.Links[1].Internal {
		t.Errorf("www host should be internal: %+v", res.Links[1])
	}
	if res.Links[2].Internal || !res.Links[2].NoFollow {
		t.Errorf("link 2: %+v", res.Links[2])
	}
	if res.Links[3].Internal || res.Links[3].Text != "" {
		t.Errorf("mailto link: %+v", res.Links[3])
	}
}

func TestNormalizeTarget(t *testing.T) {
	tests := []struct {
		in, want string
		bad      bool
	}{
		{in: "acme.test", want: "https://acme.test"},
		{in: " http://acme.test/x ", want: "http://acme.test/x"},
		{in: "", bad: true},
		{in: "ftp://acme.test", bad: true},
		{in: "https://", bad: true},
	}
	for _, tt := range tests {
		got, err := NormalizeTarget(tt.in)
		if tt.bad {
			if !errors.Is(err, analysis.ErrInvalidInput) {
				t.Errorf("%q: expected invalid input, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%q: got %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestHTTPFetcher(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(config.CrawlerConfig{UserAgent: "test-agent", Timeout: 5 * time.Second})
	res, err := f.Fetch(context.Background(), srv.URL+"/shoes")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if ua != "test-agent" {
		t.Errorf("user agent: %q", ua)
	}
	if res.StatusCode != 200 || res.ContentLength != int64(len(samplePage)) {
		t.Errorf("status=%d length=%d", res.StatusCode, res.ContentLength)
	}
	if res.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}
	if !res.Links[0].Internal {
		t.Errorf("relative link should be internal: %+v", res.Links[0])
	}

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	if !errors.Is(err, ErrCrawl) {
		t.Errorf("expected ErrCrawl for 404, got %v", err)
	}
}

func TestCachingFetcher(t *testing.T) {
	var calls atomic.Int32
	next := FetcherFunc(func(ctx context.Context, target string) (*analysis.CrawlResult, error) {
		calls.Add(1)
		return &analysis.CrawlResult{URL: target}, nil
	})
	c := NewCachingFetcher(next, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	ctx := context.Background()
	a, _ := c.Fetch(ctx, "acme.test")
	b, _ := c.Fetch(ctx, "https://acme.test")
	if calls.Load() != 1 || a != b {
		t.Fatalf("expected a cache hit, calls=%d", calls.Load())
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.Fetch(ctx, "acme.test"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected refetch after ttl, calls=%d", calls.Load())
	}

	now = now.Add(2 * time.Minute)
	if n := c.Prune(); n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
}

func TestCachingFetcherErrorsNotCached(t *testing.T) {
	var calls atomic.Int32
	next := FetcherFunc(func(ctx context.Context, target string) (*analysis.CrawlResult, error) {
		calls.Add(1)
		return nil, ErrCrawl
	})
	c := NewCachingFetcher(next, time.Minute)
	_, _ = c.Fetch(context.Background(), "acme.test")
	_, _ = c.Fetch(context.Background(), "acme.test")
	if calls.Load() != 2 {
		t.Errorf("errors must not be cached, calls=%d", calls.Load())
	}
}
