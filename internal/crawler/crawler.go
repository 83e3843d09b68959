// Package crawler fetches a target page once per run and extracts the data
// every analysis worker reads.
package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/config"
)

// ErrCrawl is returned when the target could not be fetched or returned an
// error status.
var ErrCrawl = errors.New("crawl failed")

// Fetcher produces the crawl result for a target.
type Fetcher interface {
	Fetch(ctx context.Context, target string) (*analysis.CrawlResult, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, target string) (*analysis.CrawlResult, error)

func (f FetcherFunc) Fetch(ctx context.Context, target string) (*analysis.CrawlResult, error) {
	return f(ctx, target)
}

// HTTPFetcher performs a single GET and parses the HTML body.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	timeout   time.Duration
}

func NewHTTPFetcher(cfg config.CrawlerConfig) *HTTPFetcher {
	f := &HTTPFetcher{
		client:    &http.Client{},
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBytes,
		timeout:   cfg.Timeout,
	}
	if f.userAgent == "" {
		f.userAgent = "sitescope/1.0 (+https://github.com/mtzanidakis/sitescope)"
	}
	if f.maxBytes <= 0 {
		f.maxBytes = 5 << 20
	}
	if f.timeout <= 0 {
		f.timeout = 30 * time.Second
	}
	return f
}

// NormalizeTarget validates target and adds an https scheme when missing.
func NormalizeTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("%w: empty target", analysis.ErrInvalidInput)
	}
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", analysis.ErrInvalidInput, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", analysis.ErrInvalidInput, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", analysis.ErrInvalidInput, target)
	}
	return u.String(), nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, target string) (*analysis.CrawlResult, error) {
	target, err := NormalizeTarget(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", analysis.ErrInvalidInput, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrCrawl, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrCrawl, target, err)
	}
	loadTime := time.Since(start)

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %s returned HTTP %d", ErrCrawl, target, resp.StatusCode)
	}

	base := resp.Request.URL
	result, err := Parse(bytes.NewReader(body), base)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrCrawl, target, err)
	}
	result.URL = base.String()
	result.StatusCode = resp.StatusCode
	result.LoadTime = loadTime
	result.ContentLength = int64(len(body))
	result.FetchedAt = time.Now().UTC()
	return result, nil
}
