package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
)

type cacheEntry struct {
	result  *analysis.CrawlResult
	expires time.Time
}

// CachingFetcher reuses a recent crawl of the same target for ttl. Results
// are shared read-only, so handing out the same pointer is safe.
type CachingFetcher struct {
	next Fetcher
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCachingFetcher wraps next. A ttl <= 0 disables caching.
func NewCachingFetcher(next Fetcher, ttl time.Duration) *CachingFetcher {
	return &CachingFetcher{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *CachingFetcher) Fetch(ctx context.Context, target string) (*analysis.CrawlResult, error) {
	if c.ttl <= 0 {
		return c.next.Fetch(ctx, target)
	}
	key := target
	if norm, err := NormalizeTarget(target); err == nil {
		key = norm
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.now().Before(e.expires) {
		return e.result, nil
	}

	res, err := c.next.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{result: res, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return res, nil
}

// Prune drops expired entries and returns how many were removed.
func (c *CachingFetcher) Prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
