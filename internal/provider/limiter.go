package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is the token-bucket shape for one provider.
type Limit struct {
	PerSecond float64
	Burst     int
}

type limiterKey struct {
	tenant   string
	provider string
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// Limiters hands out one token bucket per (tenant, provider) pair. It is the
// only structure shared by concurrent worker tasks.
type Limiters struct {
	mu       sync.Mutex
	limits   map[string]Limit
	fallback Limit
	entries  map[limiterKey]*limiterEntry
}

func NewLimiters(limits map[string]Limit) *Limiters {
	l := &Limiters{
		limits:   make(map[string]Limit, len(limits)),
		fallback: Limit{PerSecond: 1, Burst: 1},
		entries:  make(map[limiterKey]*limiterEntry),
	}
	for name, lim := range limits {
		l.limits[name] = lim
	}
	return l
}

func (l *Limiters) get(tenant, provider string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := limiterKey{tenant: tenant, provider: provider}
	e, ok := l.entries[key]
	if !ok {
		lim, ok := l.limits[provider]
		if !ok {
			lim = l.fallback
		}
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(lim.PerSecond), max(lim.Burst, 1))}
		l.entries[key] = e
	}
	e.lastUsed = time.Now()
	return e.lim
}

// Wait blocks until the (tenant, provider) bucket grants a token or ctx ends.
func (l *Limiters) Wait(ctx context.Context, tenant, provider string) error {
	return l.get(tenant, provider).Wait(ctx)
}

// SetLimit changes a provider's shape, including buckets already handed out.
func (l *Limiters) SetLimit(provider string, lim Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limits[provider] = lim
	for key, e := range l.entries {
		if key.provider != provider {
			continue
		}
		e.lim.SetLimit(rate.Limit(lim.PerSecond))
		e.lim.SetBurst(max(lim.Burst, 1))
	}
}

// Len returns the number of live buckets.
func (l *Limiters) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// EvictIdle removes buckets unused for longer than maxAge.
func (l *Limiters) EvictIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, e := range l.entries {
		if e.lastUsed.Before(cutoff) {
			delete(l.entries, key)
			evicted++
		}
	}
	return evicted
}

// StartEviction periodically drops idle buckets so tenants that stop
// submitting runs do not pin memory.
func (l *Limiters) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.EvictIdle(maxAge); n > 0 {
					slog.Debug("evicted idle rate limiters", "count", n)
				}
			}
		}
	}()
}
