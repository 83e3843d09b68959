package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mtzanidakis/sitescope/internal/config"
	"github.com/mtzanidakis/sitescope/internal/telemetry"
)

// Provider names known to the built-in workers.
const (
	SERP      = "serp"
	PageSpeed = "pagespeed"
	Places    = "places"
	LLM       = "llm"
)

// Set holds the configured clients by name.
type Set struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	limiters *Limiters
}

func NewSet(limiters *Limiters) *Set {
	if limiters == nil {
		limiters = NewLimiters(nil)
	}
	return &Set{clients: make(map[string]*Client), limiters: limiters}
}

// FromConfig builds an HTTP-backed client for every configured provider.
func FromConfig(cfg map[string]config.ProviderConfig, creds CredentialSource, tel *telemetry.Provider) *Set {
	limits := make(map[string]Limit, len(cfg))
	for name, pc := range cfg {
		limits[name] = Limit{PerSecond: pc.RatePerSecond, Burst: pc.Burst}
	}
	s := NewSet(NewLimiters(limits))
	for name, pc := range cfg {
		tr := NewHTTPTransport(name, pc.BaseURL, pc.APIKey)
		if creds != nil {
			tr.WithCredentials(creds)
		}
		s.Register(NewClient(name, tr, Options{
			Policy:      policyFromConfig(pc),
			CallTimeout: pc.CallTimeout,
			Limiters:    s.limiters,
			Telemetry:   tel,
		}))
	}
	return s
}

func policyFromConfig(pc config.ProviderConfig) Policy {
	p := DefaultPolicy()
	p.MaxAttempts = pc.MaxAttempts
	p.BaseDelay = pc.BaseDelay
	p.MaxDelay = pc.MaxDelay
	return p.withDefaults()
}

// Limiters returns the shared rate limiter table.
func (s *Set) Limiters() *Limiters { return s.limiters }

// Register adds or replaces a client.
func (s *Set) Register(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.Name()] = c
}

// Client returns the named client, if configured.
func (s *Set) Client(name string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[name]
	return c, ok
}

// Call routes req to the named provider. An unconfigured provider is a
// fatal error.
func (s *Set) Call(ctx context.Context, name string, req Request) (*Response, error) {
	c, ok := s.Client(name)
	if !ok {
		return nil, Fatal(name, fmt.Errorf("provider %q not configured", name))
	}
	return c.Call(ctx, req)
}

// Names lists configured providers in sorted order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.clients))
	for n := range s.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reload swaps the clients for the given providers and updates their rate
// limits in place.
func (s *Set) Reload(cfg map[string]config.ProviderConfig, names []string, creds CredentialSource, tel *telemetry.Provider) {
	for _, name := range names {
		pc, ok := cfg[name]
		if !ok {
			s.mu.Lock()
			delete(s.clients, name)
			s.mu.Unlock()
			continue
		}
		s.limiters.SetLimit(name, Limit{PerSecond: pc.RatePerSecond, Burst: pc.Burst})
		tr := NewHTTPTransport(name, pc.BaseURL, pc.APIKey)
		if creds != nil {
			tr.WithCredentials(creds)
		}
		s.Register(NewClient(name, tr, Options{
			Policy:      policyFromConfig(pc),
			CallTimeout: pc.CallTimeout,
			Limiters:    s.limiters,
			Telemetry:   tel,
		}))
	}
}
