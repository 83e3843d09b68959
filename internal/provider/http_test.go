package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type staticCreds map[string]string

func (s staticCreds) APIKey(_ context.Context, tenant, provider string) (string, error) {
	return s[tenant+"/"+provider], nil
}

func TestHTTPTransportSuccess(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[1,2]}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport("serp", srv.URL+"/", "default-key").
		WithCredentials(staticCreds{"acme/serp": "acme-key"})

	resp, err := tr.Do(context.Background(), Request{Tenant: "acme", Op: "search", Payload: map[string]any{"q": "shoes"}})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotAuth != "Bearer acme-key" {
		t.Errorf("expected tenant key, got %q", gotAuth)
	}
	if gotPath != "/search" {
		t.Errorf("expected /search, got %q", gotPath)
	}
	if gotBody["q"] != "shoes" {
		t.Errorf("payload not forwarded: %v", gotBody)
	}
	if _, ok := resp.Body["results"]; !ok {
		t.Errorf("expected results in body, got %v", resp.Body)
	}

	_, _ = tr.Do(context.Background(), Request{Tenant: "other", Op: "search"})
	if gotAuth != "Bearer default-key" {
		t.Errorf("expected default key fallback, got %q", gotAuth)
	}
}

func TestHTTPTransportStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		fatal  bool
	}{
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusRequestTimeout, false},
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := NewHTTPTransport("p", srv.URL, "").Do(context.Background(), Request{Op: "x"})
		srv.Close()
		if err == nil {
			t.Errorf("status %d: expected error", tt.status)
			continue
		}
		if IsFatal(err) != tt.fatal {
			t.Errorf("status %d: fatal=%v, want %v (%v)", tt.status, IsFatal(err), tt.fatal, err)
		}
	}
}

func TestHTTPTransportRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewHTTPTransport("p", srv.URL, "").Do(context.Background(), Request{Op: "x"})
	re, ok := err.(*RetryableError)
	if !ok {
		t.Fatalf("expected RetryableError, got %T", err)
	}
	if re.RetryAfter != 7*time.Second {
		t.Errorf("expected 7s retry-after, got %s", re.RetryAfter)
	}
}

func TestHTTPTransportMissingBaseURL(t *testing.T) {
	_, err := NewHTTPTransport("p", "", "").Do(context.Background(), Request{Op: "x"})
	if !IsFatal(err) {
		t.Fatalf("expected fatal, got %v", err)
	}
}

func TestClientOverHTTPRetriesThenFails(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient("pagespeed", NewHTTPTransport("pagespeed", srv.URL, ""), Options{Policy: fastPolicy()})
	_, err := c.Call(context.Background(), Request{Op: "run"})
	if _, ok := err.(*ExhaustedError); !ok {
		t.Fatalf("expected ExhaustedError, got %T %v", err, err)
	}
	if hits != 3 {
		t.Errorf("expected 3 hits, got %d", hits)
	}
}

func TestClientWaitsForRetryAfter(t *testing.T) {
	var hits atomic.Int32
	var first, gap atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			first.Store(time.Now().UnixNano())
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		gap.Store(time.Now().UnixNano() - first.Load())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient("serp", NewHTTPTransport("serp", srv.URL, ""), Options{Policy: fastPolicy()})
	resp, err := c.Call(context.Background(), Request{Op: "search"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", resp.Attempts)
	}
	if d := time.Duration(gap.Load()); d < 900*time.Millisecond {
		t.Errorf("second attempt after %s, want at least the 1s Retry-After", d)
	}
}

func TestClientExhaustedKeepsThrottlingCause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	policy := fastPolicy()
	policy.MaxAttempts = 2
	c := NewClient("serp", NewHTTPTransport("serp", srv.URL, ""), Options{Policy: policy})
	_, err := c.Call(context.Background(), Request{Op: "search"})
	ex, ok := err.(*ExhaustedError)
	if !ok {
		t.Fatalf("expected ExhaustedError, got %T %v", err, err)
	}
	var re *RetryableError
	if !errors.As(ex.Err, &re) || re.Status != http.StatusTooManyRequests {
		t.Errorf("expected the 429 as cause, got %v", ex.Err)
	}
}
