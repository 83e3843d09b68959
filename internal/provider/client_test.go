package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, Jitter: 0.1}
}

func TestCallSucceedsAfterRetries(t *testing.T) {
	var calls atomic.Int32
	tr := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		if calls.Add(1) < 3 {
			return nil, Retryable("serp", errors.New("503"))
		}
		return &Response{Status: 200, Body: map[string]any{"ok": true}}, nil
	})
	c := NewClient("serp", tr, Options{Policy: fastPolicy()})

	resp, err := c.Call(context.Background(), Request{Tenant: "t1", Op: "search"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", resp.Attempts)
	}
	if resp.Provider != "serp" {
		t.Errorf("expected provider serp, got %q", resp.Provider)
	}
}

func TestCallExhausted(t *testing.T) {
	var calls atomic.Int32
	tr := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})
	c := NewClient("pagespeed", tr, Options{Policy: fastPolicy()})

	_, err := c.Call(context.Background(), Request{Op: "run"})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ex.Attempts != 3 || calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d (calls %d)", ex.Attempts, calls.Load())
	}
	if analysis.Classify(err) != analysis.ErrorTransient {
		t.Errorf("expected transient, got %s", analysis.Classify(err))
	}
	if analysis.Attempts(err) != 3 {
		t.Errorf("expected Attempts 3, got %d", analysis.Attempts(err))
	}
}

func TestCallFatalNotRetried(t *testing.T) {
	var calls atomic.Int32
	tr := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls.Add(1)
		return nil, &FatalError{Provider: "llm", Status: 401, Err: errors.New("bad key")}
	})
	c := NewClient("llm", tr, Options{Policy: fastPolicy()})

	_, err := c.Call(context.Background(), Request{Op: "complete"})
	if !IsFatal(err) {
		t.Fatalf("expected fatal, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("fatal error retried: %d calls", calls.Load())
	}
	if analysis.Classify(err) != analysis.ErrorFatal {
		t.Errorf("expected fatal kind, got %s", analysis.Classify(err))
	}
	if analysis.Attempts(err) != 1 {
		t.Errorf("expected 1 attempt, got %d", analysis.Attempts(err))
	}
}

func TestCallPerAttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	tr := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := NewClient("places", tr, Options{Policy: fastPolicy(), CallTimeout: 10 * time.Millisecond})

	_, err := c.Call(context.Background(), Request{Op: "lookup"})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if analysis.Classify(err) != analysis.ErrorTransient {
		t.Errorf("expected transient, got %s", analysis.Classify(err))
	}
}

func TestCallCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		cancel()
		return nil, Retryable("serp", errors.New("busy"))
	})
	c := NewClient("serp", tr, Options{Policy: fastPolicy()})

	_, err := c.Call(ctx, Request{Op: "search"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if analysis.Classify(err) != analysis.ErrorCancelled {
		t.Errorf("expected cancelled, got %s", analysis.Classify(err))
	}
}

func TestCallUsesLimiter(t *testing.T) {
	lim := NewLimiters(map[string]Limit{"serp": {PerSecond: 1000, Burst: 1}})
	tr := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Status: 200}, nil
	})
	c := NewClient("serp", tr, Options{Policy: fastPolicy(), Limiters: lim})

	for _, tenant := range []string{"a", "b", "a"} {
		if _, err := c.Call(context.Background(), Request{Tenant: tenant, Op: "search"}); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
	if lim.Len() != 2 {
		t.Errorf("expected 2 limiters (one per tenant), got %d", lim.Len())
	}
}

func TestSetUnknownProvider(t *testing.T) {
	s := NewSet(nil)
	_, err := s.Call(context.Background(), "nope", Request{Op: "x"})
	if !IsFatal(err) {
		t.Fatalf("expected fatal for unknown provider, got %v", err)
	}
}

func TestSetNames(t *testing.T) {
	s := NewSet(nil)
	ok := TransportFunc(func(ctx context.Context, req Request) (*Response, error) { return &Response{}, nil })
	s.Register(NewClient(LLM, ok, Options{}))
	s.Register(NewClient(SERP, ok, Options{}))

	names := s.Names()
	if len(names) != 2 || names[0] != LLM || names[1] != SERP {
		t.Errorf("unexpected names %v", names)
	}
}
