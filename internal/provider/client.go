// Package provider calls external analysis providers (search, page speed,
// places, LLM) with per-attempt timeouts, bounded retries and per-tenant
// rate limiting.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mtzanidakis/sitescope/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// Request is one logical provider call.
type Request struct {
	Tenant  string
	Op      string
	Payload map[string]any
}

// Response is the decoded provider reply.
type Response struct {
	Provider string
	Status   int
	Body     map[string]any
	Attempts int
}

// Transport performs a single attempt.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (*Response, error)

func (f TransportFunc) Do(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Multiplier:  2,
		Jitter:      0.5,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = d.Jitter
	}
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Policy      Policy
	CallTimeout time.Duration
	Limiters    *Limiters
	Telemetry   *telemetry.Provider
}

// Client wraps a Transport with the retry and rate-limit policy of one
// named provider. It is safe for concurrent use.
type Client struct {
	name        string
	transport   Transport
	policy      Policy
	callTimeout time.Duration
	limiters    *Limiters
	tel         *telemetry.Provider
}

func NewClient(name string, transport Transport, opts Options) *Client {
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		name:        name,
		transport:   transport,
		policy:      opts.Policy.withDefaults(),
		callTimeout: timeout,
		limiters:    opts.Limiters,
		tel:         telemetry.OrNoop(opts.Telemetry),
	}
}

func (c *Client) Name() string { return c.name }

// Call runs req through the transport. Fatal errors return at once; other
// failures are retried with exponential backoff until the attempt budget
// is spent, at which point an *ExhaustedError is returned.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	ctx, span := c.tel.StartClientSpan(ctx, "provider.call",
		telemetry.AttrProvider.String(c.name),
		telemetry.AttrTenant.String(req.Tenant),
		attribute.String("sitescope.provider.op", req.Op),
	)
	defer span.End()

	providerAttr := metric.WithAttributes(telemetry.AttrProvider.String(c.name))
	attempts := 0
	var lastErr error

	op := func() (*Response, error) {
		if c.limiters != nil {
			start := time.Now()
			if err := c.limiters.Wait(ctx, req.Tenant, c.name); err != nil {
				return nil, backoff.Permanent(err)
			}
			c.tel.Metrics.RateLimitWait.Record(ctx, time.Since(start).Seconds(), providerAttr)
		}

		attempts++
		c.tel.Metrics.ProviderCalls.Add(ctx, 1, providerAttr)

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()

		resp, err := c.transport.Do(callCtx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if IsFatal(err) {
			return nil, backoff.Permanent(err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = &RetryableError{
				Provider: c.name,
				Err:      fmt.Errorf("call timed out after %s", c.callTimeout),
			}
		}
		lastErr = err
		// A throttling provider decides the next wait, not the local schedule.
		var re *RetryableError
		if errors.As(err, &re) && re.RetryAfter > 0 {
			return nil, &backoff.RetryAfterError{Duration: re.RetryAfter}
		}
		return nil, err
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.policy.backOff()),
		backoff.WithMaxTries(uint(c.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(_ error, wait time.Duration) {
			c.tel.Metrics.ProviderRetries.Add(ctx, 1, providerAttr)
			slog.Debug("provider call failed, retrying",
				"provider", c.name, "tenant", req.Tenant, "op", req.Op,
				"attempt", attempts, "wait", wait, "error", lastErr)
		}),
	)
	span.SetAttributes(attribute.Int("sitescope.provider.attempts", attempts))

	if err == nil {
		resp.Provider = c.name
		resp.Attempts = attempts
		return resp, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	var ra *backoff.RetryAfterError
	if errors.As(err, &ra) && lastErr != nil {
		err = lastErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%s: %w", c.name, ctxErr)
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		fe.Attempts = attempts
		return nil, fe
	}
	return nil, &ExhaustedError{Provider: c.name, Attempts: attempts, Err: err}
}
