package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxResponseBytes = 4 << 20

// CredentialSource resolves a tenant's API key for a provider. An empty key
// with a nil error means the tenant has none stored.
type CredentialSource interface {
	APIKey(ctx context.Context, tenant, provider string) (string, error)
}

// HTTPTransport posts JSON payloads to {BaseURL}/{Op} and decodes a JSON
// object in reply.
type HTTPTransport struct {
	name    string
	baseURL string
	apiKey  string
	creds   CredentialSource
	client  *http.Client
}

func NewHTTPTransport(name, baseURL, apiKey string) *HTTPTransport {
	return &HTTPTransport{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

// WithCredentials makes the transport prefer per-tenant keys over the
// configured default.
func (t *HTTPTransport) WithCredentials(src CredentialSource) *HTTPTransport {
	t.creds = src
	return t
}

func (t *HTTPTransport) key(ctx context.Context, tenant string) (string, error) {
	if t.creds != nil && tenant != "" {
		k, err := t.creds.APIKey(ctx, tenant, t.name)
		if err != nil {
			return "", fmt.Errorf("lookup credentials: %w", err)
		}
		if k != "" {
			return k, nil
		}
	}
	return t.apiKey, nil
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	if t.baseURL == "" {
		return nil, Fatal(t.name, errors.New("provider base_url not configured"))
	}
	if req.Op == "" {
		return nil, Fatal(t.name, errors.New("empty operation"))
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Fatal(t.name, fmt.Errorf("encode payload: %w", err))
	}

	key, err := t.key(ctx, req.Tenant)
	if err != nil {
		return nil, Retryable(t.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+strings.TrimLeft(req.Op, "/"), bytes.NewReader(body))
	if err != nil {
		return nil, Fatal(t.name, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	if req.Tenant != "" {
		httpReq.Header.Set("X-Tenant", req.Tenant)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Retryable(t.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Retryable(t.name, fmt.Errorf("read body: %w", err))
	}

	if err := classifyStatus(t.name, resp, raw); err != nil {
		return nil, err
	}

	out := &Response{Status: resp.StatusCode}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out.Body); err != nil {
			return nil, Retryable(t.name, fmt.Errorf("decode response: %w", err))
		}
	}
	if out.Body == nil {
		out.Body = map[string]any{}
	}
	return out, nil
}

func classifyStatus(name string, resp *http.Response, raw []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	cause := errors.New(msg)

	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return &RetryableError{
			Provider:   name,
			Status:     code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        cause,
		}
	case code >= 400:
		return &FatalError{Provider: name, Status: code, Err: cause}
	default:
		return &RetryableError{Provider: name, Status: code, Err: cause}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
