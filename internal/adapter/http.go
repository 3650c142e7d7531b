package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/commonsmeta/aggmds/internal/domain"
	"github.com/commonsmeta/aggmds/internal/metrics"
)

// RetryPolicy bounds the fixed-wait retry loop around every outbound
// HTTP call. Transport errors, 5xx and 429 are retried; any other 4xx
// is terminal.
type RetryPolicy struct {
	MaxAttempts int
	Wait        time.Duration
}

// DefaultRetryPolicy matches the documented adapter contract.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Wait: time.Second}
}

// Client is the shared HTTP helper all adapters fetch through.
type Client struct {
	httpClient *http.Client
	policy     RetryPolicy
}

// NewClient creates a client with the given retry policy. A zero
// MaxAttempts falls back to the default policy.
func NewClient(policy RetryPolicy, timeout time.Duration) *Client {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		policy:     policy,
	}
}

// Get fetches a URL and returns the response body.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url, nil, "")
}

// GetJSON fetches a URL and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	body, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return domain.TerminalErrorf("malformed JSON from %s: %v", url, err)
	}
	return nil
}

// PostJSON posts a JSON body to a URL and decodes the JSON response
// into out. Used by the GraphQL-speaking adapters.
func (c *Client) PostJSON(ctx context.Context, url string, payload any, out any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return domain.TerminalErrorf("encode request for %s: %v", url, err)
	}
	body, err := c.do(ctx, http.MethodPost, url, encoded, "application/json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return domain.TerminalErrorf("malformed JSON from %s: %v", url, err)
	}
	return nil
}

// do runs one request through the retry loop. Each attempt uses an
// independent request so the body can be re-sent.
func (c *Client) do(ctx context.Context, method, url string, payload []byte, contentType string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.AdapterRetries.WithLabelValues(url).Inc()
			select {
			case <-ctx.Done():
				return nil, domain.TerminalErrorf("fetch %s: %v", url, ctx.Err())
			case <-time.After(c.policy.Wait):
			}
		}

		body, err := c.attempt(ctx, method, url, payload, contentType)
		if err == nil {
			return body, nil
		}
		if !domain.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, domain.TerminalErrorf("retries exhausted after %d attempts: %v", c.policy.MaxAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, url string, payload []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, domain.TerminalErrorf("build request for %s: %v", url, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json, application/xml, text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.TerminalErrorf("fetch %s: %v", url, ctx.Err())
		}
		return nil, domain.TransientErrorf("fetch %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.TransientErrorf("read response from %s: %v", url, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, domain.TransientErrorf("%s from %s", resp.Status, url)
	default:
		return nil, domain.TerminalErrorf("%s from %s", resp.Status, url)
	}
}

// joinURL concatenates a base endpoint and a path fragment without
// doubling slashes.
func joinURL(base, path string) string {
	switch {
	case base == "":
		return path
	case path == "":
		return base
	}
	if base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if path[0] == '/' {
		path = path[1:]
	}
	return fmt.Sprintf("%s/%s", base, path)
}
