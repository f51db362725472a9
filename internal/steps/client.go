package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/groovecrate/batchd/internal/queue"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 5

	// DefaultRateLimitWait is the fixed sleep before re-issuing a request
	// that got HTTP 429. Deliberately a flat wait, not a backoff curve.
	DefaultRateLimitWait = 30 * time.Second
)

// Client is the shared HTTP client step adapters build on. One outbound
// API surface per Client: base URL, key, rate limiter, 429 policy.
type Client struct {
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	logger        *slog.Logger
	limiter       *rate.Limiter
	rateLimitWait time.Duration
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets a custom rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithRateLimitWait sets the sleep taken on HTTP 429 before the single retry.
func WithRateLimitWait(wait time.Duration) ClientOption {
	return func(c *Client) {
		c.rateLimitWait = wait
	}
}

// NewClient creates a client for one external API surface.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter:       rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		rateLimitWait: DefaultRateLimitWait,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// PostJSON performs a POST with a JSON body and decodes the JSON response
// into result. A 429 triggers one fixed sleep-and-retry within the same
// call; this does not consume a queue attempt. A response that is not
// valid JSON for result is a permanent error.
func (c *Client) PostJSON(ctx context.Context, path string, body, result interface{}) error {
	resp, err := c.do(ctx, path, body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if c.logger != nil {
			c.logger.Warn("Rate limited by upstream, sleeping before retry",
				slog.String("path", path),
				slog.Duration("wait", c.rateLimitWait),
			)
		}
		resp.Body.Close()

		select {
		case <-time.After(c.rateLimitWait):
		case <-ctx.Done():
			return fmt.Errorf("canceled during rate-limit wait: %w", ctx.Err())
		}

		resp, err = c.do(ctx, path, body)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, truncate(data, 200))
	}

	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			// Retrying won't make the upstream speak valid JSON.
			return queue.NewPermanentError(fmt.Errorf("malformed response JSON: %w", err))
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait canceled: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if c.logger != nil {
		c.logger.Debug("Outbound API request",
			slog.String("url", c.baseURL+path),
		)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	return resp, nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
