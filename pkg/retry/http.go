package retry

import (
	"fmt"
	"net/http"
	"time"
)

// DefaultHTTPTimeout bounds a single provider request.
const DefaultHTTPTimeout = 30 * time.Second

// retryableStatusCodes are HTTP status codes worth retrying.
var retryableStatusCodes = map[int]bool{
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// RetryableStatus reports whether an HTTP status is a transient failure.
// Callers classifying provider responses wrap other failures with Permanent.
func RetryableStatus(code int) bool {
	return retryableStatusCodes[code]
}

// Option configures a Client.
type Option func(*Client)

// WithPolicy replaces the retry policy.
func WithPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithHTTPTimeout sets the per-request timeout on the underlying http.Client.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying http.Client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client wraps http.Client with retry-on-transient-failure behaviour. It
// satisfies the Do-only doer interfaces used by provider SDKs.
type Client struct {
	httpClient *http.Client
	policy     Policy
}

// NewClient creates a Client using DefaultPolicy.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		policy:     DefaultPolicy(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do executes req, retrying connection errors and retryable status codes.
// Request bodies are replayed through req.GetBody, so requests built with
// http.NewRequestWithContext over a bytes reader retry safely. On success (or
// a non-retryable status) the caller owns the response.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(c.policy.Backoff(attempt)):
			}
			if req.Body != nil && req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewind request body: %w", err)
				}
				req.Body = body
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !retryableStatusCodes[resp.StatusCode] {
			return resp, nil
		}

		lastErr = fmt.Errorf("HTTP %d from %s", resp.StatusCode, req.URL.Host)
		resp.Body.Close()
	}

	if c.policy.MaxRetries == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w (after %d retries)", lastErr, c.policy.MaxRetries)
}
