package guardrails

import (
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithServerAddr sets the guardrail server address.
// If not set, defaults to the AIM_GUARDRAILS_SERVER_ADDR environment variable.
func WithServerAddr(addr string) Option {
	return func(c *Client) {
		c.serverAddr = addr
	}
}

// WithDefaultUseCase sets the use case applied when a request names none.
// If not set, defaults to the AIM_GUARDRAILS_USE_CASE environment variable;
// the server falls back to its own default.
func WithDefaultUseCase(uc UseCase) Option {
	return func(c *Client) {
		c.defaultUseCase = uc
	}
}

// WithDefaultUserID sets the user identity applied when a request names none.
// The identity drives server-side rate limiting.
func WithDefaultUserID(id string) Option {
	return func(c *Client) {
		c.defaultUserID = id
	}
}

// WithFailMode sets the fail mode for the check endpoints when the server is
// unreachable. Valid values are "open" (allow on failure) and "closed"
// (error on failure). If not set, defaults to the AIM_GUARDRAILS_FAIL_MODE
// environment variable or "open". Predict always needs the server.
func WithFailMode(mode string) Option {
	return func(c *Client) {
		c.failMode = mode
	}
}

// WithTimeout sets the HTTP request timeout.
// If not set, defaults to 5 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithCacheTTL sets the cache entry time-to-live for allowed prompt checks.
// If not set, defaults to the AIM_GUARDRAILS_CACHE_TTL environment variable
// or 5 seconds.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) {
		c.cacheTTL = d
	}
}

// WithCacheMaxSize sets the maximum number of entries in the cache.
// If not set, defaults to 1000.
func WithCacheMaxSize(n int) Option {
	return func(c *Client) {
		c.cacheMaxSize = n
	}
}

// WithHTTPClient sets a custom http.Client for making requests.
// This is useful for testing, proxying, or custom transport configurations.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}
