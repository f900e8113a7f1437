package guardrails

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client is the aim-guardrails SDK client. It talks to the guardrail check
// API and optionally the /predict proxy endpoint.
type Client struct {
	serverAddr     string
	defaultUseCase UseCase
	defaultUserID  string
	failMode       string
	timeout        time.Duration
	httpClient     *http.Client

	// Cache fields. Only allowed prompt-check outcomes are cached.
	cache        sync.Map
	cacheTTL     time.Duration
	cacheMaxSize int
	cacheCount   int64
	cacheMu      sync.Mutex

	logger *slog.Logger
}

// cacheEntry is a cached check outcome with expiry.
type cacheEntry struct {
	outcome   *Outcome
	expiresAt time.Time
	createdAt time.Time
}

// NewClient creates a new aim-guardrails SDK client.
// It reads configuration from AIM_GUARDRAILS_* environment variables by
// default. Options can be used to override the defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr:     os.Getenv("AIM_GUARDRAILS_SERVER_ADDR"),
		defaultUseCase: UseCase(os.Getenv("AIM_GUARDRAILS_USE_CASE")),
		defaultUserID:  os.Getenv("AIM_GUARDRAILS_USER_ID"),
		failMode:       envOrDefault("AIM_GUARDRAILS_FAIL_MODE", "open"),
		timeout:        parseDurationEnv("AIM_GUARDRAILS_TIMEOUT", 5*time.Second),
		cacheTTL:       parseDurationEnv("AIM_GUARDRAILS_CACHE_TTL", 5*time.Second),
		cacheMaxSize:   parseIntEnv("AIM_GUARDRAILS_CACHE_MAX_SIZE", 1000),
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// checkEnvelope is the wire shape of the check endpoints' request body.
type checkEnvelope struct {
	Prompt        string `json:"prompt,omitempty"`
	Response      string `json:"response,omitempty"`
	UseCase       string `json:"use_case,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
	UploadBytes   int64  `json:"upload_bytes,omitempty"`
	Geo           string `json:"geo,omitempty"`
	Model         string `json:"model,omitempty"`
}

// errorEnvelope is the wire shape of the server's error responses.
type errorEnvelope struct {
	Error        string `json:"error"`
	Reason       string `json:"reason,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// predictEnvelope is the wire shape of the /predict success response.
type predictEnvelope struct {
	Content    string `json:"content"`
	Model      string `json:"model,omitempty"`
	Allowed    bool   `json:"allowed"`
	BlockedBy  string `json:"blocked_by"`
	Guardrails struct {
		Pre  Outcome `json:"pre"`
		Post Outcome `json:"post"`
	} `json:"guardrails"`
}

// CheckPrompt screens a prompt through the pre-filter pipeline. On a block
// it returns a *ContentBlockedError carrying the full outcome. Allowed
// outcomes are cached briefly, keyed on content and use case. Forward
// Outcome.EffectiveContent upstream; redacting checkers may have rewritten
// the prompt.
//
// When the server is unreachable and the fail mode is "open" (the default),
// CheckPrompt returns an allow outcome instead of an error.
func (c *Client) CheckPrompt(ctx context.Context, req CheckRequest) (*Outcome, error) {
	c.fillDefaults(&req)

	cacheKey := c.buildCacheKey("prompt", req)
	if outcome, ok := c.getFromCache(cacheKey); ok {
		return outcome, nil
	}

	outcome, err := c.doCheck(ctx, "/check/request", checkEnvelope{
		Prompt:        req.Content,
		UseCase:       string(req.UseCase),
		UserID:        req.UserID,
		ContextLength: req.ContextLength,
		UploadBytes:   req.UploadBytes,
		Geo:           req.Geo,
	})
	if err != nil {
		return c.handleUnreachable(req, err)
	}
	if !outcome.Allowed {
		return nil, &ContentBlockedError{Outcome: *outcome}
	}
	c.putInCache(cacheKey, outcome)
	return outcome, nil
}

// CheckResponse screens a model response through the post-filter pipeline.
// Blocks are reported in-band: the returned outcome has Allowed=false and
// no error is returned.
func (c *Client) CheckResponse(ctx context.Context, req CheckRequest) (*Outcome, error) {
	c.fillDefaults(&req)

	outcome, err := c.doCheck(ctx, "/check/response", checkEnvelope{
		Response: req.Content,
		UseCase:  string(req.UseCase),
		UserID:   req.UserID,
	})
	if err != nil {
		return c.handleUnreachable(req, err)
	}
	return outcome, nil
}

// Allowed is a convenience wrapper around CheckPrompt that reports only the
// verdict. Unlike CheckPrompt, it does not return an error on a block.
func (c *Client) Allowed(ctx context.Context, req CheckRequest) (bool, error) {
	_, err := c.CheckPrompt(ctx, req)
	if err != nil {
		var blocked *ContentBlockedError
		if errors.As(err, &blocked) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Predict proxies a full inference round trip: pre-filter, upstream call,
// post-filter. A pre-filter block returns *ContentBlockedError; a
// post-filter block returns successfully with Allowed=false and empty
// Content. Predict never fails open: it always needs the server.
func (c *Client) Predict(ctx context.Context, req PredictRequest) (*PredictResult, error) {
	c.fillDefaults(&req.CheckRequest)

	var env predictEnvelope
	err := c.doRequest(ctx, "/predict", checkEnvelope{
		Prompt:        req.Content,
		UseCase:       string(req.UseCase),
		UserID:        req.UserID,
		ContextLength: req.ContextLength,
		UploadBytes:   req.UploadBytes,
		Geo:           req.Geo,
		Model:         req.Model,
	}, &env)
	if err != nil {
		if isConnectionError(err) {
			return nil, &ServerUnreachableError{Cause: err}
		}
		// A pre-filter block arrives as 400 with the outcome as the body.
		// Upstream rejections are also 400 but carry an error envelope
		// without a blocking guardrail.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			var outcome Outcome
			if jsonErr := json.Unmarshal(apiErr.Body, &outcome); jsonErr == nil && outcome.BlockedBy != "" {
				return nil, &ContentBlockedError{Outcome: outcome}
			}
		}
		return nil, err
	}

	return &PredictResult{
		Content:   env.Content,
		Model:     env.Model,
		Allowed:   env.Allowed,
		BlockedBy: env.BlockedBy,
		Pre:       env.Guardrails.Pre,
		Post:      env.Guardrails.Post,
	}, nil
}

// fillDefaults applies the client-level defaults to a request.
func (c *Client) fillDefaults(req *CheckRequest) {
	if req.UseCase == "" {
		req.UseCase = c.defaultUseCase
	}
	if req.UserID == "" {
		req.UserID = c.defaultUserID
	}
}

// doCheck posts a check envelope and decodes the outcome. Both 200 and 400
// carry an outcome body; the caller decides what a block means.
func (c *Client) doCheck(ctx context.Context, path string, body checkEnvelope) (*Outcome, error) {
	var outcome Outcome
	if err := c.doRequest(ctx, path, body, &outcome); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			// A pre-filter block: the body is the outcome, not an error
			// envelope.
			if jsonErr := json.Unmarshal(apiErr.Body, &outcome); jsonErr == nil {
				return &outcome, nil
			}
		}
		return nil, err
	}
	return &outcome, nil
}

// handleUnreachable applies the fail mode to a connection-level error.
func (c *Client) handleUnreachable(req CheckRequest, err error) (*Outcome, error) {
	if !isConnectionError(err) {
		return nil, err
	}
	if c.failMode == "closed" {
		return nil, &ServerUnreachableError{Cause: err}
	}
	c.logger.Warn("guardrail server unreachable, failing open",
		"server_addr", c.serverAddr,
		"error", err,
	)
	return &Outcome{
		Allowed:          true,
		EffectiveContent: req.Content,
		Message:          "guardrail server unreachable, fail-open",
	}, nil
}

// doRequest performs a POST to the guardrail server and decodes the result.
// Non-2xx statuses become *RateLimitedError (429) or *APIError with the raw
// body preserved.
func (c *Client) doRequest(ctx context.Context, path string, body any, result any) error {
	url := strings.TrimRight(c.serverAddr, "/") + path

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode == http.StatusTooManyRequests {
		var env errorEnvelope
		_ = json.Unmarshal(respBody, &env)
		return &RateLimitedError{
			Reason:     env.Reason,
			Message:    env.Error,
			RetryAfter: time.Duration(env.RetryAfterMS) * time.Millisecond,
		}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return &APIError{
			StatusCode: httpResp.StatusCode,
			Body:       respBody,
		}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// buildCacheKey creates a cache key from the check request. The key is based
// on the endpoint, the use case and a hash of the content.
func (c *Client) buildCacheKey(kind string, req CheckRequest) string {
	h := sha256.Sum256([]byte(req.Content))
	return fmt.Sprintf("%s:%s:%s", kind, req.UseCase, hex.EncodeToString(h[:])[:16])
}

// getFromCache retrieves a cached outcome if it exists and hasn't expired.
func (c *Client) getFromCache(key string) (*Outcome, bool) {
	val, ok := c.cache.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.cache.Delete(key)
		c.cacheMu.Lock()
		c.cacheCount--
		c.cacheMu.Unlock()
		return nil, false
	}
	return entry.outcome, true
}

// putInCache stores an outcome in the cache.
func (c *Client) putInCache(key string, outcome *Outcome) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	// Best-effort eviction: if over max size, delete some expired entries.
	if c.cacheCount >= int64(c.cacheMaxSize) {
		now := time.Now()
		evicted := 0
		c.cache.Range(func(k, v any) bool {
			entry := v.(*cacheEntry)
			if now.After(entry.expiresAt) {
				c.cache.Delete(k)
				evicted++
			}
			return evicted < 100
		})
		c.cacheCount -= int64(evicted)

		// If still over limit, evict the oldest entry.
		if c.cacheCount >= int64(c.cacheMaxSize) {
			var oldest time.Time
			var oldestKey any
			c.cache.Range(func(k, v any) bool {
				entry := v.(*cacheEntry)
				if oldest.IsZero() || entry.createdAt.Before(oldest) {
					oldest = entry.createdAt
					oldestKey = k
				}
				return true
			})
			if oldestKey != nil {
				c.cache.Delete(oldestKey)
				c.cacheCount--
			}
		}
	}

	c.cache.Store(key, &cacheEntry{
		outcome:   outcome,
		expiresAt: time.Now().Add(c.cacheTTL),
		createdAt: time.Now(),
	})
	c.cacheCount++
}

// isConnectionError determines if an error is a connection-level error
// (server unreachable, connection refused, timeout, etc.).
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// HTTP-level errors are not connection errors.
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var rlErr *RateLimitedError
	if errors.As(err, &rlErr) {
		return false
	}

	// All other errors from http.Client.Do are connection errors
	// (DNS resolution, connection refused, TLS handshake, timeouts).
	return true
}

// Helper functions for env var parsing.

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Try parsing as seconds (integer).
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	// Try parsing as duration string.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

func parseIntEnv(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultVal
}
