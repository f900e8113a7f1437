// Package openai implements the upstream inference client against an
// OpenAI-compatible chat completions endpoint, with a circuit breaker and a
// single bounded retry on transient network errors.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sony/gobreaker"

	"github.com/aim-oss/aim-guardrails/internal/port/outbound"
)

// retryBackoff is the fixed delay before the single retry. Kept well under
// interactive budgets; the request deadline still bounds the total.
const retryBackoff = 50 * time.Millisecond

// maxErrorBody caps how much of an upstream error body is captured.
const maxErrorBody = 4 << 10

// Client calls an OpenAI-compatible /v1/chat/completions endpoint.
type Client struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker
	logger       *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(c *Client) { c.defaultModel = model }
}

// NewClient creates the upstream client. The circuit breaker opens after a
// 60% failure ratio over at least 3 calls and probes again after 10 seconds.
func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: "default",
		httpClient:   &http.Client{},
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "inference-upstream",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("upstream circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
		// 4xx responses are caller errors, not upstream health signals.
		IsSuccessful: func(err error) bool {
			var ue *outbound.UpstreamError
			if errors.As(err, &ue) && ue.Kind == outbound.Upstream4xx {
				return true
			}
			return err == nil
		},
	})
	return c
}

// chat completions wire types, the OpenAI-compatible subset this service
// needs.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage outbound.CompletionUsage `json:"usage"`
}

// Complete sends the prompt upstream. Transient network errors are retried
// exactly once after a short backoff; HTTP status errors and context expiry
// are never retried. All attempts respect the caller's deadline.
func (c *Client) Complete(ctx context.Context, req outbound.CompletionRequest) (outbound.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	var resp outbound.CompletionResponse
	err := retry.Do(
		func() error {
			out, err := c.breaker.Execute(func() (any, error) {
				return c.doComplete(ctx, model, req.Content)
			})
			if err != nil {
				if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
					return &outbound.UpstreamError{Kind: outbound.UpstreamRefused, Err: err}
				}
				return err
			}
			resp = out.(outbound.CompletionResponse)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(retryBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
	)
	if err != nil {
		return outbound.CompletionResponse{}, err
	}
	return resp, nil
}

// doComplete performs one HTTP attempt.
func (c *Client) doComplete(ctx context.Context, model, content string) (outbound.CompletionResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		return outbound.CompletionResponse{}, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return outbound.CompletionResponse{}, fmt.Errorf("failed to build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return outbound.CompletionResponse{}, classifyTransport(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		kind := outbound.Upstream5xx
		if httpResp.StatusCode < 500 {
			kind = outbound.Upstream4xx
		}
		errBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return outbound.CompletionResponse{}, &outbound.UpstreamError{
			Kind:       kind,
			StatusCode: httpResp.StatusCode,
			Body:       string(errBody),
		}
	}

	var decoded chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return outbound.CompletionResponse{}, &outbound.UpstreamError{
			Kind: outbound.Upstream5xx,
			Err:  fmt.Errorf("failed to decode upstream response: %w", err),
		}
	}
	if len(decoded.Choices) == 0 {
		return outbound.CompletionResponse{}, &outbound.UpstreamError{
			Kind: outbound.Upstream5xx,
			Err:  errors.New("upstream response has no choices"),
		}
	}
	return outbound.CompletionResponse{
		Content: decoded.Choices[0].Message.Content,
		Model:   decoded.Model,
		Usage:   decoded.Usage,
	}, nil
}

// classifyTransport maps a transport-level error to the upstream taxonomy.
func classifyTransport(err error) *outbound.UpstreamError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &outbound.UpstreamError{Kind: outbound.UpstreamTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &outbound.UpstreamError{Kind: outbound.UpstreamTimeout, Err: err}
	}
	return &outbound.UpstreamError{Kind: outbound.UpstreamRefused, Err: err}
}

// isTransient allows exactly the refused class to be retried. Timeouts mean
// the deadline is nearly spent and status errors must pass through.
func isTransient(err error) bool {
	var ue *outbound.UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	return ue.Kind == outbound.UpstreamRefused
}

// Compile-time interface verification.
var _ outbound.InferenceClient = (*Client)(nil)
