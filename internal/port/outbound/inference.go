// Package outbound defines the driven-side ports of the service.
package outbound

import (
	"context"
	"fmt"
)

// UpstreamErrorKind classifies inference upstream failures for HTTP mapping.
type UpstreamErrorKind string

const (
	UpstreamTimeout UpstreamErrorKind = "timeout"
	UpstreamRefused UpstreamErrorKind = "refused"
	Upstream5xx     UpstreamErrorKind = "http_5xx"
	Upstream4xx     UpstreamErrorKind = "http_4xx"
)

// UpstreamError wraps a failed upstream call with its classification and,
// for HTTP status errors, the upstream status and body.
type UpstreamError struct {
	Kind       UpstreamErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s (status %d)", e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("upstream %s", e.Kind)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// CompletionRequest is one inference call. Content is the sanitized prompt
// after the pre-filter pipeline.
type CompletionRequest struct {
	Model   string
	Content string
}

// CompletionUsage reports upstream token accounting when available.
type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the upstream model output.
type CompletionResponse struct {
	Content string
	Model   string
	Usage   CompletionUsage
}

// InferenceClient calls the upstream model service. Implementations must
// honor the context deadline and return *UpstreamError for transport and
// status failures.
type InferenceClient interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}
