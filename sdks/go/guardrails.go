// Package guardrails provides a Go SDK for the aim-guardrails content safety
// API.
//
// aim-guardrails sits between applications and a model inference service,
// screening prompts and responses for prompt injection, leaked credentials,
// PII and policy violations. This SDK lets Go applications call the check
// endpoints directly, or proxy a full inference round trip through /predict.
// It uses only the Go standard library (net/http) with zero external
// dependencies.
//
// Quick start:
//
//	// Set AIM_GUARDRAILS_SERVER_ADDR, then:
//	client := guardrails.NewClient()
//
//	outcome, err := client.CheckPrompt(ctx, guardrails.CheckRequest{
//	    Content: userPrompt,
//	    UseCase: guardrails.UseCaseChat,
//	})
//	if err != nil {
//	    var blocked *guardrails.ContentBlockedError
//	    if errors.As(err, &blocked) {
//	        fmt.Printf("blocked by %s guardrail\n", blocked.Outcome.BlockedBy)
//	    }
//	}
//	// Forward outcome.EffectiveContent upstream; PII may have been redacted.
package guardrails

// UseCase selects the latency and checker profile applied server-side.
type UseCase string

const (
	UseCaseChat    UseCase = "chat"
	UseCaseRAG     UseCase = "rag"
	UseCaseCodeGen UseCase = "code_gen"
	UseCaseBatch   UseCase = "batch"
)

// CheckRequest is the body of a prompt or response check.
type CheckRequest struct {
	// Content is the text to screen.
	Content string

	// UseCase selects the server-side profile. Empty means the client
	// default, falling back to the server default.
	UseCase UseCase

	// UserID identifies the end user for rate limiting and audit.
	UserID string

	// ContextLength is the declared context size in tokens, checked
	// against the per-use-case cap.
	ContextLength int

	// UploadBytes is the declared attachment size in bytes.
	UploadBytes int64

	// Geo is the two-letter region code of the caller, when known.
	Geo string
}

// CheckResult is one checker's verdict within an outcome.
type CheckResult struct {
	// Type is the guardrail category (e.g. "prompt_injection", "pii").
	Type string `json:"type"`

	// Variant identifies the checker implementation that ran.
	Variant string `json:"variant"`

	// Passed reports whether the content cleared this checker.
	Passed bool `json:"passed"`

	// Confidence is the violation confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Action is the policy action applied ("block", "redact", ...).
	Action string `json:"action"`

	// Message is a human-readable explanation, when present.
	Message string `json:"message,omitempty"`

	// Redacted is the sanitized content produced by a redacting checker.
	Redacted string `json:"redacted,omitempty"`

	// LatencyMS is the checker's server-side latency in milliseconds.
	LatencyMS int64 `json:"latency_ms"`

	// Severity is "info", "warning" or "error".
	Severity string `json:"severity"`

	// Error carries the failure detail when the checker could not run.
	Error *CheckError `json:"error,omitempty"`
}

// CheckError describes a checker failure.
type CheckError struct {
	// Kind classifies the failure ("deadline", "unavailable", ...).
	Kind string `json:"kind"`

	// Detail is the human-readable failure detail.
	Detail string `json:"detail,omitempty"`
}

// Outcome is the aggregate verdict of a guardrail pass.
type Outcome struct {
	// Allowed reports whether the content may proceed.
	Allowed bool `json:"allowed"`

	// EffectiveContent is the content to forward: the original text, or
	// the redacted form when a redacting checker rewrote it.
	EffectiveContent string `json:"effective_content"`

	// BlockedBy names the guardrail type that blocked, when blocked.
	BlockedBy string `json:"blocked_by"`

	// BudgetExceeded reports that checkers were skipped for latency.
	BudgetExceeded bool `json:"budget_exceeded"`

	// Message is a human-readable summary, when present.
	Message string `json:"message,omitempty"`

	// Results holds the individual checker verdicts.
	Results []CheckResult `json:"results"`
}

// PredictRequest is the body of a proxied inference call.
type PredictRequest struct {
	CheckRequest

	// Model names the upstream model. Empty means the server default.
	Model string
}

// PredictResult is the outcome of a proxied inference call.
type PredictResult struct {
	// Content is the model output, empty when the post-filter blocked it.
	Content string `json:"content"`

	// Model is the model that served the request.
	Model string `json:"model,omitempty"`

	// Allowed reports the post-filter verdict. A blocked response still
	// returns successfully; check this field.
	Allowed bool `json:"allowed"`

	// BlockedBy names the blocking guardrail type for a withheld response.
	BlockedBy string `json:"blocked_by"`

	// Pre and Post are the full guardrail outcomes of both passes.
	Pre  Outcome `json:"-"`
	Post Outcome `json:"-"`
}
