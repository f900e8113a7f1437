package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aim-oss/aim-guardrails/internal/domain/budget"
	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
	"github.com/aim-oss/aim-guardrails/internal/domain/ratelimit"
	"github.com/aim-oss/aim-guardrails/internal/monitoring"
	"github.com/aim-oss/aim-guardrails/internal/port/outbound"
)

// RateLimitedError carries the limiter's denial to the HTTP surface (429).
type RateLimitedError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s", e.Decision.Reason)
}

// BlockedError carries a pre-filter block to the HTTP surface (400). Post
// filter blocks are returned in-band as an Outcome with Allowed=false.
type BlockedError struct {
	Outcome guardrail.Outcome
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("request blocked by %s guardrail", e.Outcome.BlockedBy)
}

// PredictRequest is one proxied inference call.
type PredictRequest struct {
	Prompt        string
	Model         string
	UseCase       guardrail.UseCase
	Identity      string
	ContextTokens int
	UploadBytes   int64
	Geo           string
}

// PredictResult is the proxied response with both pipeline outcomes.
type PredictResult struct {
	Content     string
	Model       string
	Usage       outbound.CompletionUsage
	PreOutcome  guardrail.Outcome
	PostOutcome guardrail.Outcome
}

// ProxyService composes the end-to-end flow: traffic guardrails, pre-filter
// pipeline, upstream inference, post-filter pipeline.
type ProxyService struct {
	policies   *PolicyService
	guardrails *GuardrailService
	budgets    *budget.Manager
	limiter    ratelimit.Limiter
	upstream   outbound.InferenceClient
	metrics    *monitoring.Metrics
	logger     *slog.Logger
}

// NewProxyService wires the proxy flow.
func NewProxyService(policies *PolicyService, guardrails *GuardrailService, budgets *budget.Manager, limiter ratelimit.Limiter, upstream outbound.InferenceClient, metrics *monitoring.Metrics, logger *slog.Logger) *ProxyService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyService{
		policies:   policies,
		guardrails: guardrails,
		budgets:    budgets,
		limiter:    limiter,
		upstream:   upstream,
		metrics:    metrics,
		logger:     logger,
	}
}

// Predict runs the full proxy flow. Error types returned: *RateLimitedError,
// *BlockedError (pre-filter only), *outbound.UpstreamError, or context
// errors on total-deadline expiry. A post-filter block is not an error: the
// result carries PostOutcome.Allowed=false and the sanitized content.
func (p *ProxyService) Predict(ctx context.Context, req PredictRequest) (PredictResult, error) {
	start := time.Now()
	if req.UseCase == "" {
		req.UseCase = guardrail.UseCaseChat
	}

	doc := p.policies.Current()
	decision := p.limiter.Allow(ratelimit.Check{
		Identity:      req.Identity,
		ContextTokens: req.ContextTokens,
		UploadBytes:   req.UploadBytes,
		Geo:           req.Geo,
		Now:           start,
	}, doc.RateRules)
	if !decision.Allowed {
		if p.metrics != nil {
			p.metrics.RateLimitDenials.WithLabelValues(string(decision.Reason)).Inc()
		}
		return PredictResult{}, &RateLimitedError{Decision: decision}
	}

	// The total budget caps the whole flow; batch (0) runs uncapped.
	if total := p.budgets.TotalBudget(req.UseCase); total > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, start.Add(total))
		defer cancel()
	}

	pre := p.guardrails.CheckPrompt(ctx, guardrail.Request{
		Content:       req.Prompt,
		UseCase:       req.UseCase,
		Identity:      req.Identity,
		ContextTokens: req.ContextTokens,
		UploadBytes:   req.UploadBytes,
		Geo:           req.Geo,
		Now:           start,
	})
	if !pre.Allowed {
		return PredictResult{}, &BlockedError{Outcome: pre}
	}

	completion, err := p.upstream.Complete(ctx, outbound.CompletionRequest{
		Model:   req.Model,
		Content: pre.EffectiveContent,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !isUpstreamError(err) {
			return PredictResult{}, ctxErr
		}
		p.logger.Error("upstream inference failed",
			"use_case", req.UseCase, "model", req.Model, "error", err)
		return PredictResult{}, err
	}

	post := p.guardrails.CheckResponse(ctx, guardrail.Request{
		Content:  completion.Content,
		UseCase:  req.UseCase,
		Identity: req.Identity,
		Now:      time.Now(),
	})

	result := PredictResult{
		Content:     post.EffectiveContent,
		Model:       completion.Model,
		Usage:       completion.Usage,
		PreOutcome:  pre,
		PostOutcome: post,
	}
	if !post.Allowed {
		// Returned in-band: the handler reports allowed=false with the
		// blocking summary instead of the model output.
		result.Content = ""
	}
	return result, nil
}

// Stats exposes the limiter's per-identity view under the active rules.
func (p *ProxyService) Stats(identity string) ratelimit.Stats {
	return p.limiter.Stats(identity, p.policies.Current().RateRules)
}

// BlockIdentity denies all further traffic from an identity.
func (p *ProxyService) BlockIdentity(identity string) {
	p.limiter.Block(identity)
}

// UnblockIdentity lifts a block.
func (p *ProxyService) UnblockIdentity(identity string) {
	p.limiter.Unblock(identity)
}

func isUpstreamError(err error) bool {
	var ue *outbound.UpstreamError
	return errors.As(err, &ue)
}
