package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aim-oss/aim-guardrails/internal/domain/budget"
	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
	"github.com/aim-oss/aim-guardrails/internal/domain/pipeline"
	"github.com/aim-oss/aim-guardrails/internal/domain/policy"
	"github.com/aim-oss/aim-guardrails/internal/monitoring"
)

// asyncPostTimeout bounds detached post-filter runs so they cannot outlive
// the process shutdown by much.
const asyncPostTimeout = 5 * time.Second

// GuardrailService is the entrypoint for pipeline runs: it takes one policy
// snapshot per request, resolves the use-case profile and drives the
// orchestrator, recording the per-request metrics.
type GuardrailService struct {
	policies     *PolicyService
	budgets      *budget.Manager
	orchestrator *pipeline.Orchestrator
	metrics      *monitoring.Metrics
	logger       *slog.Logger

	// wg tracks detached async post-filter runs so Close can drain them.
	wg sync.WaitGroup
}

// NewGuardrailService wires the pipeline entrypoint.
func NewGuardrailService(policies *PolicyService, budgets *budget.Manager, orchestrator *pipeline.Orchestrator, metrics *monitoring.Metrics, logger *slog.Logger) *GuardrailService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardrailService{
		policies:     policies,
		budgets:      budgets,
		orchestrator: orchestrator,
		metrics:      metrics,
		logger:       logger,
	}
}

// CheckPrompt runs the pre-filter pipeline on a user prompt.
func (s *GuardrailService) CheckPrompt(ctx context.Context, req guardrail.Request) guardrail.Outcome {
	req.Side = guardrail.SidePre
	return s.run(ctx, req)
}

// CheckResponse runs the post-filter pipeline on a model response. When the
// use-case profile selects async post-filtering, the checks run out of band:
// the response is released immediately and violations are logged.
func (s *GuardrailService) CheckResponse(ctx context.Context, req guardrail.Request) guardrail.Outcome {
	req.Side = guardrail.SidePost

	profile := s.budgets.Profile(req.UseCase)
	if profile.PostFilterMode != policy.PostFilterAsync {
		return s.run(ctx, req)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Detached from the request: the caller's context ends when the
		// response is released.
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), asyncPostTimeout)
		defer cancel()

		outcome := s.run(bgCtx, req)
		if !outcome.Allowed {
			s.logger.Warn("async post-filter violation",
				"use_case", req.UseCase,
				"identity", req.Identity,
				"blocked_by", outcome.BlockedBy)
		}
	}()

	return guardrail.Outcome{Allowed: true, EffectiveContent: req.Content}
}

// run drives the orchestrator against the current snapshot and records the
// per-request metrics.
func (s *GuardrailService) run(ctx context.Context, req guardrail.Request) guardrail.Outcome {
	doc := s.policies.Current()
	profile := s.budgets.Profile(req.UseCase)

	start := time.Now()
	outcome := s.orchestrator.Run(ctx, doc, profile, req)
	elapsed := time.Since(start)

	if s.metrics != nil {
		result := "allowed"
		switch {
		case !outcome.Allowed:
			result = "blocked"
		case ranDegraded(outcome):
			result = "error"
		}
		s.metrics.RequestsTotal.WithLabelValues(string(req.Side), string(req.UseCase), result).Inc()
		s.metrics.LatencyByUseCase.WithLabelValues(string(req.UseCase), string(req.Side)).Observe(elapsed.Seconds())
	}

	if fits, note := s.budgets.ValidateBudget(req.UseCase, elapsed); !fits {
		s.logger.Debug("pipeline overran guardrail budget",
			"side", req.Side, "use_case", req.UseCase, "budget", note)
	}
	return outcome
}

// ranDegraded reports whether a checker failed to deliver a verdict during
// the run. Budget skips are planned behavior, not errors.
func ranDegraded(outcome guardrail.Outcome) bool {
	for _, r := range outcome.Results {
		if r.Err != nil && r.Err.Kind != guardrail.ErrBudgetSkipped {
			return true
		}
	}
	return false
}

// Close waits for detached async post-filter runs to finish.
func (s *GuardrailService) Close() {
	s.wg.Wait()
}
