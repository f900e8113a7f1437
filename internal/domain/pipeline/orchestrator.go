// Package pipeline implements the guardrail pipeline orchestrator: checker
// selection, ordering, budget enforcement, redaction and short-circuit
// semantics for one side of a request.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
	"github.com/aim-oss/aim-guardrails/internal/domain/policy"
	"github.com/aim-oss/aim-guardrails/internal/monitoring"
)

// skipFactor: a checker is skipped when the remaining budget is below half
// its expected latency.
const skipFactor = 0.5

// softDeadlineFactor: per-checker soft deadline is expected latency times
// this factor, capped by the remaining budget.
const softDeadlineFactor = 3

// defaultExpectedLatency is assumed when a variant's capabilities are
// unknown at dispatch time.
const defaultExpectedLatency = 100 * time.Millisecond

// parallelHeadroom: the post fan-out also kicks in when the summed expected
// latency exceeds the budget by less than this fraction.
const parallelHeadroom = 1.2

// CheckerSource resolves checker variants. The registry implements it; the
// orchestrator receives a snapshot and holds no global state.
type CheckerSource interface {
	Checker(t guardrail.Type, variantID string) (guardrail.Checker, error)
	Capabilities(t guardrail.Type, variantID string) (guardrail.Capabilities, bool)
	DefaultVariant(t guardrail.Type) (string, bool)
}

// Orchestrator runs the ordered checker list for one side of a request and
// produces a guardrail.Outcome. Stateless across requests; safe for
// concurrent use.
type Orchestrator struct {
	source  CheckerSource
	metrics *monitoring.Metrics
	logger  *slog.Logger
}

// New creates an orchestrator. metrics may be nil (no recording).
func New(source CheckerSource, metrics *monitoring.Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{source: source, metrics: metrics, logger: logger}
}

// dispatch is one resolved, ready-to-run checker slot.
type dispatch struct {
	spec     policy.CheckerSpec
	variant  string
	caps     guardrail.Capabilities
	checker  guardrail.Checker
	fallback bool // resolved via catalog default, reported at warning severity

	// unavailable is set when neither the requested variant nor the
	// catalog default could be constructed.
	unavailable error
}

// Run executes one side of the pipeline for a request under the given
// policy snapshot and use-case profile.
func (o *Orchestrator) Run(ctx context.Context, doc *policy.Document, profile policy.UseCaseProfile, req guardrail.Request) guardrail.Outcome {
	start := time.Now()
	budget := time.Duration(profile.GuardrailBudgetMS) * time.Millisecond

	dispatches := o.resolve(doc.SpecsFor(req.Side), profile)

	outcome := guardrail.Outcome{
		Allowed:          true,
		EffectiveContent: req.Content,
	}

	if o.runParallel(req.Side, profile, dispatches, budget) {
		o.runFanOut(ctx, dispatches, req, start, budget, &outcome)
	} else {
		o.runSequential(ctx, dispatches, req, start, budget, &outcome)
	}

	elapsed := time.Since(start)
	if elapsed > budget {
		outcome.BudgetExceeded = true
	}
	if outcome.BudgetExceeded && o.metrics != nil {
		o.metrics.BudgetExceededTotal.WithLabelValues(string(req.UseCase), string(req.Side)).Inc()
	}
	return outcome
}

// runParallel decides the execution mode: sequential short-circuit is the
// default; the post side fans out when the profile asks for async
// post-filters or when the expected latency only slightly exceeds budget.
func (o *Orchestrator) runParallel(side guardrail.Side, profile policy.UseCaseProfile, dispatches []dispatch, budget time.Duration) bool {
	if side != guardrail.SidePost {
		return false
	}
	if profile.PostFilterMode == policy.PostFilterAsync {
		return true
	}
	var total time.Duration
	for _, d := range dispatches {
		total += expectedLatency(d)
	}
	return total > budget && float64(total) <= float64(budget)*parallelHeadroom
}

// runSequential runs checkers in order with short-circuit on the first
// blocking failure. No checker after the first block runs.
func (o *Orchestrator) runSequential(ctx context.Context, dispatches []dispatch, req guardrail.Request, start time.Time, budget time.Duration, outcome *guardrail.Outcome) {
	for _, d := range dispatches {
		result, ran := o.runOne(ctx, d, outcome.EffectiveContent, req, start, budget)
		if !ran {
			outcome.BudgetExceeded = true
		}
		blocked := o.apply(&result, d.spec, req.Side, outcome)
		outcome.Results = append(outcome.Results, result)
		if blocked {
			outcome.Allowed = false
			outcome.BlockedBy = d.spec.Type
			return
		}
	}
}

// runFanOut runs redacting checkers sequentially first (they mutate the
// effective content), then dispatches the remaining checkers concurrently
// and joins before aggregating. Results keep priority order. The first
// blocker by priority wins.
func (o *Orchestrator) runFanOut(ctx context.Context, dispatches []dispatch, req guardrail.Request, start time.Time, budget time.Duration, outcome *guardrail.Outcome) {
	var concurrent []dispatch
	for _, d := range dispatches {
		if d.caps.CanRedact {
			result, ran := o.runOne(ctx, d, outcome.EffectiveContent, req, start, budget)
			if !ran {
				outcome.BudgetExceeded = true
			}
			blocked := o.apply(&result, d.spec, req.Side, outcome)
			outcome.Results = append(outcome.Results, result)
			if blocked {
				outcome.Allowed = false
				outcome.BlockedBy = d.spec.Type
				return
			}
			continue
		}
		concurrent = append(concurrent, d)
	}

	content := outcome.EffectiveContent
	results := make([]guardrail.Result, len(concurrent))
	skipped := make([]bool, len(concurrent))

	var wg sync.WaitGroup
	for i, d := range concurrent {
		wg.Add(1)
		go func(i int, d dispatch) {
			defer wg.Done()
			result, ran := o.runOne(ctx, d, content, req, start, budget)
			results[i] = result
			skipped[i] = !ran
		}(i, d)
	}
	wg.Wait()

	// Aggregate in priority order (concurrent preserves the sorted spec
	// order). Exactly one blocker is recorded: the highest priority one.
	for i := range results {
		if skipped[i] {
			outcome.BudgetExceeded = true
		}
		blocked := o.apply(&results[i], concurrent[i].spec, req.Side, outcome)
		outcome.Results = append(outcome.Results, results[i])
		if blocked && outcome.Allowed {
			outcome.Allowed = false
			outcome.BlockedBy = concurrent[i].spec.Type
		}
	}
}

// runOne dispatches a single checker with budget and deadline enforcement.
// ran is false when the checker was skipped for budget reasons.
func (o *Orchestrator) runOne(ctx context.Context, d dispatch, content string, req guardrail.Request, start time.Time, budget time.Duration) (guardrail.Result, bool) {
	expected := expectedLatency(d)

	if d.unavailable != nil {
		return guardrail.Result{
			Type:      d.spec.Type,
			VariantID: d.variant,
			Passed:    !d.spec.FailClosed,
			Action:    d.spec.Action,
			Severity:  guardrail.SeverityWarning,
			Message:   "checker unavailable",
			Err:       &guardrail.CheckError{Kind: guardrail.ErrUnavailable, Detail: d.unavailable.Error()},
		}, true
	}

	remaining := budget - time.Since(start)
	if float64(remaining) < float64(expected)*skipFactor {
		// Availability is unknown here: the checker was never invoked.
		return guardrail.Result{
			Type:      d.spec.Type,
			VariantID: d.variant,
			Passed:    true,
			Action:    d.spec.Action,
			Severity:  guardrail.SeverityWarning,
			Message:   "check skipped: latency budget exhausted",
			Err:       &guardrail.CheckError{Kind: guardrail.ErrBudgetSkipped},
		}, false
	}

	soft := expected * softDeadlineFactor
	if soft > remaining {
		soft = remaining
	}
	checkCtx, cancel := context.WithTimeout(ctx, soft)
	defer cancel()

	began := time.Now()
	result := o.invoke(checkCtx, d, content, req)
	result.Latency = time.Since(began)

	result.Type = d.spec.Type
	result.VariantID = d.variant
	result.Action = d.spec.Action
	if result.Severity == "" {
		result.Severity = guardrail.SeverityInfo
	}
	if d.fallback && result.Severity == guardrail.SeverityInfo {
		result.Severity = guardrail.SeverityWarning
	}

	// Fail-closed specs turn errored checks into failures.
	if result.Err != nil && d.spec.FailClosed {
		result.Passed = false
	}

	if o.metrics != nil {
		o.metrics.CheckDuration.WithLabelValues(string(d.spec.Type), d.variant).Observe(result.Latency.Seconds())
		o.metrics.ConfidenceScore.WithLabelValues(string(d.spec.Type), d.variant).Observe(result.Confidence)
		available := 1.0
		if result.Err != nil && result.Err.Kind == guardrail.ErrUnavailable {
			available = 0
		}
		o.metrics.ModelAvailable.WithLabelValues(string(d.spec.Type), d.variant).Set(available)
	}
	return result, true
}

// invoke calls the checker with panic recovery. A panicking checker yields
// an internal error result, fail-open by default.
func (o *Orchestrator) invoke(ctx context.Context, d dispatch, content string, req guardrail.Request) (result guardrail.Result) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("checker panicked",
				"type", d.spec.Type,
				"variant", d.variant,
				"panic", r)
			result = guardrail.Result{
				Passed:   true,
				Severity: guardrail.SeverityError,
				Message:  "checker failed internally",
				Err:      &guardrail.CheckError{Kind: guardrail.ErrInternal, Detail: fmt.Sprint(r)},
			}
		}
	}()

	extra := d.spec.Extra
	if extra == nil {
		extra = map[string]any{}
	} else {
		// Copy before annotating so the shared policy snapshot stays
		// immutable.
		copied := make(map[string]any, len(extra)+1)
		for k, v := range extra {
			copied[k] = v
		}
		extra = copied
	}
	extra["side"] = string(req.Side)

	result = d.checker.Check(ctx, content, d.spec.Threshold, extra)

	// A checker that overran its deadline without self-reporting still
	// gets a deadline error attached.
	if ctx.Err() != nil && result.Err == nil {
		result.Err = &guardrail.CheckError{Kind: guardrail.ErrDeadline, Detail: ctx.Err().Error()}
		result.Passed = true
		if result.Severity == "" {
			result.Severity = guardrail.SeverityWarning
		}
	}
	return result
}

// apply folds one result into the outcome per the action table. It returns
// true when the result blocks the request. Redactions rewrite the effective
// content in place and the pipeline continues on the sanitized text.
func (o *Orchestrator) apply(result *guardrail.Result, spec policy.CheckerSpec, side guardrail.Side, outcome *guardrail.Outcome) bool {
	redacting := spec.Action == guardrail.ActionRedact || spec.Action == guardrail.ActionModify

	if redacting && result.Redacted != "" && result.Redacted != outcome.EffectiveContent {
		// A pre-filter PII hit can be escalated to a block when content
		// must not cross the boundary even redacted.
		if spec.CrossBoundaryBlock && side == guardrail.SidePre {
			result.Passed = false
			result.Severity = guardrail.SeverityError
			o.recordBlock(spec.Type, result.VariantID)
			return true
		}
		outcome.EffectiveContent = result.Redacted
		if spec.Action == guardrail.ActionRedact {
			result.Passed = true
		}
		return false
	}

	if result.Passed {
		return false
	}

	switch spec.Action {
	case guardrail.ActionAllow:
		return false
	case guardrail.ActionAllowWithWarning:
		result.Severity = guardrail.SeverityWarning
		return false
	case guardrail.ActionBlock:
		result.Severity = guardrail.SeverityError
		o.recordBlock(spec.Type, result.VariantID)
		return true
	default:
		// Redact/modify without redacted content: the checker failed the
		// threshold but produced nothing to rewrite. Allow with warning.
		result.Severity = guardrail.SeverityWarning
		return false
	}
}

func (o *Orchestrator) recordBlock(t guardrail.Type, variant string) {
	if o.metrics != nil {
		o.metrics.RequestsBlockedTotal.WithLabelValues(string(t), variant).Inc()
	}
}

// resolve maps specs to runnable dispatches: the profile's preferred
// variant wins over the spec's, and unresolvable variants fall back to the
// catalog default at warning severity.
func (o *Orchestrator) resolve(specs []policy.CheckerSpec, profile policy.UseCaseProfile) []dispatch {
	dispatches := make([]dispatch, 0, len(specs))
	for _, spec := range specs {
		d := dispatch{spec: spec, variant: spec.VariantID}
		if preferred, ok := profile.PreferredVariants[spec.Type]; ok && preferred != "" {
			d.variant = preferred
		}

		chk, err := o.source.Checker(spec.Type, d.variant)
		if err != nil {
			def, ok := o.source.DefaultVariant(spec.Type)
			if ok && def != d.variant {
				if fallbackChk, fbErr := o.source.Checker(spec.Type, def); fbErr == nil {
					o.logger.Warn("checker variant unavailable, using catalog default",
						"type", spec.Type,
						"requested", d.variant,
						"default", def,
						"error", err)
					d.variant = def
					d.fallback = true
					chk = fallbackChk
					err = nil
				}
			}
		}
		if err != nil {
			d.unavailable = err
		} else {
			d.checker = chk
			if caps, ok := o.source.Capabilities(spec.Type, d.variant); ok {
				d.caps = caps
			}
		}
		dispatches = append(dispatches, d)
	}
	return dispatches
}

func expectedLatency(d dispatch) time.Duration {
	if d.caps.ExpectedLatency > 0 {
		return d.caps.ExpectedLatency
	}
	return defaultExpectedLatency
}
