// Package celcheck provides the CEL-based policy compliance checker.
// Compliance rules are CEL expressions over content attributes; a rule that
// evaluates to true marks a violation.
package celcheck

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
)

// maxExpressionLength caps rule expression size.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit to prevent cost-exhaustion.
const maxCostBudget = 100_000

// maxNestingDepth caps parenthesis/bracket nesting in rule expressions.
const maxNestingDepth = 50

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked during evaluation.
const interruptCheckFreq = 100

// Rule is one named compliance rule.
type Rule struct {
	Name       string
	Expression string
}

// ComplianceChecker evaluates content against configured CEL rules.
// Compiled programs are cached per expression; the cache is shared across
// requests and guarded by a mutex.
type ComplianceChecker struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewComplianceChecker constructs the CEL compliance checker with an
// environment exposing content, content_lower, length and side.
func NewComplianceChecker() (*ComplianceChecker, error) {
	env, err := cel.NewEnv(
		cel.Variable("content", cel.StringType),
		cel.Variable("content_lower", cel.StringType),
		cel.Variable("length", cel.IntType),
		cel.Variable("side", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compliance environment: %w", err)
	}
	return &ComplianceChecker{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Check evaluates every configured rule against the content. Confidence is
// 0.5 per violated rule, capped at 1.0. With no rules configured the content
// trivially complies.
func (c *ComplianceChecker) Check(ctx context.Context, content string, threshold float64, extra map[string]any) guardrail.Result {
	if err := ctx.Err(); err != nil {
		return guardrail.Result{
			Passed:   true,
			Severity: guardrail.SeverityWarning,
			Message:  "check skipped: deadline expired",
			Err:      &guardrail.CheckError{Kind: guardrail.ErrDeadline, Detail: err.Error()},
		}
	}

	rules := rulesFromExtra(extra)
	if len(rules) == 0 {
		return guardrail.Result{Passed: true, Message: "no compliance rules configured"}
	}

	side, _ := extra["side"].(string)
	vars := map[string]any{
		"content":       content,
		"content_lower": strings.ToLower(content),
		"length":        int64(len(content)),
		"side":          side,
	}

	var violated []string
	for _, rule := range rules {
		matched, err := c.eval(ctx, rule.Expression, vars)
		if err != nil {
			return guardrail.Result{
				Passed:   true,
				Severity: guardrail.SeverityWarning,
				Message:  fmt.Sprintf("compliance rule %q failed to evaluate", rule.Name),
				Err:      &guardrail.CheckError{Kind: guardrail.ErrInternal, Detail: err.Error()},
			}
		}
		if matched {
			violated = append(violated, rule.Name)
		}
	}

	if len(violated) == 0 {
		return guardrail.Result{Passed: true, Confidence: 0, Message: "content complies with policy"}
	}

	confidence := min(float64(len(violated))*0.5, 1.0)
	return guardrail.Result{
		Passed:     confidence < threshold,
		Confidence: confidence,
		Message:    fmt.Sprintf("policy violations: %s", strings.Join(violated, ", ")),
	}
}

// Capabilities describes the variant.
func (c *ComplianceChecker) Capabilities() guardrail.Capabilities {
	return guardrail.Capabilities{
		Type:            guardrail.TypePolicyCompliance,
		VariantID:       "cel_v1",
		CanRedact:       false,
		SupportsBatch:   true,
		ExpectedLatency: 10 * time.Millisecond,
	}
}

// eval runs one rule expression against the variable set.
func (c *ComplianceChecker) eval(ctx context.Context, expression string, vars map[string]any) (bool, error) {
	prg, err := c.program(expression)
	if err != nil {
		return false, err
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out.Value())
	}
	return matched, nil
}

// program returns the cached compiled program for an expression, compiling
// and validating it on first use.
func (c *ComplianceChecker) program(expression string) (cel.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prg, ok := c.programs[expression]; ok {
		return prg, nil
	}
	if err := validateExpression(expression); err != nil {
		return nil, err
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	c.programs[expression] = prg
	return prg, nil
}

// validateExpression enforces the safety limits on a rule expression.
func validateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// rulesFromExtra decodes the rule list from the spec's extra parameters.
// Accepts []Rule directly (in-process construction) or the generic shapes
// YAML/JSON decoding produces.
func rulesFromExtra(extra map[string]any) []Rule {
	raw, ok := extra["rules"]
	if !ok {
		return nil
	}
	if rules, ok := raw.([]Rule); ok {
		return rules
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	rules := make([]Rule, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		expression, _ := m["expression"].(string)
		if expression == "" {
			continue
		}
		if name == "" {
			name = expression
		}
		rules = append(rules, Rule{Name: name, Expression: expression})
	}
	return rules
}

// Compile-time interface verification.
var _ guardrail.Checker = (*ComplianceChecker)(nil)
