// Package pattern provides the built-in pattern-based checker variants.
// They are pure regex/heuristic implementations with single-digit
// millisecond latency and carry the service when ML variants are
// unavailable.
package pattern

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
)

// piiPattern pairs a PII kind with its detection regex. Kinds are evaluated
// in a fixed order so redaction output is deterministic.
type piiPattern struct {
	kind string
	re   *regexp.Regexp
}

// PIIChecker detects and redacts personally identifiable information:
// emails, phone numbers, SSNs, credit card numbers and IP addresses.
type PIIChecker struct {
	patterns []piiPattern
}

// NewPIIChecker constructs the pattern-based PII checker.
func NewPIIChecker() *PIIChecker {
	return &PIIChecker{
		patterns: []piiPattern{
			{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
			{"phone", regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)},
			{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
			{"credit_card", regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`)},
			{"ip_address", regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)},
		},
	}
}

// Check scans content for PII and produces a redacted copy when any is
// found. Confidence scales with the number of distinct PII kinds detected.
func (c *PIIChecker) Check(ctx context.Context, content string, threshold float64, extra map[string]any) guardrail.Result {
	if err := ctx.Err(); err != nil {
		return deadlineResult(err)
	}
	if content == "" {
		return guardrail.Result{Passed: true, Message: "empty content"}
	}

	redacted := content
	var kinds []string
	for _, p := range c.patterns {
		matches := p.re.FindAllString(redacted, -1)
		if len(matches) == 0 {
			continue
		}
		kinds = append(kinds, p.kind)
		placeholder := "[" + strings.ToUpper(p.kind) + "_REDACTED]"
		for _, m := range matches {
			redacted = strings.ReplaceAll(redacted, m, placeholder)
		}
	}

	if len(kinds) == 0 {
		return guardrail.Result{Passed: true, Confidence: 0, Message: "no PII detected"}
	}

	confidence := min(float64(len(kinds))*0.4, 1.0)
	return guardrail.Result{
		Passed:     confidence < threshold,
		Confidence: confidence,
		Message:    fmt.Sprintf("PII detected: %s", strings.Join(kinds, ", ")),
		Redacted:   redacted,
	}
}

// Capabilities describes the variant.
func (c *PIIChecker) Capabilities() guardrail.Capabilities {
	return guardrail.Capabilities{
		Type:            guardrail.TypePII,
		VariantID:       "pattern_v1",
		CanRedact:       true,
		SupportsBatch:   true,
		ExpectedLatency: 5 * time.Millisecond,
	}
}

// deadlineResult is the shared fail-open result for an expired context.
func deadlineResult(err error) guardrail.Result {
	return guardrail.Result{
		Passed:   true,
		Severity: guardrail.SeverityWarning,
		Message:  "check skipped: deadline expired",
		Err:      &guardrail.CheckError{Kind: guardrail.ErrDeadline, Detail: err.Error()},
	}
}

// Compile-time interface verification.
var _ guardrail.Checker = (*PIIChecker)(nil)
