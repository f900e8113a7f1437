package pattern

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
)

// InjectionChecker detects prompt-injection attempts: instruction overrides,
// role hijacking and template-token smuggling.
type InjectionChecker struct {
	patterns   []*regexp.Regexp
	indicators []string
}

// NewInjectionChecker constructs the pattern-based prompt-injection checker.
func NewInjectionChecker() *InjectionChecker {
	return &InjectionChecker{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)ignore\s+(?:(?:all|any|previous|above)\s+)+(?:instructions|prompts|rules)`),
			regexp.MustCompile(`(?i)forget\s+(everything|all|previous)`),
			regexp.MustCompile(`(?i)(?:reveal|show|print|repeat)\s+(?:your\s+|the\s+)?system\s+prompt`),
			regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an)\s+`),
			regexp.MustCompile(`(?i)system\s*:\s*`),
			regexp.MustCompile(`<\|system\|>`),
			regexp.MustCompile(`<\|assistant\|>`),
			regexp.MustCompile(`\[INST\]`),
			regexp.MustCompile(`(?i)###\s*(system|instruction|prompt)\s*:`),
			regexp.MustCompile(`(?i)\boverride\b`),
			regexp.MustCompile(`(?i)\bbypass\b`),
			regexp.MustCompile(`(?i)\bjailbreak\b`),
		},
		indicators: []string{
			"ignore previous",
			"forget everything",
			"new instructions",
			"system prompt",
			"jailbreak",
		},
	}
}

// Check scores content for injection signals. Each matching pattern adds
// 0.25 and each suspicious phrase adds 0.2, capped at 1.0.
func (c *InjectionChecker) Check(ctx context.Context, content string, threshold float64, extra map[string]any) guardrail.Result {
	if err := ctx.Err(); err != nil {
		return deadlineResult(err)
	}
	if content == "" {
		return guardrail.Result{Passed: true, Message: "empty content"}
	}

	var matched int
	for _, re := range c.patterns {
		if re.MatchString(content) {
			matched++
		}
	}
	confidence := min(float64(matched)*0.25, 1.0)

	lower := strings.ToLower(content)
	for _, ind := range c.indicators {
		if strings.Contains(lower, ind) {
			confidence = min(confidence+0.2, 1.0)
			matched++
		}
	}

	if matched == 0 {
		return guardrail.Result{Passed: true, Confidence: 0, Message: "no prompt injection detected"}
	}
	return guardrail.Result{
		Passed:     confidence < threshold,
		Confidence: confidence,
		Message:    fmt.Sprintf("potential prompt injection detected (signals: %d)", matched),
	}
}

// Capabilities describes the variant.
func (c *InjectionChecker) Capabilities() guardrail.Capabilities {
	return guardrail.Capabilities{
		Type:            guardrail.TypePromptInjection,
		VariantID:       "pattern_v1",
		CanRedact:       false,
		SupportsBatch:   true,
		ExpectedLatency: 5 * time.Millisecond,
	}
}

// Compile-time interface verification.
var _ guardrail.Checker = (*InjectionChecker)(nil)
