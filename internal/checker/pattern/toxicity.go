package pattern

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
)

// ToxicityChecker flags toxic or harmful language with keyword patterns.
// Intentionally coarse: an ML variant replaces it when one is registered.
type ToxicityChecker struct {
	patterns []*regexp.Regexp
}

// NewToxicityChecker constructs the pattern-based toxicity checker.
func NewToxicityChecker() *ToxicityChecker {
	return &ToxicityChecker{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(kill|murder|suicide|harm|violence|hate|racist|sexist)\b`),
			regexp.MustCompile(`(?i)\b(threat|attack|destroy|hurt|abuse)\b`),
		},
	}
}

// Check scores content for toxic language; each matching pattern group adds
// 0.3, capped at 1.0.
func (c *ToxicityChecker) Check(ctx context.Context, content string, threshold float64, extra map[string]any) guardrail.Result {
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
	if matched == 0 {
		return guardrail.Result{Passed: true, Confidence: 0, Message: "content is safe"}
	}

	confidence := min(float64(matched)*0.3, 1.0)
	return guardrail.Result{
		Passed:     confidence < threshold,
		Confidence: confidence,
		Message:    fmt.Sprintf("toxic content detected (patterns: %d)", matched),
	}
}

// Capabilities describes the variant.
func (c *ToxicityChecker) Capabilities() guardrail.Capabilities {
	return guardrail.Capabilities{
		Type:            guardrail.TypeToxicity,
		VariantID:       "pattern_v1",
		CanRedact:       false,
		SupportsBatch:   true,
		ExpectedLatency: 5 * time.Millisecond,
	}
}

// Compile-time interface verification.
var _ guardrail.Checker = (*ToxicityChecker)(nil)
