package celcheck

import (
	"context"
	"strings"
	"testing"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
)

func newChecker(t *testing.T) *ComplianceChecker {
	t.Helper()
	c, err := NewComplianceChecker()
	if err != nil {
		t.Fatalf("NewComplianceChecker: %v", err)
	}
	return c
}

func extraWithRules(rules ...Rule) map[string]any {
	return map[string]any{"rules": rules}
}

func TestComplianceChecker_Check(t *testing.T) {
	t.Parallel()
	c := newChecker(t)

	tests := []struct {
		name           string
		content        string
		threshold      float64
		extra          map[string]any
		wantPassed     bool
		wantConfidence float64
	}{
		{
			name:       "no rules configured",
			content:    "anything goes",
			threshold:  0.7,
			extra:      nil,
			wantPassed: true,
		},
		{
			name:      "single violation at threshold",
			content:   "this document is CONFIDENTIAL",
			threshold: 0.5,
			extra: extraWithRules(
				Rule{Name: "no_confidential", Expression: `content_lower.contains("confidential")`},
			),
			wantPassed:     false,
			wantConfidence: 0.5,
		},
		{
			name:      "single violation under lenient threshold",
			content:   "this document is CONFIDENTIAL",
			threshold: 0.7,
			extra: extraWithRules(
				Rule{Name: "no_confidential", Expression: `content_lower.contains("confidential")`},
			),
			wantPassed:     true,
			wantConfidence: 0.5,
		},
		{
			name:      "two violations",
			content:   "confidential and way too long for the policy",
			threshold: 0.7,
			extra: extraWithRules(
				Rule{Name: "no_confidential", Expression: `content_lower.contains("confidential")`},
				Rule{Name: "max_length", Expression: `length > 10`},
			),
			wantPassed:     false,
			wantConfidence: 1.0,
		},
		{
			name:      "compliant content",
			content:   "a fine request",
			threshold: 0.7,
			extra: extraWithRules(
				Rule{Name: "no_confidential", Expression: `content_lower.contains("confidential")`},
			),
			wantPassed:     true,
			wantConfidence: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := c.Check(context.Background(), tt.content, tt.threshold, tt.extra)
			if result.Passed != tt.wantPassed {
				t.Errorf("Passed = %v, want %v", result.Passed, tt.wantPassed)
			}
			if result.Confidence != tt.wantConfidence {
				t.Errorf("Confidence = %v, want %v", result.Confidence, tt.wantConfidence)
			}
		})
	}
}

func TestComplianceChecker_SideVariable(t *testing.T) {
	t.Parallel()
	c := newChecker(t)

	extra := extraWithRules(Rule{Name: "post_only", Expression: `side == "post"`})
	extra["side"] = "post"
	result := c.Check(context.Background(), "anything", 0.5, extra)
	if result.Passed {
		t.Error("rule matching the post side should violate")
	}

	extra["side"] = "pre"
	result = c.Check(context.Background(), "anything", 0.5, extra)
	if !result.Passed {
		t.Error("rule must not violate on the pre side")
	}
}

// A rule that cannot compile fails open with an internal error rather than
// blocking traffic.
func TestComplianceChecker_BadExpressionFailsOpen(t *testing.T) {
	t.Parallel()
	c := newChecker(t)

	result := c.Check(context.Background(), "content", 0.5,
		extraWithRules(Rule{Name: "broken", Expression: `content.nosuchmethod(`}))
	if !result.Passed {
		t.Error("unevaluable rule must fail open")
	}
	if result.Err == nil || result.Err.Kind != guardrail.ErrInternal {
		t.Errorf("Err = %+v, want internal kind", result.Err)
	}
}

func TestComplianceChecker_NonBoolExpression(t *testing.T) {
	t.Parallel()
	c := newChecker(t)

	result := c.Check(context.Background(), "content", 0.5,
		extraWithRules(Rule{Name: "not_bool", Expression: `length + 1`}))
	if !result.Passed || result.Err == nil {
		t.Errorf("non-bool rule should fail open with an error, got %+v", result)
	}
}

func TestValidateExpression(t *testing.T) {
	t.Parallel()

	if err := validateExpression(""); err == nil {
		t.Error("empty expression must be rejected")
	}
	if err := validateExpression(strings.Repeat("x", maxExpressionLength+1)); err == nil {
		t.Error("oversized expression must be rejected")
	}
	deep := strings.Repeat("(", maxNestingDepth+1) + "true" + strings.Repeat(")", maxNestingDepth+1)
	if err := validateExpression(deep); err == nil {
		t.Error("deeply nested expression must be rejected")
	}
	if err := validateExpression(`content.contains("x")`); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
}

// Rules arriving as decoded YAML/JSON are the generic []any shape.
func TestRulesFromExtra_GenericShape(t *testing.T) {
	t.Parallel()

	extra := map[string]any{
		"rules": []any{
			map[string]any{"name": "a", "expression": `length > 1`},
			map[string]any{"expression": `length > 2`},
			map[string]any{"name": "missing_expression"},
			"not a map",
		},
	}
	rules := rulesFromExtra(extra)
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if rules[0].Name != "a" {
		t.Errorf("rules[0].Name = %q", rules[0].Name)
	}
	if rules[1].Name != `length > 2` {
		t.Errorf("unnamed rule should default its name to the expression, got %q", rules[1].Name)
	}
}

// The program cache must be safe under concurrent first use.
func TestComplianceChecker_ConcurrentEval(t *testing.T) {
	t.Parallel()
	c := newChecker(t)

	extra := extraWithRules(Rule{Name: "r", Expression: `content_lower.contains("x")`})
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				c.Check(context.Background(), "xyz", 0.5, extra)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
