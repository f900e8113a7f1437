package policy

import (
	"strings"
	"testing"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
)

func TestParse(t *testing.T) {
	t.Parallel()

	doc, err := Parse([]byte(`
default_action: block
checkers:
  - type: pii
    variant_id: pattern_v1
    threshold: 0.8
    action: redact
    enabled: true
    pre_filter: true
    post_filter: true
use_cases:
  - use_case: chat
    total_budget_ms: 1500
    guardrail_budget_ms: 100
    post_filter_mode: sync
rate_rules:
  per_minute: 30
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Checkers) != 1 || doc.Checkers[0].Type != guardrail.TypePII {
		t.Errorf("Checkers = %+v", doc.Checkers)
	}
	if doc.Checkers[0].Threshold != 0.8 {
		t.Errorf("Threshold = %v", doc.Checkers[0].Threshold)
	}
	if doc.RateRules.PerMinute != 30 {
		t.Errorf("PerMinute = %d", doc.RateRules.PerMinute)
	}
}

// Typos in policy files must fail loudly instead of silently dropping a rule.
func TestParse_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`
checkers:
  - type: pii
    variant_id: pattern_v1
    treshold: 0.8
`))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
	if !strings.Contains(err.Error(), "treshold") {
		t.Errorf("error does not name the offending field: %v", err)
	}
}

func TestSpecsFor(t *testing.T) {
	t.Parallel()

	doc := &Document{Checkers: []CheckerSpec{
		{Type: guardrail.TypeToxicity, VariantID: "v", Enabled: true, PreFilter: true, PostFilter: true},
		{Type: guardrail.TypePII, VariantID: "v", Enabled: true, PostFilter: true},
		{Type: guardrail.TypePromptInjection, VariantID: "v", Enabled: true, PreFilter: true},
		{Type: guardrail.TypeSecrets, VariantID: "v", Enabled: false, PreFilter: true},
	}}

	pre := doc.SpecsFor(guardrail.SidePre)
	if len(pre) != 2 {
		t.Fatalf("pre specs = %d, want 2", len(pre))
	}
	if pre[0].Type != guardrail.TypePromptInjection || pre[1].Type != guardrail.TypeToxicity {
		t.Errorf("pre order = %s, %s; want injection first", pre[0].Type, pre[1].Type)
	}

	post := doc.SpecsFor(guardrail.SidePost)
	if len(post) != 2 {
		t.Fatalf("post specs = %d, want 2", len(post))
	}
	if post[0].Type != guardrail.TypePII {
		t.Errorf("post order = %s first, want pii (priority above toxicity)", post[0].Type)
	}
}

func TestProfileFallback(t *testing.T) {
	t.Parallel()

	doc := &Document{UseCases: []UseCaseProfile{
		{UseCase: guardrail.UseCaseChat, GuardrailBudgetMS: 100},
		{UseCase: guardrail.UseCaseBatch, GuardrailBudgetMS: 500},
	}}

	if p := doc.Profile(guardrail.UseCaseBatch); p.GuardrailBudgetMS != 500 {
		t.Errorf("batch profile budget = %d", p.GuardrailBudgetMS)
	}
	// Unlisted use case falls back to chat.
	if p := doc.Profile(guardrail.UseCaseRAG); p.UseCase != guardrail.UseCaseChat {
		t.Errorf("rag fell back to %s, want chat", p.UseCase)
	}

	// No profiles at all falls back to the built-in chat default.
	empty := &Document{}
	p := empty.Profile(guardrail.UseCaseChat)
	if p.UseCase != guardrail.UseCaseChat || p.GuardrailBudgetMS != 100 {
		t.Errorf("built-in fallback = %+v", p)
	}
}

func TestClone_Isolated(t *testing.T) {
	t.Parallel()

	doc := Default()
	doc.Checkers[0].Extra = map[string]any{"rules": "x"}
	doc.RateRules.AllowedGeos = []string{"US"}

	clone := doc.Clone()
	clone.Checkers[0].Threshold = 0.1
	clone.Checkers[0].Extra["rules"] = "y"
	clone.UseCases[0].GuardrailBudgetMS = 1
	clone.UseCases[0].PreferredVariants[guardrail.TypePII] = "other"
	clone.RateRules.AllowedGeos[0] = "DE"

	if doc.Checkers[0].Threshold != 0.7 {
		t.Error("clone mutation leaked into source threshold")
	}
	if doc.Checkers[0].Extra["rules"] != "x" {
		t.Error("clone mutation leaked into source extra map")
	}
	if doc.UseCases[0].GuardrailBudgetMS != 100 {
		t.Error("clone mutation leaked into source profile")
	}
	if doc.UseCases[0].PreferredVariants[guardrail.TypePII] != "pattern_v1" {
		t.Error("clone mutation leaked into preferred variants")
	}
	if doc.RateRules.AllowedGeos[0] != "US" {
		t.Error("clone mutation leaked into allowed geos")
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	doc := &Document{
		Checkers: []CheckerSpec{{Type: guardrail.TypePII, VariantID: "pattern_v1"}},
		UseCases: []UseCaseProfile{{UseCase: guardrail.UseCaseChat, GuardrailBudgetMS: 100}},
	}
	doc.ApplyDefaults()

	if doc.DefaultAction != guardrail.ActionBlock {
		t.Errorf("DefaultAction = %q", doc.DefaultAction)
	}
	if doc.Checkers[0].Threshold != 0.7 {
		t.Errorf("Threshold = %v, want filled default", doc.Checkers[0].Threshold)
	}
	if doc.UseCases[0].PostFilterMode != PostFilterSync {
		t.Errorf("PostFilterMode = %q", doc.UseCases[0].PostFilterMode)
	}

	empty := &Document{}
	empty.ApplyDefaults()
	if len(empty.UseCases) == 0 {
		t.Error("empty document did not get default profiles")
	}
}

func TestSpec(t *testing.T) {
	t.Parallel()

	doc := Default()
	spec, ok := doc.Spec(guardrail.TypePII)
	if !ok || spec.Action != guardrail.ActionRedact {
		t.Errorf("Spec(pii) = %+v, %v", spec, ok)
	}
	if _, ok := doc.Spec(guardrail.TypeAllInOneJudge); ok {
		t.Error("Spec found a type the default policy does not configure")
	}
}
