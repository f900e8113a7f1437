package policy

import (
	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
	"github.com/aim-oss/aim-guardrails/internal/domain/ratelimit"
)

// Default returns the safe default policy used when no policy file is
// provided: prompt injection blocks pre-filter, PII redacts on both sides,
// secrets and toxicity block on both sides, all at threshold 0.7.
func Default() *Document {
	return &Document{
		DefaultAction: guardrail.ActionBlock,
		Checkers: []CheckerSpec{
			{
				Type:      guardrail.TypePromptInjection,
				VariantID: "pattern_v1",
				Threshold: 0.7,
				Action:    guardrail.ActionBlock,
				Enabled:   true,
				PreFilter: true,
			},
			{
				Type:       guardrail.TypePII,
				VariantID:  "pattern_v1",
				Threshold:  0.7,
				Action:     guardrail.ActionRedact,
				Enabled:    true,
				PreFilter:  true,
				PostFilter: true,
			},
			{
				Type:       guardrail.TypeSecrets,
				VariantID:  "scanner_v1",
				Threshold:  0.7,
				Action:     guardrail.ActionBlock,
				Enabled:    true,
				PreFilter:  true,
				PostFilter: true,
			},
			{
				Type:       guardrail.TypeToxicity,
				VariantID:  "pattern_v1",
				Threshold:  0.7,
				Action:     guardrail.ActionBlock,
				Enabled:    true,
				PreFilter:  true,
				PostFilter: true,
			},
		},
		UseCases: defaultProfiles(),
		RateRules: ratelimit.Rules{
			PerMinute:        60,
			PerHour:          1000,
			PerDay:           10000,
			MaxContextTokens: 8192,
			MaxUploadBytes:   10 << 20,
		},
	}
}

// defaultProfiles seeds the per-use-case latency budgets. Chat is the
// tightest interactive budget; batch trades latency for coverage.
func defaultProfiles() []UseCaseProfile {
	return []UseCaseProfile{
		{
			UseCase:           guardrail.UseCaseChat,
			TotalBudgetMS:     1500,
			GuardrailBudgetMS: 100,
			PreferredVariants: map[guardrail.Type]string{
				guardrail.TypePII:      "pattern_v1",
				guardrail.TypeToxicity: "pattern_v1",
			},
			PostFilterMode: PostFilterSync,
		},
		{
			UseCase:           guardrail.UseCaseRAG,
			TotalBudgetMS:     1800,
			GuardrailBudgetMS: 150,
			PostFilterMode:    PostFilterSync,
		},
		{
			UseCase:           guardrail.UseCaseCodeGen,
			TotalBudgetMS:     2000,
			GuardrailBudgetMS: 200,
			PostFilterMode:    PostFilterSync,
		},
		{
			UseCase:           guardrail.UseCaseBatch,
			TotalBudgetMS:     0,
			GuardrailBudgetMS: 500,
			PostFilterMode:    PostFilterAsync,
		},
	}
}

// ApplyDefaults fills unset fields on a parsed document: missing default
// action, missing use-case profiles and empty post-filter modes.
func (d *Document) ApplyDefaults() {
	if d.DefaultAction == "" {
		d.DefaultAction = guardrail.ActionBlock
	}
	if len(d.UseCases) == 0 {
		d.UseCases = defaultProfiles()
	}
	for i := range d.UseCases {
		if d.UseCases[i].PostFilterMode == "" {
			d.UseCases[i].PostFilterMode = PostFilterSync
		}
	}
	for i := range d.Checkers {
		if d.Checkers[i].Threshold == 0 {
			d.Checkers[i].Threshold = 0.7
		}
	}
}
