// Package policy defines the guardrail policy document: which checkers run,
// with which variants, thresholds and actions, per-use-case latency budgets
// and traffic rules. The loaded document is an immutable snapshot, replaced
// atomically on reload.
package policy

import (
	"bytes"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
	"github.com/aim-oss/aim-guardrails/internal/domain/ratelimit"
)

// PostFilterMode selects synchronous or asynchronous post-filter execution.
type PostFilterMode string

const (
	PostFilterSync  PostFilterMode = "sync"
	PostFilterAsync PostFilterMode = "async"
)

// CheckerSpec configures one guardrail checker within the policy.
type CheckerSpec struct {
	// Type is the guardrail kind this spec configures.
	Type guardrail.Type `yaml:"type" json:"type"`

	// VariantID selects the implementation from the registry catalog.
	VariantID string `yaml:"variant_id" json:"variant_id"`

	// Threshold is the confidence level in [0,1] at or above which the
	// checker fails the content.
	Threshold float64 `yaml:"threshold" json:"threshold"`

	// Action is applied by the orchestrator when the checker fails.
	Action guardrail.Action `yaml:"action" json:"action"`

	// Enabled turns the spec on. enabled implies pre_filter or post_filter.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// PreFilter runs this checker on user prompts.
	PreFilter bool `yaml:"pre_filter" json:"pre_filter"`

	// PostFilter runs this checker on model responses.
	PostFilter bool `yaml:"post_filter" json:"post_filter"`

	// FailClosed makes checker errors and deadline expiries count as
	// failures instead of the default fail-open behavior.
	FailClosed bool `yaml:"fail_closed" json:"fail_closed,omitempty"`

	// CrossBoundaryBlock upgrades a pre-filter PII redaction to a block.
	// Only meaningful for type=pii. Default false.
	CrossBoundaryBlock bool `yaml:"cross_boundary_block" json:"cross_boundary_block,omitempty"`

	// Extra carries variant-specific parameters (e.g. compliance rules).
	Extra map[string]any `yaml:"extra" json:"extra,omitempty"`
}

// UseCaseProfile maps a use case to its latency budgets and preferred
// checker variants. Invariant: 0 < GuardrailBudgetMS, and when TotalBudgetMS
// is set (non-zero), GuardrailBudgetMS < TotalBudgetMS.
type UseCaseProfile struct {
	UseCase guardrail.UseCase `yaml:"use_case" json:"use_case"`

	// TotalBudgetMS is the end-to-end deadline for one request.
	// 0 means uncapped (batch workloads).
	TotalBudgetMS int `yaml:"total_budget_ms" json:"total_budget_ms"`

	// GuardrailBudgetMS is the wall-clock budget for one pipeline side.
	GuardrailBudgetMS int `yaml:"guardrail_budget_ms" json:"guardrail_budget_ms"`

	// PreferredVariants overrides the spec's variant per guardrail type.
	PreferredVariants map[guardrail.Type]string `yaml:"preferred_variants" json:"preferred_variants,omitempty"`

	// PostFilterMode selects sync or async post-filter execution.
	PostFilterMode PostFilterMode `yaml:"post_filter_mode" json:"post_filter_mode"`
}

// Document is the complete guardrail policy: the Config snapshot of the
// service. Never mutate a Document after publishing it; reload replaces the
// whole snapshot.
type Document struct {
	DefaultAction guardrail.Action `yaml:"default_action" json:"default_action"`
	Checkers      []CheckerSpec    `yaml:"checkers" json:"checkers"`
	UseCases      []UseCaseProfile `yaml:"use_cases" json:"use_cases"`
	RateRules     ratelimit.Rules  `yaml:"rate_rules" json:"rate_rules"`
}

// Parse decodes a policy document from YAML or JSON bytes. Unknown fields
// are rejected so typos in policy files fail loudly.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy document: %w", err)
	}
	return &doc, nil
}

// SpecsFor returns the enabled specs that apply to the given side, ordered
// by the fixed type priority. The returned slice is freshly allocated.
func (d *Document) SpecsFor(side guardrail.Side) []CheckerSpec {
	specs := make([]CheckerSpec, 0, len(d.Checkers))
	for _, spec := range d.Checkers {
		if !spec.Enabled {
			continue
		}
		if side == guardrail.SidePre && !spec.PreFilter {
			continue
		}
		if side == guardrail.SidePost && !spec.PostFilter {
			continue
		}
		specs = append(specs, spec)
	}
	sort.SliceStable(specs, func(i, j int) bool {
		return specs[i].Type.Priority() < specs[j].Type.Priority()
	})
	return specs
}

// Profile returns the profile for the use case, falling back to the chat
// profile, then to a built-in chat default when the document has neither.
func (d *Document) Profile(useCase guardrail.UseCase) UseCaseProfile {
	var chat *UseCaseProfile
	for i := range d.UseCases {
		p := &d.UseCases[i]
		if p.UseCase == useCase {
			return *p
		}
		if p.UseCase == guardrail.UseCaseChat {
			chat = p
		}
	}
	if chat != nil {
		return *chat
	}
	return defaultProfiles()[0]
}

// Clone returns a deep copy for read-modify-write updates. The maps inside
// specs and profiles are copied so mutations never leak into the published
// snapshot.
func (d *Document) Clone() *Document {
	next := *d
	next.Checkers = make([]CheckerSpec, len(d.Checkers))
	copy(next.Checkers, d.Checkers)
	for i := range next.Checkers {
		if extra := next.Checkers[i].Extra; extra != nil {
			copied := make(map[string]any, len(extra))
			for k, v := range extra {
				copied[k] = v
			}
			next.Checkers[i].Extra = copied
		}
	}
	next.UseCases = make([]UseCaseProfile, len(d.UseCases))
	copy(next.UseCases, d.UseCases)
	for i := range next.UseCases {
		if pv := next.UseCases[i].PreferredVariants; pv != nil {
			copied := make(map[guardrail.Type]string, len(pv))
			for k, v := range pv {
				copied[k] = v
			}
			next.UseCases[i].PreferredVariants = copied
		}
	}
	if d.RateRules.AllowedGeos != nil {
		next.RateRules.AllowedGeos = append([]string(nil), d.RateRules.AllowedGeos...)
	}
	if d.RateRules.BusinessHours != nil {
		bh := *d.RateRules.BusinessHours
		next.RateRules.BusinessHours = &bh
	}
	return &next
}

// Spec returns the checker spec for a guardrail type, if present.
func (d *Document) Spec(t guardrail.Type) (CheckerSpec, bool) {
	for _, spec := range d.Checkers {
		if spec.Type == t {
			return spec, true
		}
	}
	return CheckerSpec{}, false
}
