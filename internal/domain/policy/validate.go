package policy

import (
	"errors"
	"fmt"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
)

// VariantResolver answers whether a {type, variant} pair exists in the
// checker catalog and what it can do. The registry implements it.
type VariantResolver interface {
	Capabilities(t guardrail.Type, variantID string) (guardrail.Capabilities, bool)
}

// Validate checks the document against the structural invariants and the
// variant catalog. A rejected document must never be published; callers keep
// the previous snapshot.
func (d *Document) Validate(resolver VariantResolver) error {
	if d.DefaultAction != "" && !d.DefaultAction.Valid() {
		return fmt.Errorf("default_action: unknown action %q", d.DefaultAction)
	}

	seen := make(map[string]struct{}, len(d.Checkers))
	for i, spec := range d.Checkers {
		if err := validateSpec(spec, resolver); err != nil {
			return fmt.Errorf("checkers[%d]: %w", i, err)
		}
		key := string(spec.Type) + "/" + spec.VariantID
		if _, dup := seen[key]; dup {
			return fmt.Errorf("checkers[%d]: duplicate spec for %s variant %s", i, spec.Type, spec.VariantID)
		}
		seen[key] = struct{}{}
	}

	seenUC := make(map[guardrail.UseCase]struct{}, len(d.UseCases))
	for i, p := range d.UseCases {
		if err := validateProfile(p); err != nil {
			return fmt.Errorf("use_cases[%d]: %w", i, err)
		}
		if _, dup := seenUC[p.UseCase]; dup {
			return fmt.Errorf("use_cases[%d]: duplicate profile for %s", i, p.UseCase)
		}
		seenUC[p.UseCase] = struct{}{}
	}

	return nil
}

func validateSpec(spec CheckerSpec, resolver VariantResolver) error {
	if !spec.Type.Valid() {
		return fmt.Errorf("unknown guardrail type %q", spec.Type)
	}
	if spec.VariantID == "" {
		return errors.New("variant_id is required")
	}
	if spec.Threshold < 0 || spec.Threshold > 1 {
		return fmt.Errorf("threshold %v out of range [0,1]", spec.Threshold)
	}
	if !spec.Action.Valid() {
		return fmt.Errorf("unknown action %q", spec.Action)
	}
	if spec.Enabled && !spec.PreFilter && !spec.PostFilter {
		return errors.New("enabled spec must set pre_filter or post_filter")
	}

	caps, ok := resolver.Capabilities(spec.Type, spec.VariantID)
	if !ok {
		return fmt.Errorf("variant %q not in catalog for %s", spec.VariantID, spec.Type)
	}
	if (spec.Action == guardrail.ActionRedact || spec.Action == guardrail.ActionModify) && !caps.CanRedact {
		return fmt.Errorf("action %s requires a redacting variant, %s/%s cannot redact",
			spec.Action, spec.Type, spec.VariantID)
	}
	return nil
}

func validateProfile(p UseCaseProfile) error {
	if !p.UseCase.Valid() {
		return fmt.Errorf("unknown use_case %q", p.UseCase)
	}
	if p.GuardrailBudgetMS <= 0 {
		return fmt.Errorf("guardrail_budget_ms must be positive, got %d", p.GuardrailBudgetMS)
	}
	// TotalBudgetMS 0 means uncapped (batch); otherwise the guardrail
	// budget must leave room for the upstream call.
	if p.TotalBudgetMS != 0 && p.GuardrailBudgetMS >= p.TotalBudgetMS {
		return fmt.Errorf("guardrail_budget_ms %d must be below total_budget_ms %d",
			p.GuardrailBudgetMS, p.TotalBudgetMS)
	}
	if p.PostFilterMode != "" && p.PostFilterMode != PostFilterSync && p.PostFilterMode != PostFilterAsync {
		return fmt.Errorf("unknown post_filter_mode %q", p.PostFilterMode)
	}
	return nil
}
