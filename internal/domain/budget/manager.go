// Package budget manages per-use-case latency budgets and preferred checker
// variants. The bound profile set is replaced atomically on policy reload,
// the same discipline as the policy snapshot itself.
package budget

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
	"github.com/aim-oss/aim-guardrails/internal/domain/policy"
)

// Manager resolves use cases to latency budgets and variant preferences.
// Safe for concurrent use; Rebind never blocks readers.
type Manager struct {
	profiles atomic.Pointer[map[guardrail.UseCase]policy.UseCaseProfile]
}

// NewManager creates a Manager bound to the given profiles.
func NewManager(profiles []policy.UseCaseProfile) *Manager {
	m := &Manager{}
	m.Rebind(profiles)
	return m
}

// Rebind atomically replaces the profile set. In-flight lookups keep the
// snapshot they already read.
func (m *Manager) Rebind(profiles []policy.UseCaseProfile) {
	byCase := make(map[guardrail.UseCase]policy.UseCaseProfile, len(profiles))
	for _, p := range profiles {
		byCase[p.UseCase] = p
	}
	m.profiles.Store(&byCase)
}

// Profile returns the profile for the use case, falling back to chat.
func (m *Manager) Profile(useCase guardrail.UseCase) policy.UseCaseProfile {
	byCase := *m.profiles.Load()
	if p, ok := byCase[useCase]; ok {
		return p
	}
	if p, ok := byCase[guardrail.UseCaseChat]; ok {
		return p
	}
	// No profiles bound at all: a conservative interactive default.
	return policy.UseCaseProfile{
		UseCase:           guardrail.UseCaseChat,
		TotalBudgetMS:     1500,
		GuardrailBudgetMS: 100,
		PostFilterMode:    policy.PostFilterSync,
	}
}

// GuardrailBudget returns the wall-clock budget for one pipeline side.
func (m *Manager) GuardrailBudget(useCase guardrail.UseCase) time.Duration {
	return time.Duration(m.Profile(useCase).GuardrailBudgetMS) * time.Millisecond
}

// TotalBudget returns the end-to-end request deadline. Zero means uncapped.
func (m *Manager) TotalBudget(useCase guardrail.UseCase) time.Duration {
	return time.Duration(m.Profile(useCase).TotalBudgetMS) * time.Millisecond
}

// PreferredVariant returns the variant the profile prefers for a guardrail
// type, if any.
func (m *Manager) PreferredVariant(useCase guardrail.UseCase, t guardrail.Type) (string, bool) {
	v, ok := m.Profile(useCase).PreferredVariants[t]
	return v, ok && v != ""
}

// ValidateBudget reports whether a measured pipeline duration fit the
// guardrail budget. Telemetry only: the orchestrator already enforced the
// deadline, this never alters control flow.
func (m *Manager) ValidateBudget(useCase guardrail.UseCase, measured time.Duration) (bool, string) {
	budget := m.GuardrailBudget(useCase)
	fits := measured <= budget
	if useCase == guardrail.UseCaseBatch {
		return fits, fmt.Sprintf("batch mode: %dms (throughput optimized)", measured.Milliseconds())
	}
	return fits, fmt.Sprintf("%dms / %dms budget", measured.Milliseconds(), budget.Milliseconds())
}
