// Package checker provides the process-wide checker catalog: a registry
// mapping {guardrail type, variant id} to lazily constructed checkers, with
// per-variant once-initialization and availability tracking.
package checker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"

	"github.com/aim-oss/aim-guardrails/internal/checker/celcheck"
	"github.com/aim-oss/aim-guardrails/internal/checker/pattern"
)

// Constructor builds a checker variant. Called at most once per entry, on
// first use; construction may load models or other heavy resources.
type Constructor func() (guardrail.Checker, error)

type variantKey struct {
	t       guardrail.Type
	variant string
}

// entry holds one catalog slot. The per-entry mutex serializes construction
// so concurrent first dispatches never double-load a variant.
type entry struct {
	caps      guardrail.Capabilities
	construct Constructor

	mu      sync.Mutex
	built   bool
	checker guardrail.Checker
	err     error
}

// Registry is the checker catalog. Register all variants at startup, then
// treat the registry as read-only: lookups are lock-free apart from the
// per-entry construction once.
type Registry struct {
	mu       sync.RWMutex
	entries  map[variantKey]*entry
	defaults map[guardrail.Type]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[variantKey]*entry),
		defaults: make(map[guardrail.Type]string),
	}
}

// NewBuiltinRegistry creates a registry preloaded with the built-in catalog:
// the pattern checkers for toxicity, PII, prompt injection, the regex+entropy
// secret scanner and the CEL compliance checker. The first variant registered
// for a type becomes its catalog default.
func NewBuiltinRegistry() (*Registry, error) {
	r := NewRegistry()

	builtins := []struct {
		caps      guardrail.Capabilities
		construct Constructor
	}{
		{pattern.NewInjectionChecker().Capabilities(), func() (guardrail.Checker, error) {
			return pattern.NewInjectionChecker(), nil
		}},
		{pattern.NewSecretScanner().Capabilities(), func() (guardrail.Checker, error) {
			return pattern.NewSecretScanner(), nil
		}},
		{pattern.NewPIIChecker().Capabilities(), func() (guardrail.Checker, error) {
			return pattern.NewPIIChecker(), nil
		}},
		{pattern.NewToxicityChecker().Capabilities(), func() (guardrail.Checker, error) {
			return pattern.NewToxicityChecker(), nil
		}},
	}
	for _, b := range builtins {
		if err := r.Register(b.caps, b.construct); err != nil {
			return nil, err
		}
	}

	// Compliance checker capabilities are static; construct one instance
	// just to describe the variant, the registry constructs its own lazily.
	probe, err := celcheck.NewComplianceChecker()
	if err != nil {
		return nil, fmt.Errorf("failed to probe compliance checker: %w", err)
	}
	if err := r.Register(probe.Capabilities(), func() (guardrail.Checker, error) {
		return celcheck.NewComplianceChecker()
	}); err != nil {
		return nil, err
	}

	return r, nil
}

// Register adds a variant to the catalog. The first variant registered for
// a type becomes the type's default unless SetDefault overrides it.
func (r *Registry) Register(caps guardrail.Capabilities, construct Constructor) error {
	if !caps.Type.Valid() {
		return fmt.Errorf("register: unknown guardrail type %q", caps.Type)
	}
	if caps.VariantID == "" {
		return fmt.Errorf("register: %s variant id is empty", caps.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := variantKey{caps.Type, caps.VariantID}
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("register: duplicate variant %s/%s", caps.Type, caps.VariantID)
	}
	r.entries[key] = &entry{caps: caps, construct: construct}
	if _, has := r.defaults[caps.Type]; !has {
		r.defaults[caps.Type] = caps.VariantID
	}
	return nil
}

// SetDefault marks a variant as the catalog default for its type.
func (r *Registry) SetDefault(t guardrail.Type, variantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[variantKey{t, variantID}]; !ok {
		return fmt.Errorf("set default: variant %s/%s not registered", t, variantID)
	}
	r.defaults[t] = variantID
	return nil
}

// Capabilities returns the static description of a variant.
// Implements policy.VariantResolver.
func (r *Registry) Capabilities(t guardrail.Type, variantID string) (guardrail.Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[variantKey{t, variantID}]
	if !ok {
		return guardrail.Capabilities{}, false
	}
	return e.caps, true
}

// DefaultVariant returns the catalog default variant for a type.
func (r *Registry) DefaultVariant(t guardrail.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.defaults[t]
	return v, ok
}

// Checker returns the constructed checker for a variant, building it on
// first use. A failed construction is remembered; the variant stays
// unavailable for the process lifetime.
func (r *Registry) Checker(t guardrail.Type, variantID string) (guardrail.Checker, error) {
	r.mu.RLock()
	e, ok := r.entries[variantKey{t, variantID}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("variant %s/%s not registered", t, variantID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.built {
		e.checker, e.err = e.construct()
		e.built = true
	}
	if e.err != nil {
		return nil, fmt.Errorf("variant %s/%s unavailable: %w", t, variantID, e.err)
	}
	return e.checker, nil
}

// Warm eagerly constructs a variant. Used by the health check to complete
// lazy init for mandatory checkers.
func (r *Registry) Warm(t guardrail.Type, variantID string) error {
	_, err := r.Checker(t, variantID)
	return err
}

// VariantStatus describes one catalog entry for the status endpoint.
type VariantStatus struct {
	Type      guardrail.Type `json:"type"`
	VariantID string         `json:"variant_id"`
	Default   bool           `json:"default"`
	Ready     bool           `json:"ready"`
	Failed    bool           `json:"failed"`
}

// Snapshot lists every registered variant with its construction state,
// sorted by type priority then variant id.
func (r *Registry) Snapshot() []VariantStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]VariantStatus, 0, len(r.entries))
	for key, e := range r.entries {
		e.mu.Lock()
		ready := e.built && e.err == nil
		failed := e.err != nil
		e.mu.Unlock()
		statuses = append(statuses, VariantStatus{
			Type:      key.t,
			VariantID: key.variant,
			Default:   r.defaults[key.t] == key.variant,
			Ready:     ready,
			Failed:    failed,
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Type.Priority() != statuses[j].Type.Priority() {
			return statuses[i].Type.Priority() < statuses[j].Type.Priority()
		}
		return statuses[i].VariantID < statuses[j].VariantID
	})
	return statuses
}
