package guardrail

import (
	"context"
	"time"
)

// Checker is the plug-in contract every guardrail variant implements.
//
// Checkers are stateless with respect to requests: they hold no reference to
// the service and receive all parameters per call. Check must honor the
// deadline on ctx; on expiry it returns a Result with Err.Kind=deadline and
// Passed=true (fail-open) unless the caller's spec demands fail-closed, which
// the orchestrator applies on top of the raw result.
type Checker interface {
	// Check evaluates content against this guardrail. It must be
	// deterministic given content and parameters. extra carries
	// spec-level knobs (e.g. custom rules for the compliance checker).
	Check(ctx context.Context, content string, threshold float64, extra map[string]any) Result

	// Capabilities describes the variant so the orchestrator can order,
	// budget and route it without invoking it.
	Capabilities() Capabilities
}

// Capabilities is the static self-description of a checker variant.
type Capabilities struct {
	Type            Type
	VariantID       string
	CanRedact       bool
	SupportsBatch   bool
	ExpectedLatency time.Duration
}
