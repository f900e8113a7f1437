package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/aim-oss/aim-guardrails/internal/checker"
	"github.com/aim-oss/aim-guardrails/internal/domain/budget"
	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
	"github.com/aim-oss/aim-guardrails/internal/domain/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRegistry(t *testing.T) *checker.Registry {
	t.Helper()
	r, err := checker.NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("NewBuiltinRegistry: %v", err)
	}
	return r
}

const validPolicyYAML = `
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
    total_budget_ms: 1200
    guardrail_budget_ms: 80
`

func writePolicy(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestNewPolicyService_BuiltinDefaults(t *testing.T) {
	t.Parallel()
	svc, err := NewPolicyService("", testRegistry(t), nil, testLogger())
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	defer svc.Stop()

	doc := svc.Current()
	if doc == nil || len(doc.Checkers) != 4 {
		t.Fatalf("default policy = %+v", doc)
	}
	if _, ok := doc.Spec(guardrail.TypePromptInjection); !ok {
		t.Error("default policy missing prompt injection")
	}
	if err := svc.Reload(); err == nil {
		t.Error("Reload without a policy file must fail")
	}
}

func TestNewPolicyService_FromFile(t *testing.T) {
	t.Parallel()
	budgets := budget.NewManager(nil)
	path := writePolicy(t, t.TempDir(), validPolicyYAML)

	svc, err := NewPolicyService(path, testRegistry(t), budgets, testLogger())
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	defer svc.Stop()

	doc := svc.Current()
	if len(doc.Checkers) != 1 || doc.Checkers[0].Threshold != 0.8 {
		t.Errorf("loaded policy = %+v", doc.Checkers)
	}
	// Budgets rebound to the file's profiles.
	if got := budgets.GuardrailBudget(guardrail.UseCaseChat); got != 80*time.Millisecond {
		t.Errorf("bound budget = %v", got)
	}
}

func TestNewPolicyService_RejectsBadFile(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	if _, err := NewPolicyService(filepath.Join(t.TempDir(), "missing.yaml"), reg, nil, testLogger()); err == nil {
		t.Error("missing file accepted")
	}

	path := writePolicy(t, t.TempDir(), "checkers:\n  - type: pii\n    treshold: 0.5\n")
	if _, err := NewPolicyService(path, reg, nil, testLogger()); err == nil {
		t.Error("policy with unknown field accepted")
	}

	path = writePolicy(t, t.TempDir(), `
checkers:
  - type: toxicity
    variant_id: pattern_v1
    threshold: 0.7
    action: redact
    enabled: true
    pre_filter: true
`)
	if _, err := NewPolicyService(path, reg, nil, testLogger()); err == nil {
		t.Error("redact on non-redacting variant accepted")
	}
}

// A broken rewrite of the policy file never disturbs the active snapshot.
func TestReload_KeepsSnapshotOnError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writePolicy(t, dir, validPolicyYAML)
	svc, err := NewPolicyService(path, testRegistry(t), nil, testLogger())
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	defer svc.Stop()
	before := svc.Current()

	writePolicy(t, dir, "not: [valid")
	if err := svc.Reload(); err == nil {
		t.Fatal("broken policy reloaded without error")
	}
	if svc.Current() != before {
		t.Error("snapshot replaced despite rejected reload")
	}

	writePolicy(t, dir, validPolicyYAML)
	if err := svc.Reload(); err != nil {
		t.Fatalf("Reload after repair: %v", err)
	}
	if svc.Current() == before {
		t.Error("snapshot not replaced after successful reload")
	}
}

func TestReplace(t *testing.T) {
	t.Parallel()
	svc, err := NewPolicyService("", testRegistry(t), nil, testLogger())
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	defer svc.Stop()

	next := policy.Default()
	next.Checkers = next.Checkers[:1]
	if err := svc.Replace(next); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got := len(svc.Current().Checkers); got != 1 {
		t.Errorf("checkers after replace = %d", got)
	}

	bad := policy.Default()
	bad.Checkers[0].Threshold = 2
	if err := svc.Replace(bad); err == nil {
		t.Error("invalid replacement accepted")
	}
}

func TestUpdateChecker(t *testing.T) {
	t.Parallel()
	svc, err := NewPolicyService("", testRegistry(t), nil, testLogger())
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	defer svc.Stop()
	before := svc.Current()

	// Patch an existing type.
	patched := policy.CheckerSpec{
		Type: guardrail.TypeToxicity, VariantID: "pattern_v1", Threshold: 0.5,
		Action: guardrail.ActionAllowWithWarning, Enabled: true, PreFilter: true,
	}
	if err := svc.UpdateChecker(guardrail.TypeToxicity, patched); err != nil {
		t.Fatalf("UpdateChecker: %v", err)
	}
	spec, _ := svc.Current().Spec(guardrail.TypeToxicity)
	if spec.Threshold != 0.5 || spec.Action != guardrail.ActionAllowWithWarning {
		t.Errorf("patched spec = %+v", spec)
	}
	if got := len(svc.Current().Checkers); got != len(before.Checkers) {
		t.Errorf("patch changed checker count to %d", got)
	}
	// The old snapshot stays untouched.
	if old, _ := before.Spec(guardrail.TypeToxicity); old.Threshold != 0.7 {
		t.Error("update mutated the previous snapshot")
	}

	// A type the policy does not configure yet gets appended.
	added := policy.CheckerSpec{
		Type: guardrail.TypePolicyCompliance, VariantID: "cel_v1", Threshold: 0.5,
		Action: guardrail.ActionBlock, Enabled: true, PostFilter: true,
	}
	if err := svc.UpdateChecker(guardrail.TypePolicyCompliance, added); err != nil {
		t.Fatalf("UpdateChecker append: %v", err)
	}
	if got := len(svc.Current().Checkers); got != len(before.Checkers)+1 {
		t.Errorf("checker count after append = %d", got)
	}

	// Invalid patches are rejected and leave the snapshot alone.
	current := svc.Current()
	bad := patched
	bad.Threshold = 2
	if err := svc.UpdateChecker(guardrail.TypeToxicity, bad); err == nil {
		t.Error("invalid patch accepted")
	}
	if svc.Current() != current {
		t.Error("rejected patch replaced the snapshot")
	}

	mismatched := patched
	mismatched.Type = guardrail.TypePII
	if err := svc.UpdateChecker(guardrail.TypeToxicity, mismatched); err == nil {
		t.Error("type mismatch accepted")
	}
}

// Concurrent readers always observe a complete, validated document while
// writers race.
func TestSnapshotAtomicity(t *testing.T) {
	t.Parallel()
	svc, err := NewPolicyService("", testRegistry(t), nil, testLogger())
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	defer svc.Stop()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				doc := svc.Current()
				if len(doc.Checkers) != 4 {
					t.Errorf("observed torn snapshot with %d checkers", len(doc.Checkers))
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		threshold := 0.5
		if i%2 == 0 {
			threshold = 0.9
		}
		spec := policy.CheckerSpec{
			Type: guardrail.TypePII, VariantID: "pattern_v1", Threshold: threshold,
			Action: guardrail.ActionRedact, Enabled: true, PreFilter: true, PostFilter: true,
		}
		if err := svc.UpdateChecker(guardrail.TypePII, spec); err != nil {
			t.Fatalf("UpdateChecker: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestStartWatch_ReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := writePolicy(t, dir, validPolicyYAML)
	svc, err := NewPolicyService(path, testRegistry(t), nil, testLogger())
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.StartWatch(ctx); err != nil {
		t.Fatalf("StartWatch: %v", err)
	}

	updated := `
default_action: block
checkers:
  - type: secrets
    variant_id: scanner_v1
    threshold: 0.6
    action: block
    enabled: true
    pre_filter: true
use_cases:
  - use_case: chat
    total_budget_ms: 1200
    guardrail_budget_ms: 80
`
	writePolicy(t, dir, updated)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := svc.Current().Spec(guardrail.TypeSecrets); ok {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if _, ok := svc.Current().Spec(guardrail.TypeSecrets); !ok {
		t.Error("policy not reloaded after file write")
	}

	svc.Stop()
	svc.Stop() // idempotent
}
