// Package service contains application services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aim-oss/aim-guardrails/internal/domain/budget"
	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
	"github.com/aim-oss/aim-guardrails/internal/domain/policy"
)

// reloadDebounce coalesces bursts of file events (editors write multiple
// times per save) into one reload.
const reloadDebounce = 200 * time.Millisecond

// PolicyService owns the active policy snapshot. Readers get an immutable
// *policy.Document via Current with a single atomic load; writers validate a
// candidate document fully before swapping it in. A rejected update never
// disturbs the running snapshot.
type PolicyService struct {
	path     string
	resolver policy.VariantResolver
	budgets  *budget.Manager
	logger   *slog.Logger

	snapshot atomic.Pointer[policy.Document]

	// updateMu serializes writers so read-modify-write updates do not
	// lose each other's changes. Readers never take it.
	updateMu sync.Mutex

	stopChan chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewPolicyService creates the service and installs the initial snapshot:
// the document loaded from path, or the built-in default policy when path is
// empty. budgets may be nil when no budget manager participates.
func NewPolicyService(path string, resolver policy.VariantResolver, budgets *budget.Manager, logger *slog.Logger) (*PolicyService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PolicyService{
		path:     path,
		resolver: resolver,
		budgets:  budgets,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	if path == "" {
		doc := policy.Default()
		doc.ApplyDefaults()
		if err := doc.Validate(resolver); err != nil {
			return nil, fmt.Errorf("built-in default policy invalid: %w", err)
		}
		s.install(doc)
		logger.Info("policy service started with built-in defaults")
		return s, nil
	}

	doc, err := s.loadFile(path)
	if err != nil {
		return nil, err
	}
	s.install(doc)
	logger.Info("policy loaded", "path", path,
		"checkers", len(doc.Checkers), "use_cases", len(doc.UseCases))
	return s, nil
}

// Current returns the active snapshot. The returned document must be
// treated as immutable.
func (s *PolicyService) Current() *policy.Document {
	return s.snapshot.Load()
}

// Reload re-reads the policy file and swaps the snapshot if the new
// document validates. On any error the previous snapshot stays active.
func (s *PolicyService) Reload() error {
	if s.path == "" {
		return fmt.Errorf("no policy file configured")
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	doc, err := s.loadFile(s.path)
	if err != nil {
		s.logger.Error("policy reload rejected, keeping previous snapshot",
			"path", s.path, "error", err)
		return err
	}
	s.install(doc)
	s.logger.Info("policy reloaded", "path", s.path,
		"checkers", len(doc.Checkers), "use_cases", len(doc.UseCases))
	return nil
}

// Replace installs a full replacement document after validation.
func (s *PolicyService) Replace(doc *policy.Document) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	doc.ApplyDefaults()
	if err := doc.Validate(s.resolver); err != nil {
		return fmt.Errorf("policy rejected: %w", err)
	}
	s.install(doc)
	s.logger.Info("policy replaced",
		"checkers", len(doc.Checkers), "use_cases", len(doc.UseCases))
	return nil
}

// UpdateChecker patches the spec for one guardrail type in place: matching
// specs (same type and variant, or same type when the patch names no
// variant) are replaced, otherwise the spec is appended. The patched
// document must validate or the update is rejected.
func (s *PolicyService) UpdateChecker(t guardrail.Type, spec policy.CheckerSpec) error {
	if spec.Type == "" {
		spec.Type = t
	}
	if spec.Type != t {
		return fmt.Errorf("spec type %q does not match target %q", spec.Type, t)
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	current := s.snapshot.Load()
	next := current.Clone()

	replaced := false
	for i, existing := range next.Checkers {
		if existing.Type != t {
			continue
		}
		if spec.VariantID == "" || existing.VariantID == spec.VariantID {
			next.Checkers[i] = spec
			replaced = true
			break
		}
	}
	if !replaced {
		next.Checkers = append(next.Checkers, spec)
	}

	next.ApplyDefaults()
	if err := next.Validate(s.resolver); err != nil {
		return fmt.Errorf("policy update rejected: %w", err)
	}
	s.install(next)
	s.logger.Info("checker policy updated",
		"type", t, "variant", spec.VariantID, "action", spec.Action,
		"threshold", spec.Threshold, "enabled", spec.Enabled)
	return nil
}

// StartWatch watches the policy file for changes and reloads on write.
// Reload failures keep the previous snapshot and are logged, never fatal.
// No-op when no policy file is configured.
func (s *PolicyService) StartWatch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config maps replace
	// the file by rename, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()

		var debounce *time.Timer
		var debounceC <-chan time.Time

		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(reloadDebounce)
					debounceC = debounce.C
				} else {
					debounce.Reset(reloadDebounce)
				}
			case <-debounceC:
				debounce = nil
				debounceC = nil
				if err := s.Reload(); err != nil {
					// Reload already logged the rejection.
					continue
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("policy watcher error", "error", err)
			}
		}
	}()

	s.logger.Info("policy hot reload enabled", "path", s.path)
	return nil
}

// Stop terminates the watcher goroutine and waits for it to exit. Safe to
// call multiple times.
func (s *PolicyService) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// install swaps the snapshot and rebinds the budget manager to the new
// use-case profiles.
func (s *PolicyService) install(doc *policy.Document) {
	s.snapshot.Store(doc)
	if s.budgets != nil {
		s.budgets.Rebind(doc.UseCases)
	}
}

// loadFile reads, parses and validates a policy document from disk.
func (s *PolicyService) loadFile(path string) (*policy.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	doc, err := policy.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	doc.ApplyDefaults()
	if err := doc.Validate(s.resolver); err != nil {
		return nil, fmt.Errorf("policy file %s invalid: %w", path, err)
	}
	return doc, nil
}
