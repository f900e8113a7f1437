package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aim-oss/aim-guardrails/internal/checker"
	"github.com/aim-oss/aim-guardrails/internal/domain/budget"
	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
	"github.com/aim-oss/aim-guardrails/internal/domain/pipeline"
	"github.com/aim-oss/aim-guardrails/internal/service"
)

var (
	checkSide       string
	checkUseCase    string
	checkPolicyPath string
)

var checkCmd = &cobra.Command{
	Use:   "check [content]",
	Short: "Run the guardrail pipeline once against given content",
	Long: `Run one side of the guardrail pipeline against content from the
argument or stdin and print the outcome as JSON.

Examples:
  aim-guardrails check "What is AI?"
  aim-guardrails check --side post "model output to screen"
  cat prompt.txt | aim-guardrails check --policy ./policy.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkSide, "side", "pre", "pipeline side: pre or post")
	checkCmd.Flags().StringVar(&checkUseCase, "use-case", "chat", "use case: chat, rag, code_gen or batch")
	checkCmd.Flags().StringVar(&checkPolicyPath, "policy", "", "policy file (default: built-in policy)")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	var content string
	if len(args) == 1 {
		content = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		content = string(data)
	}

	side := guardrail.Side(checkSide)
	if side != guardrail.SidePre && side != guardrail.SidePost {
		return fmt.Errorf("unknown side %q, want pre or post", checkSide)
	}
	useCase := guardrail.UseCase(checkUseCase)
	if !useCase.Valid() {
		return fmt.Errorf("unknown use case %q", checkUseCase)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	registry, err := checker.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("failed to build checker catalog: %w", err)
	}
	budgets := budget.NewManager(nil)
	policies, err := service.NewPolicyService(checkPolicyPath, registry, budgets, logger)
	if err != nil {
		return err
	}
	defer policies.Stop()

	orchestrator := pipeline.New(registry, nil, logger)
	doc := policies.Current()
	outcome := orchestrator.Run(cmd.Context(), doc, doc.Profile(useCase), guardrail.Request{
		Content: content,
		Side:    side,
		UseCase: useCase,
		Now:     time.Now(),
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcomeReport(outcome)); err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}
	if !outcome.Allowed {
		os.Exit(1)
	}
	return nil
}

// outcomeReport maps the pipeline outcome to the CLI's JSON shape, matching
// the HTTP check envelope field names.
func outcomeReport(o guardrail.Outcome) map[string]any {
	results := make([]map[string]any, 0, len(o.Results))
	for _, r := range o.Results {
		entry := map[string]any{
			"type":       r.Type,
			"variant":    r.VariantID,
			"passed":     r.Passed,
			"confidence": r.Confidence,
			"action":     r.Action,
			"severity":   r.Severity,
			"latency_ms": r.Latency.Milliseconds(),
		}
		if r.Message != "" {
			entry["message"] = r.Message
		}
		if r.Redacted != "" {
			entry["redacted"] = r.Redacted
		}
		if r.Err != nil {
			entry["error"] = map[string]string{"kind": string(r.Err.Kind), "detail": r.Err.Detail}
		}
		results = append(results, entry)
	}
	report := map[string]any{
		"allowed":           o.Allowed,
		"effective_content": o.EffectiveContent,
		"budget_exceeded":   o.BudgetExceeded,
		"results":           results,
	}
	if o.BlockedBy != "" {
		report["blocked_by"] = o.BlockedBy
	}
	return report
}
