package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	inhttp "github.com/aim-oss/aim-guardrails/internal/adapter/inbound/http"
	"github.com/aim-oss/aim-guardrails/internal/adapter/outbound/memory"
	"github.com/aim-oss/aim-guardrails/internal/adapter/outbound/openai"
	"github.com/aim-oss/aim-guardrails/internal/checker"
	"github.com/aim-oss/aim-guardrails/internal/config"
	"github.com/aim-oss/aim-guardrails/internal/domain/budget"
	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
	"github.com/aim-oss/aim-guardrails/internal/domain/pipeline"
	"github.com/aim-oss/aim-guardrails/internal/monitoring"
	"github.com/aim-oss/aim-guardrails/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the guardrail service",
	Long: `Start the aim-guardrails HTTP service.

The service loads the guardrail policy from policy_path (or built-in
defaults), watches the file for changes, and serves the check, predict,
policy and rate-limit endpoints.

Examples:
  # Start with defaults on :8080
  aim-guardrails serve

  # Start with a policy file and an inference upstream
  POLICY_PATH=./policy.yaml UPSTREAM_URL=http://model:8000 aim-guardrails serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := checker.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("failed to build checker catalog: %w", err)
	}

	budgets := budget.NewManager(nil)
	policies, err := service.NewPolicyService(cfg.PolicyPath, registry, budgets, logger)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	defer policies.Stop()
	if err := policies.StartWatch(ctx); err != nil {
		logger.Warn("policy hot reload disabled", "error", err)
	}

	var promReg *prometheus.Registry
	var metrics *monitoring.Metrics
	if cfg.Server.EnableMetrics {
		promReg = prometheus.NewRegistry()
		metrics = monitoring.NewMetrics(promReg)
	}

	orchestrator := pipeline.New(registry, metrics, logger)
	guardrails := service.NewGuardrailService(policies, budgets, orchestrator, metrics, logger)
	defer guardrails.Close()

	limiter := memory.NewIdentityLimiter(logger)
	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	var proxySvc *service.ProxyService
	if cfg.Upstream.URL != "" {
		upstream := openai.NewClient(cfg.Upstream.URL, logger,
			openai.WithDefaultModel(cfg.Upstream.Model))
		proxySvc = service.NewProxyService(policies, guardrails, budgets, limiter, upstream, metrics, logger)
		logger.Info("inference upstream configured", "url", cfg.Upstream.URL, "model", cfg.Upstream.Model)
	} else {
		logger.Info("no inference upstream configured, /predict disabled")
	}

	handler := inhttp.NewHandler(guardrails, proxySvc, policies, registry, limiter,
		guardrail.UseCase(cfg.DefaultUseCase), metrics, logger)
	health := inhttp.NewHealthChecker(registry, policies, limiter, Version)

	opts := []inhttp.Option{
		inhttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.HTTPPort)),
		inhttp.WithMaxInFlight(cfg.Server.MaxInFlight),
		inhttp.WithAdminKeyHash(cfg.Auth.AdminKeyHash),
		inhttp.WithHealthChecker(health),
		inhttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		inhttp.WithLogger(logger),
	}
	if cfg.Server.EnableMetrics {
		opts = append(opts, inhttp.WithMetrics(promReg))
		if cfg.Server.MetricsPort != 0 {
			opts = append(opts, inhttp.WithMetricsAddr(fmt.Sprintf(":%d", cfg.Server.MetricsPort)))
		}
	}

	transport := inhttp.NewTransport(handler, opts...)
	return transport.Start(ctx)
}

// newLogger builds the process logger writing to stderr.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
