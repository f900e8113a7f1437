// Package cmd provides the CLI commands for aim-guardrails.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aim-oss/aim-guardrails/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "aim-guardrails",
	Short: "aim-guardrails - content safety guardrails for model inference",
	Long: `aim-guardrails sits between an API gateway and a model inference
service. It screens prompts and responses through a configurable pipeline of
guardrail checkers (prompt injection, secrets, PII, toxicity, policy
compliance), enforces per-identity traffic limits and proxies sanitized
prompts to an OpenAI-compatible upstream.

Quick start:
  1. Optionally create a policy file (see policy examples)
  2. Run: aim-guardrails serve

Configuration:
  Config is loaded from aim-guardrails.yaml in the current directory,
  $HOME/.aim-guardrails/, or /etc/aim-guardrails/.

  Environment variables override config values with the AIM_GUARDRAILS_
  prefix; the deployment set POLICY_PATH, HTTP_PORT, METRICS_PORT,
  ENABLE_METRICS, UPSTREAM_URL, MAX_IN_FLIGHT and DEFAULT_USE_CASE is also
  recognized unprefixed.

Commands:
  serve       Start the guardrail service
  check       Run the pipeline once against given content
  hash-key    Generate an argon2id hash for the admin API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./aim-guardrails.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
