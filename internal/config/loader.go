package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, aim-guardrails.yaml/.yml is searched in
// standard locations. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers handle gracefully.
		viper.SetConfigName("aim-guardrails")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: AIM_GUARDRAILS_SERVER_HTTP_PORT
	viper.SetEnvPrefix("AIM_GUARDRAILS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
	bindWellKnownEnv()
}

// findConfigFile searches standard locations for aim-guardrails.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".aim-guardrails"),
		"/etc/aim-guardrails",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "aim-guardrails"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment overrides.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_port")
	_ = viper.BindEnv("server.metrics_port")
	_ = viper.BindEnv("server.enable_metrics")
	_ = viper.BindEnv("server.max_in_flight")
	_ = viper.BindEnv("server.shutdown_timeout")

	_ = viper.BindEnv("upstream.url")
	_ = viper.BindEnv("upstream.model")

	_ = viper.BindEnv("policy_path")
	_ = viper.BindEnv("default_use_case")
	_ = viper.BindEnv("log_level")

	_ = viper.BindEnv("auth.admin_key_hash")
}

// bindWellKnownEnv binds the unprefixed, externally documented variable set.
// These take the conventional deployment names without the AIM_GUARDRAILS
// prefix; unknown variables are ignored.
func bindWellKnownEnv() {
	_ = viper.BindEnv("policy_path", "AIM_GUARDRAILS_POLICY_PATH", "POLICY_PATH")
	_ = viper.BindEnv("default_use_case", "AIM_GUARDRAILS_DEFAULT_USE_CASE", "DEFAULT_USE_CASE")
	_ = viper.BindEnv("server.http_port", "AIM_GUARDRAILS_SERVER_HTTP_PORT", "HTTP_PORT")
	_ = viper.BindEnv("server.metrics_port", "AIM_GUARDRAILS_SERVER_METRICS_PORT", "METRICS_PORT")
	_ = viper.BindEnv("server.enable_metrics", "AIM_GUARDRAILS_SERVER_ENABLE_METRICS", "ENABLE_METRICS")
	_ = viper.BindEnv("server.max_in_flight", "AIM_GUARDRAILS_SERVER_MAX_IN_FLIGHT", "MAX_IN_FLIGHT")
	_ = viper.BindEnv("upstream.url", "AIM_GUARDRAILS_UPSTREAM_URL", "UPSTREAM_URL")
}

// LoadConfig reads the configuration file, applies environment overrides and
// defaults, and validates the result.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: pure environment configuration.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
