// Package config provides service configuration for aim-guardrails: the
// listener ports, upstream endpoint, policy file location and operational
// limits. Guardrail policy itself lives in the policy document, not here.
package config

import (
	"time"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
)

// Config is the top-level service configuration.
type Config struct {
	// Server configures the HTTP listeners.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Upstream configures the inference endpoint for /predict.
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`

	// PolicyPath points at the guardrail policy file (YAML or JSON).
	// Empty means built-in defaults.
	PolicyPath string `yaml:"policy_path" mapstructure:"policy_path"`

	// DefaultUseCase applies when a request names no use case.
	DefaultUseCase string `yaml:"default_use_case" mapstructure:"default_use_case" validate:"omitempty,use_case"`

	// Auth configures optional admin authentication for mutating endpoints.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// HTTPPort is the main API listener port.
	HTTPPort int `yaml:"http_port" mapstructure:"http_port" validate:"min=0,max=65535"`

	// MetricsPort serves /metrics on a separate listener when it differs
	// from HTTPPort. 0 means same listener.
	MetricsPort int `yaml:"metrics_port" mapstructure:"metrics_port" validate:"min=0,max=65535"`

	// EnableMetrics turns the Prometheus surface on.
	EnableMetrics bool `yaml:"enable_metrics" mapstructure:"enable_metrics"`

	// MaxInFlight caps concurrently served requests; beyond it the server
	// sheds load with 503 before pipeline entry. 0 disables the cap.
	MaxInFlight int `yaml:"max_in_flight" mapstructure:"max_in_flight" validate:"min=0"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// UpstreamConfig configures the inference upstream.
type UpstreamConfig struct {
	// URL is the base URL of the OpenAI-compatible endpoint. Required for
	// /predict; the check endpoints work without it.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// Model is the default model name when a request names none.
	Model string `yaml:"model" mapstructure:"model"`
}

// AuthConfig configures admin authentication. When AdminKeyHash is empty the
// mutating endpoints are open (development mode).
type AuthConfig struct {
	// AdminKeyHash is the argon2id hash of the admin API key, produced by
	// the hash-key command.
	AdminKeyHash string `yaml:"admin_key_hash" mapstructure:"admin_key_hash"`
}

// SetDefaults fills unset optional fields.
func (c *Config) SetDefaults() {
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.DefaultUseCase == "" {
		c.DefaultUseCase = string(guardrail.UseCaseChat)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Upstream.Model == "" {
		c.Upstream.Model = "default"
	}
}
