package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
)

// RegisterCustomValidators registers the service-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("use_case", validateUseCase); err != nil {
		return fmt.Errorf("failed to register use_case validator: %w", err)
	}
	return nil
}

// validateUseCase accepts the known use-case identifiers.
func validateUseCase(fl validator.FieldLevel) bool {
	return guardrail.UseCase(fl.Field().String()).Valid()
}

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Cross-field: a dedicated metrics listener only makes sense with
	// metrics enabled.
	if c.Server.MetricsPort != 0 && !c.Server.EnableMetrics {
		return errors.New("server.metrics_port is set but server.enable_metrics is false")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		return errors.New("server.metrics_port must differ from server.http_port (or be 0 for the shared listener)")
	}
	return nil
}

// formatValidationErrors converts validator errors to actionable messages.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "use_case":
			msgs = append(msgs, fmt.Sprintf("%s: unknown use case %q", fe.Namespace(), fe.Value()))
		case "url":
			msgs = append(msgs, fmt.Sprintf("%s: %q is not a valid URL", fe.Namespace(), fe.Value()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s: must be one of [%s], got %q", fe.Namespace(), fe.Param(), fe.Value()))
		case "min", "max":
			msgs = append(msgs, fmt.Sprintf("%s: value %v out of range (%s=%s)", fe.Namespace(), fe.Value(), fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: failed %s validation", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
