// Package http provides the HTTP transport adapter for the guardrail
// service.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
)

// maxRequestBodySize caps request envelopes (1 MB).
const maxRequestBodySize = 1 << 20

// checkRequestEnvelope is the body of POST /check/request.
type checkRequestEnvelope struct {
	Prompt        string `json:"prompt" validate:"required"`
	UseCase       string `json:"use_case" validate:"omitempty,use_case"`
	UserID        string `json:"user_id"`
	ContextLength int    `json:"context_length" validate:"min=0"`
	UploadBytes   int64  `json:"upload_bytes" validate:"min=0"`
	Geo           string `json:"geo"`
}

// checkResponseEnvelope is the body of POST /check/response.
type checkResponseEnvelope struct {
	Response       string `json:"response" validate:"required"`
	OriginalPrompt string `json:"original_prompt"`
	UseCase        string `json:"use_case" validate:"omitempty,use_case"`
	UserID         string `json:"user_id"`
}

// predictEnvelope is the body of POST /predict: the check envelope plus
// upstream routing.
type predictEnvelope struct {
	checkRequestEnvelope
	Model string `json:"model"`
}

// resultDTO is one checker result in the outcome envelope.
type resultDTO struct {
	Type       string         `json:"type"`
	Variant    string         `json:"variant"`
	Passed     bool           `json:"passed"`
	Confidence float64        `json:"confidence"`
	Action     string         `json:"action"`
	Message    string         `json:"message,omitempty"`
	Redacted   string         `json:"redacted,omitempty"`
	LatencyMS  int64          `json:"latency_ms"`
	Severity   string         `json:"severity"`
	Error      *checkErrorDTO `json:"error,omitempty"`
}

type checkErrorDTO struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// outcomeDTO is the response envelope of the check endpoints.
type outcomeDTO struct {
	Allowed          bool        `json:"allowed"`
	EffectiveContent string      `json:"effective_content"`
	BlockedBy        *string     `json:"blocked_by"`
	BudgetExceeded   bool        `json:"budget_exceeded"`
	Message          string      `json:"message,omitempty"`
	Results          []resultDTO `json:"results"`
}

// predictDTO is the /predict success envelope.
type predictDTO struct {
	Content    string        `json:"content"`
	Model      string        `json:"model,omitempty"`
	Allowed    bool          `json:"allowed"`
	BlockedBy  *string       `json:"blocked_by,omitempty"`
	Guardrails guardrailsDTO `json:"guardrails"`
}

type guardrailsDTO struct {
	Pre  outcomeDTO `json:"pre"`
	Post outcomeDTO `json:"post"`
}

// errorDTO is the generic error envelope.
type errorDTO struct {
	Error        string `json:"error"`
	Reason       string `json:"reason,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// toOutcomeDTO maps a pipeline outcome to the wire shape.
func toOutcomeDTO(o guardrail.Outcome) outcomeDTO {
	dto := outcomeDTO{
		Allowed:          o.Allowed,
		EffectiveContent: o.EffectiveContent,
		BudgetExceeded:   o.BudgetExceeded,
		Results:          make([]resultDTO, 0, len(o.Results)),
	}
	if o.BlockedBy != "" {
		blocked := string(o.BlockedBy)
		dto.BlockedBy = &blocked
		dto.Message = fmt.Sprintf("content blocked by %s guardrail", blocked)
	}
	for _, r := range o.Results {
		rd := resultDTO{
			Type:       string(r.Type),
			Variant:    r.VariantID,
			Passed:     r.Passed,
			Confidence: r.Confidence,
			Action:     string(r.Action),
			Message:    r.Message,
			Redacted:   r.Redacted,
			LatencyMS:  r.Latency.Milliseconds(),
			Severity:   string(r.Severity),
		}
		if r.Err != nil {
			rd.Error = &checkErrorDTO{Kind: string(r.Err.Kind), Detail: r.Err.Detail}
		}
		dto.Results = append(dto.Results, rd)
	}
	return dto
}

// decodeAndValidate decodes a JSON body into dst and validates it. The
// returned error message is safe to surface in a 422.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				switch fe.Tag() {
				case "required":
					msgs = append(msgs, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
				case "use_case":
					msgs = append(msgs, fmt.Sprintf("unknown use_case %q", fe.Value()))
				default:
					msgs = append(msgs, fmt.Sprintf("%s failed %s validation", strings.ToLower(fe.Field()), fe.Tag()))
				}
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// respondJSON writes a JSON response with the given status.
func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondError writes the generic error envelope.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorDTO{Error: message})
}
