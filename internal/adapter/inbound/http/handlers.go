package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aim-oss/aim-guardrails/internal/checker"
	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
	"github.com/aim-oss/aim-guardrails/internal/domain/policy"
	"github.com/aim-oss/aim-guardrails/internal/domain/ratelimit"
	"github.com/aim-oss/aim-guardrails/internal/monitoring"
	"github.com/aim-oss/aim-guardrails/internal/port/outbound"
	"github.com/aim-oss/aim-guardrails/internal/service"
)

// Handler serves the guardrail API. Route registration lives in routes; the
// transport wraps it with the middleware chain.
type Handler struct {
	guardrails     *service.GuardrailService
	proxy          *service.ProxyService
	policies       *service.PolicyService
	registry       *checker.Registry
	limiter        ratelimit.Limiter
	defaultUseCase guardrail.UseCase
	metrics        *monitoring.Metrics
	validate       *validator.Validate
	logger         *slog.Logger
}

// NewHandler creates the API handler. proxy may be nil when no upstream is
// configured; /predict then responds 503 while the check and rate-limit
// endpoints keep working.
func NewHandler(guardrails *service.GuardrailService, proxy *service.ProxyService, policies *service.PolicyService, registry *checker.Registry, limiter ratelimit.Limiter, defaultUseCase guardrail.UseCase, metrics *monitoring.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("use_case", func(fl validator.FieldLevel) bool {
		return guardrail.UseCase(fl.Field().String()).Valid()
	})
	return &Handler{
		guardrails:     guardrails,
		proxy:          proxy,
		policies:       policies,
		registry:       registry,
		limiter:        limiter,
		defaultUseCase: defaultUseCase,
		metrics:        metrics,
		validate:       v,
		logger:         logger,
	}
}

// routes registers the API endpoints on the mux. adminOnly wraps the
// mutating endpoints.
func (h *Handler) routes(mux *http.ServeMux, adminOnly func(http.Handler) http.Handler) {
	mux.HandleFunc("POST /check/request", h.handleCheckRequest)
	mux.HandleFunc("POST /check/response", h.handleCheckResponse)
	mux.HandleFunc("POST /predict", h.handlePredict)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /policy", h.handleGetPolicy)
	mux.Handle("POST /policy", adminOnly(http.HandlerFunc(h.handleReplacePolicy)))
	mux.Handle("PUT /policy/{type}", adminOnly(http.HandlerFunc(h.handleUpdatePolicy)))
	mux.HandleFunc("GET /rate-limit/stats/{identity}", h.handleRateLimitStats)
	mux.Handle("POST /rate-limit/block/{identity}", adminOnly(http.HandlerFunc(h.handleBlockIdentity)))
	mux.Handle("DELETE /rate-limit/block/{identity}", adminOnly(http.HandlerFunc(h.handleUnblockIdentity)))
}

func (h *Handler) useCase(raw string) guardrail.UseCase {
	if raw == "" {
		return h.defaultUseCase
	}
	return guardrail.UseCase(raw)
}

// allowTraffic evaluates the traffic guardrails before pipeline entry and
// writes the 429 on a denial. Returns false when the request was denied.
func (h *Handler) allowTraffic(w http.ResponseWriter, check ratelimit.Check) bool {
	decision := h.limiter.Allow(check, h.policies.Current().RateRules)
	if decision.Allowed {
		return true
	}
	if h.metrics != nil {
		h.metrics.RateLimitDenials.WithLabelValues(string(decision.Reason)).Inc()
	}
	respondRateLimited(w, decision)
	return false
}

// handleCheckRequest runs the pre-filter pipeline only. Traffic guardrails
// apply first; a pipeline block surfaces as 400 with the full outcome body.
func (h *Handler) handleCheckRequest(w http.ResponseWriter, r *http.Request) {
	var env checkRequestEnvelope
	if err := h.decodeAndValidate(w, r, &env); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if !h.allowTraffic(w, ratelimit.Check{
		Identity:      env.UserID,
		ContextTokens: env.ContextLength,
		UploadBytes:   env.UploadBytes,
		Geo:           env.Geo,
		Now:           time.Now(),
	}) {
		return
	}

	outcome := h.guardrails.CheckPrompt(r.Context(), guardrail.Request{
		Content:       env.Prompt,
		UseCase:       h.useCase(env.UseCase),
		Identity:      env.UserID,
		ContextTokens: env.ContextLength,
		UploadBytes:   env.UploadBytes,
		Geo:           env.Geo,
		Now:           time.Now(),
	})

	status := http.StatusOK
	if !outcome.Allowed {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, toOutcomeDTO(outcome))
}

// handleCheckResponse runs the post-filter pipeline only. Blocks are
// reported in-band with 200 and allowed=false.
func (h *Handler) handleCheckResponse(w http.ResponseWriter, r *http.Request) {
	var env checkResponseEnvelope
	if err := h.decodeAndValidate(w, r, &env); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if !h.allowTraffic(w, ratelimit.Check{Identity: env.UserID, Now: time.Now()}) {
		return
	}

	outcome := h.guardrails.CheckResponse(r.Context(), guardrail.Request{
		Content:  env.Response,
		UseCase:  h.useCase(env.UseCase),
		Identity: env.UserID,
		Now:      time.Now(),
	})
	respondJSON(w, http.StatusOK, toOutcomeDTO(outcome))
}

// handlePredict runs the full proxy flow.
func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	if h.proxy == nil {
		respondError(w, http.StatusServiceUnavailable, "no upstream configured")
		return
	}

	var env predictEnvelope
	if err := h.decodeAndValidate(w, r, &env); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	result, err := h.proxy.Predict(r.Context(), service.PredictRequest{
		Prompt:        env.Prompt,
		Model:         env.Model,
		UseCase:       h.useCase(env.UseCase),
		Identity:      env.UserID,
		ContextTokens: env.ContextLength,
		UploadBytes:   env.UploadBytes,
		Geo:           env.Geo,
	})
	if err != nil {
		h.respondPredictError(w, r, err)
		return
	}

	dto := predictDTO{
		Content: result.Content,
		Model:   result.Model,
		Allowed: result.PostOutcome.Allowed,
		Guardrails: guardrailsDTO{
			Pre:  toOutcomeDTO(result.PreOutcome),
			Post: toOutcomeDTO(result.PostOutcome),
		},
	}
	if !result.PostOutcome.Allowed {
		blocked := string(result.PostOutcome.BlockedBy)
		dto.BlockedBy = &blocked
	}
	respondJSON(w, http.StatusOK, dto)
}

// respondPredictError maps the proxy error taxonomy to HTTP statuses.
func (h *Handler) respondPredictError(w http.ResponseWriter, r *http.Request, err error) {
	var rle *service.RateLimitedError
	if errors.As(err, &rle) {
		respondRateLimited(w, rle.Decision)
		return
	}

	var blocked *service.BlockedError
	if errors.As(err, &blocked) {
		respondJSON(w, http.StatusBadRequest, toOutcomeDTO(blocked.Outcome))
		return
	}

	var ue *outbound.UpstreamError
	if errors.As(err, &ue) {
		switch ue.Kind {
		case outbound.UpstreamTimeout:
			respondError(w, http.StatusGatewayTimeout, "upstream timed out")
		case outbound.Upstream4xx:
			respondJSON(w, http.StatusBadRequest, errorDTO{
				Error:  fmt.Sprintf("upstream rejected the request (status %d)", ue.StatusCode),
				Reason: ue.Body,
			})
		default:
			respondError(w, http.StatusBadGateway, "upstream unavailable")
		}
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		respondError(w, http.StatusGatewayTimeout, "request deadline exceeded")
		return
	}

	LoggerFromContext(r.Context()).Error("predict failed", "error", err)
	respondError(w, http.StatusInternalServerError, "internal error")
}

// respondRateLimited writes the 429 envelope for a traffic denial.
func respondRateLimited(w http.ResponseWriter, decision ratelimit.Decision) {
	if decision.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds()+1)))
	}
	respondJSON(w, http.StatusTooManyRequests, errorDTO{
		Error:        decision.Message,
		Reason:       string(decision.Reason),
		RetryAfterMS: decision.RetryAfter.Milliseconds(),
	})
}

// statusResponse is the /status envelope: checker availability plus the
// effective traffic configuration.
type statusResponse struct {
	Status    string                  `json:"status"`
	Checkers  []checker.VariantStatus `json:"checkers"`
	UseCases  []policy.UseCaseProfile `json:"use_cases"`
	RateRules any                     `json:"rate_rules"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := h.policies.Current()
	respondJSON(w, http.StatusOK, statusResponse{
		Status:    "ready",
		Checkers:  h.registry.Snapshot(),
		UseCases:  doc.UseCases,
		RateRules: doc.RateRules,
	})
}

func (h *Handler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.policies.Current())
}

// handleReplacePolicy swaps in a whole new policy document. The body is
// YAML or JSON; both decode through the same strict parser.
func (h *Handler) handleReplacePolicy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "failed to read body")
		return
	}
	doc, err := policy.Parse(body)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := h.policies.Replace(doc); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.policies.Current())
}

// handleUpdatePolicy patches the spec for one guardrail type.
func (h *Handler) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	t := guardrail.Type(r.PathValue("type"))
	if !t.Valid() {
		respondError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown guardrail type %q", t))
		return
	}

	var spec policy.CheckerSpec
	if err := h.decodeAndValidate(w, r, &spec); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := h.policies.UpdateChecker(t, spec); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.policies.Current())
}

func (h *Handler) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if identity == "" {
		respondError(w, http.StatusUnprocessableEntity, "identity is required")
		return
	}
	respondJSON(w, http.StatusOK, h.limiter.Stats(identity, h.policies.Current().RateRules))
}

func (h *Handler) handleBlockIdentity(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if identity == "" {
		respondError(w, http.StatusUnprocessableEntity, "identity is required")
		return
	}
	h.limiter.Block(identity)
	respondJSON(w, http.StatusOK, map[string]any{"identity": identity, "blocked": true})
}

func (h *Handler) handleUnblockIdentity(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if identity == "" {
		respondError(w, http.StatusUnprocessableEntity, "identity is required")
		return
	}
	h.limiter.Unblock(identity)
	respondJSON(w, http.StatusOK, map[string]any{"identity": identity, "blocked": false})
}
