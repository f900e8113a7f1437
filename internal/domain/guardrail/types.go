// Package guardrail contains the core domain types for content-safety
// checking: guardrail kinds, actions, checker results and pipeline outcomes.
package guardrail

import "time"

// Type identifies a guardrail kind. The set is closed; values are stable
// identifiers used as map keys and metric label values.
type Type string

const (
	TypeToxicity         Type = "toxicity"
	TypePII              Type = "pii"
	TypePromptInjection  Type = "prompt_injection"
	TypeAllInOneJudge    Type = "all_in_one_judge"
	TypePolicyCompliance Type = "policy_compliance"
	TypeSecrets          Type = "secrets"
	TypeTraffic          Type = "traffic"
)

// Types lists all guardrail types in no particular order.
var Types = []Type{
	TypeToxicity,
	TypePII,
	TypePromptInjection,
	TypeAllInOneJudge,
	TypePolicyCompliance,
	TypeSecrets,
	TypeTraffic,
}

// Valid reports whether t is a known guardrail type.
func (t Type) Valid() bool {
	switch t {
	case TypeToxicity, TypePII, TypePromptInjection, TypeAllInOneJudge,
		TypePolicyCompliance, TypeSecrets, TypeTraffic:
		return true
	}
	return false
}

// Priority returns the fixed pipeline ordering rank for t (lower runs first).
// Cheap discriminators run before expensive judges, and redacting checkers
// (secrets, pii) run before scoring checkers so later scores see sanitized
// content. Unknown types sort last.
func (t Type) Priority() int {
	switch t {
	case TypePromptInjection:
		return 0
	case TypeSecrets:
		return 1
	case TypePII:
		return 2
	case TypeToxicity:
		return 3
	case TypeAllInOneJudge:
		return 4
	case TypePolicyCompliance:
		return 5
	default:
		return 6
	}
}

// Action is what the orchestrator does with a failing checker result.
type Action string

const (
	ActionBlock            Action = "block"
	ActionAllowWithWarning Action = "allow_with_warning"
	ActionAllow            Action = "allow"
	ActionRedact           Action = "redact"
	ActionModify           Action = "modify"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionBlock, ActionAllowWithWarning, ActionAllow, ActionRedact, ActionModify:
		return true
	}
	return false
}

// UseCase tags a request and selects the latency budget and preferred
// checker variants.
type UseCase string

const (
	UseCaseChat    UseCase = "chat"
	UseCaseRAG     UseCase = "rag"
	UseCaseCodeGen UseCase = "code_gen"
	UseCaseBatch   UseCase = "batch"
)

// Valid reports whether u is a known use case.
func (u UseCase) Valid() bool {
	switch u {
	case UseCaseChat, UseCaseRAG, UseCaseCodeGen, UseCaseBatch:
		return true
	}
	return false
}

// Severity classifies a result for telemetry. It is not authoritative for
// blocking decisions.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Side selects which half of the pipeline a check belongs to.
type Side string

const (
	SidePre  Side = "pre"
	SidePost Side = "post"
)

// ErrKind classifies a per-checker error. Checker errors never fail the
// request on their own; they surface in the result and in metrics.
type ErrKind string

const (
	ErrDeadline      ErrKind = "deadline"
	ErrUnavailable   ErrKind = "unavailable"
	ErrInternal      ErrKind = "internal"
	ErrBudgetSkipped ErrKind = "budget_skipped"
)

// CheckError describes why a checker could not complete normally.
type CheckError struct {
	Kind   ErrKind
	Detail string
}

// Result is the outcome of a single checker invocation.
// Confidence is on the "violating" scale: higher means more likely a
// violation. Passed is conventionally confidence < threshold, except that a
// redacting checker reports Passed=true after redaction.
type Result struct {
	Type       Type
	VariantID  string
	Passed     bool
	Confidence float64
	Action     Action
	Message    string

	// Redacted holds the rewritten content when the checker redacted or
	// modified it. Set only when Action is redact or modify.
	Redacted string

	Latency  time.Duration
	Severity Severity
	Err      *CheckError
}

// Outcome is the aggregate result of running one side of the pipeline.
// When Allowed is false, BlockedBy names the guardrail that blocked and at
// least one result carries Action=block with Passed=false.
type Outcome struct {
	Allowed          bool
	EffectiveContent string
	Results          []Result
	BudgetExceeded   bool
	BlockedBy        Type
}

// Request carries everything the pipeline and traffic guardrails need to
// evaluate one piece of content.
type Request struct {
	Content       string
	Side          Side
	UseCase       UseCase
	Identity      string
	ContextTokens int
	UploadBytes   int64
	Geo           string
	Now           time.Time
}
