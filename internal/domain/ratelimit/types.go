// Package ratelimit provides the traffic-guardrail domain types: per-identity
// rolling windows, context/upload caps and geo/business-hours access rules.
package ratelimit

import "time"

// Rules configures every traffic guardrail applied before pipeline entry.
// A zero value for any field disables that rule.
type Rules struct {
	// PerMinute, PerHour and PerDay cap requests per identity in rolling
	// windows of the corresponding length.
	PerMinute int `yaml:"per_minute" json:"per_minute,omitempty"`
	PerHour   int `yaml:"per_hour" json:"per_hour,omitempty"`
	PerDay    int `yaml:"per_day" json:"per_day,omitempty"`

	// MaxContextTokens caps the declared context length of a request.
	MaxContextTokens int `yaml:"max_context_tokens" json:"max_context_tokens,omitempty"`

	// MaxUploadBytes caps the declared upload size of a request.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" json:"max_upload_bytes,omitempty"`

	// AllowedGeos, when non-empty, restricts access to the listed
	// two-letter region codes.
	AllowedGeos []string `yaml:"allowed_geos" json:"allowed_geos,omitempty"`

	// BusinessHours, when set, restricts access to a daily window.
	BusinessHours *BusinessHours `yaml:"business_hours" json:"business_hours,omitempty"`
}

// BusinessHours restricts access to [StartHour, EndHour) in the given
// IANA time zone. An empty TZ means UTC.
type BusinessHours struct {
	TZ        string `yaml:"tz" json:"tz"`
	StartHour int    `yaml:"start" json:"start"`
	EndHour   int    `yaml:"end" json:"end"`
}

// DenyReason classifies why a request was denied. The decision order is
// fixed: blocked identity, geo, business hours, context length, upload size,
// then the rate windows from shortest to longest.
type DenyReason string

const (
	DenyBlocked       DenyReason = "blocked"
	DenyGeo           DenyReason = "geo"
	DenyBusinessHours DenyReason = "business_hours"
	DenyContextLength DenyReason = "context_length"
	DenyUploadSize    DenyReason = "upload_size"
	DenyPerMinute     DenyReason = "per_minute"
	DenyPerHour       DenyReason = "per_hour"
	DenyPerDay        DenyReason = "per_day"
)

// Decision is the result of a traffic-guardrail check.
type Decision struct {
	Allowed bool
	Reason  DenyReason

	// RetryAfter is set for window denials: the time until the oldest
	// counted hit in the violated window ages out.
	RetryAfter time.Duration

	Message string
}

// Check carries the request attributes the limiter evaluates.
type Check struct {
	Identity      string
	ContextTokens int
	UploadBytes   int64
	Geo           string
	Now           time.Time
}

// Stats reports per-identity counters for the stats endpoint.
type Stats struct {
	Identity         string `json:"identity"`
	RequestsLastMin  int    `json:"requests_last_minute"`
	RequestsLastHour int    `json:"requests_last_hour"`
	RequestsLastDay  int    `json:"requests_last_day"`
	Blocked          bool   `json:"blocked"`
	LimitPerMinute   int    `json:"limit_per_minute"`
	LimitPerHour     int    `json:"limit_per_hour"`
	LimitPerDay      int    `json:"limit_per_day"`
}

// Limiter is the traffic-guardrail port. Implementations may be in-memory
// or backed by a shared store; the in-memory form is normative.
type Limiter interface {
	// Allow evaluates every configured rule for the request and records
	// the hit when allowed.
	Allow(check Check, rules Rules) Decision

	// Stats returns the current window counts for an identity.
	Stats(identity string, rules Rules) Stats

	// Block denies all further requests from an identity until Unblock.
	Block(identity string)

	// Unblock lifts a Block.
	Unblock(identity string)
}
