package pattern

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/aim-oss/aim-guardrails/internal/domain/guardrail"
)

// entropyThreshold is the Shannon entropy (bits per character) above which a
// token-like match is considered a real secret rather than prose.
const entropyThreshold = 3.5

// minEntropyLen is the minimum match length for the entropy filter to apply.
const minEntropyLen = 10

// secretPattern pairs a secret kind with its detection regexes and whether
// matches must also pass the entropy filter.
type secretPattern struct {
	kind         string
	res          []*regexp.Regexp
	entropyGated bool
}

// SecretScanner detects API keys, cloud credentials, tokens, passwords and
// private key material using pattern matching plus entropy analysis, in the
// manner of Gitleaks/TruffleHog.
type SecretScanner struct {
	patterns []secretPattern
}

// NewSecretScanner constructs the regex+entropy secret scanner.
func NewSecretScanner() *SecretScanner {
	return &SecretScanner{
		patterns: []secretPattern{
			{kind: "aws_key", res: []*regexp.Regexp{
				regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
			}},
			{kind: "aws_secret", res: []*regexp.Regexp{
				regexp.MustCompile(`(?i)aws[_-]?secret[_-]?access[_-]?key["'\s:=]+([A-Za-z0-9/+=]{40})`),
			}},
			{kind: "github_token", res: []*regexp.Regexp{
				regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
			}},
			{kind: "private_key", res: []*regexp.Regexp{
				regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|EC\s+)?PRIVATE\s+KEY-----`),
			}},
			{kind: "api_key", entropyGated: true, res: []*regexp.Regexp{
				regexp.MustCompile(`(?i)api[_-]?key["'\s:=]+([A-Za-z0-9_\-]{20,})`),
			}},
			{kind: "token", entropyGated: true, res: []*regexp.Regexp{
				regexp.MustCompile(`(?i)token["'\s:=]+([A-Za-z0-9_\-]{20,})`),
				regexp.MustCompile(`(?i)bearer\s+([A-Za-z0-9_\-.]{20,})`),
			}},
			{kind: "password", res: []*regexp.Regexp{
				regexp.MustCompile(`(?i)password["'\s:=]+([^\s"']{8,})`),
				regexp.MustCompile(`(?i)pwd["'\s:=]+([^\s"']{8,})`),
			}},
		},
	}
}

// Check scans content for secrets. Detected secrets are redacted per kind;
// confidence scales with the number of distinct secret kinds.
func (s *SecretScanner) Check(ctx context.Context, content string, threshold float64, extra map[string]any) guardrail.Result {
	if err := ctx.Err(); err != nil {
		return deadlineResult(err)
	}
	if content == "" {
		return guardrail.Result{Passed: true, Message: "empty content"}
	}

	redacted := content
	var kinds []string
	for _, p := range s.patterns {
		var secrets []string
		for _, re := range p.res {
			for _, m := range re.FindAllStringSubmatch(content, -1) {
				secret := m[0]
				if len(m) > 1 && m[1] != "" {
					secret = m[1]
				}
				if p.entropyGated && !isHighEntropy(secret) {
					continue
				}
				secrets = append(secrets, secret)
			}
		}
		if len(secrets) == 0 {
			continue
		}
		kinds = append(kinds, p.kind)
		placeholder := "[" + strings.ToUpper(p.kind) + "_REDACTED]"
		for _, secret := range secrets {
			redacted = strings.ReplaceAll(redacted, secret, placeholder)
		}
	}

	if len(kinds) == 0 {
		return guardrail.Result{Passed: true, Confidence: 0, Message: "no secrets detected"}
	}

	confidence := min(float64(len(kinds))*0.4, 1.0)
	return guardrail.Result{
		Passed:     confidence < threshold,
		Confidence: confidence,
		Message:    fmt.Sprintf("secrets detected: %s", strings.Join(kinds, ", ")),
		Redacted:   redacted,
	}
}

// Capabilities describes the variant.
func (s *SecretScanner) Capabilities() guardrail.Capabilities {
	return guardrail.Capabilities{
		Type:            guardrail.TypeSecrets,
		VariantID:       "scanner_v1",
		CanRedact:       true,
		SupportsBatch:   true,
		ExpectedLatency: 5 * time.Millisecond,
	}
}

// isHighEntropy reports whether text looks random enough to be a secret.
func isHighEntropy(text string) bool {
	if len(text) < minEntropyLen {
		return false
	}
	return shannonEntropy(text) > entropyThreshold
}

// shannonEntropy computes bits of entropy per character.
func shannonEntropy(text string) float64 {
	if text == "" {
		return 0
	}
	freq := make(map[rune]int)
	var total float64
	for _, r := range text {
		freq[r]++
		total++
	}
	var entropy float64
	for _, n := range freq {
		p := float64(n) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Compile-time interface verification.
var _ guardrail.Checker = (*SecretScanner)(nil)
