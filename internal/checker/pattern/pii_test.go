package pattern

import (
	"context"
	"strings"
	"testing"
)

func TestPIIChecker_Check(t *testing.T) {
	t.Parallel()
	c := NewPIIChecker()

	tests := []struct {
		name           string
		content        string
		threshold      float64
		wantPassed     bool
		wantConfidence float64
		wantRedacted   string
	}{
		{
			name:           "no pii",
			content:        "What is AI?",
			threshold:      0.7,
			wantPassed:     true,
			wantConfidence: 0,
		},
		{
			name:           "single email passes threshold but redacts",
			content:        "My email is john.doe@example.com",
			threshold:      0.7,
			wantPassed:     true,
			wantConfidence: 0.4,
			wantRedacted:   "My email is [EMAIL_REDACTED]",
		},
		{
			name:           "two kinds fail threshold",
			content:        "Mail john.doe@example.com, SSN 123-45-6789",
			threshold:      0.7,
			wantPassed:     false,
			wantConfidence: 0.8,
			wantRedacted:   "Mail [EMAIL_REDACTED], SSN [SSN_REDACTED]",
		},
		{
			name:           "phone number",
			content:        "Call 555-123-4567 now",
			threshold:      0.7,
			wantPassed:     true,
			wantConfidence: 0.4,
			wantRedacted:   "Call [PHONE_REDACTED] now",
		},
		{
			name:           "ip address",
			content:        "server at 10.0.0.1",
			threshold:      0.7,
			wantPassed:     true,
			wantConfidence: 0.4,
			wantRedacted:   "server at [IP_ADDRESS_REDACTED]",
		},
		{
			name:       "empty content",
			content:    "",
			threshold:  0.7,
			wantPassed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := c.Check(context.Background(), tt.content, tt.threshold, nil)
			if result.Passed != tt.wantPassed {
				t.Errorf("Passed = %v, want %v", result.Passed, tt.wantPassed)
			}
			if result.Confidence != tt.wantConfidence {
				t.Errorf("Confidence = %v, want %v", result.Confidence, tt.wantConfidence)
			}
			if result.Redacted != tt.wantRedacted {
				t.Errorf("Redacted = %q, want %q", result.Redacted, tt.wantRedacted)
			}
		})
	}
}

// Redacted output must not trigger the checker again: redaction is
// idempotent.
func TestPIIChecker_RedactionIdempotent(t *testing.T) {
	t.Parallel()
	c := NewPIIChecker()

	first := c.Check(context.Background(), "reach me at jane@corp.io or 555-867-5309", 0.9, nil)
	if first.Redacted == "" {
		t.Fatal("expected a redacted copy")
	}
	second := c.Check(context.Background(), first.Redacted, 0.9, nil)
	if second.Confidence != 0 {
		t.Errorf("second pass found PII in %q (confidence %v)", first.Redacted, second.Confidence)
	}
	if second.Redacted != "" {
		t.Errorf("second pass redacted again: %q", second.Redacted)
	}
}

func TestPIIChecker_ExpiredContext(t *testing.T) {
	t.Parallel()
	c := NewPIIChecker()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := c.Check(ctx, "jane@corp.io", 0.7, nil)
	if !result.Passed {
		t.Error("expired context should fail open")
	}
	if result.Err == nil || result.Err.Kind != "deadline" {
		t.Errorf("Err = %+v, want deadline kind", result.Err)
	}
}

func TestPIIChecker_Capabilities(t *testing.T) {
	t.Parallel()
	caps := NewPIIChecker().Capabilities()
	if !caps.CanRedact {
		t.Error("PII checker must report CanRedact")
	}
	if caps.VariantID != "pattern_v1" {
		t.Errorf("VariantID = %q", caps.VariantID)
	}
	if !strings.EqualFold(string(caps.Type), "pii") {
		t.Errorf("Type = %q", caps.Type)
	}
}
