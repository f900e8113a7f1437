package openai

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/aim-oss/aim-guardrails/internal/port/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func completionsHandler(t *testing.T, wantModel string, content string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if wantModel != "" && req.Model != wantModel {
			t.Errorf("model = %q, want %q", req.Model, wantModel)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":   req.Model,
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
			"usage":   map[string]int{"prompt_tokens": 3, "completion_tokens": 5, "total_tokens": 8},
		})
	}
}

func TestComplete(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := httptest.NewServer(completionsHandler(t, "gpt-test", "hello there"))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	resp, err := c.Complete(context.Background(), outbound.CompletionRequest{
		Model: "gpt-test", Content: "hi",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hello there" || resp.Model != "gpt-test" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestComplete_DefaultModel(t *testing.T) {
	srv := httptest.NewServer(completionsHandler(t, "fallback-model", "ok"))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger(), WithDefaultModel("fallback-model"))
	if _, err := c.Complete(context.Background(), outbound.CompletionRequest{Content: "hi"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestComplete_Upstream5xx(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	_, err := c.Complete(context.Background(), outbound.CompletionRequest{Content: "hi"})
	var ue *outbound.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if ue.Kind != outbound.Upstream5xx || ue.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("err = %+v", ue)
	}
	if calls.Load() != 1 {
		t.Errorf("5xx retried: %d calls", calls.Load())
	}
}

func TestComplete_Upstream4xxNotRetriedAndBodyKept(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad model name"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	_, err := c.Complete(context.Background(), outbound.CompletionRequest{Content: "hi"})
	var ue *outbound.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if ue.Kind != outbound.Upstream4xx || ue.StatusCode != http.StatusBadRequest {
		t.Errorf("err = %+v", ue)
	}
	if ue.Body == "" {
		t.Error("4xx body not captured")
	}
	if calls.Load() != 1 {
		t.Errorf("4xx retried: %d calls", calls.Load())
	}
}

// Connection failures are retried exactly once.
func TestComplete_RefusedRetriedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse every connection

	c := NewClient(srv.URL, testLogger())
	start := time.Now()
	_, err := c.Complete(context.Background(), outbound.CompletionRequest{Content: "hi"})
	var ue *outbound.UpstreamError
	if !errors.As(err, &ue) || ue.Kind != outbound.UpstreamRefused {
		t.Fatalf("err = %v, want refused", err)
	}
	// One backoff between the two attempts.
	if elapsed := time.Since(start); elapsed < retryBackoff {
		t.Errorf("elapsed = %v, want at least one %v backoff", elapsed, retryBackoff)
	}
}

func TestComplete_DeadlineMapsToTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Complete(ctx, outbound.CompletionRequest{Content: "hi"})
	var ue *outbound.UpstreamError
	if !errors.As(err, &ue) || ue.Kind != outbound.UpstreamTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestComplete_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	_, err := c.Complete(context.Background(), outbound.CompletionRequest{Content: "hi"})
	var ue *outbound.UpstreamError
	if !errors.As(err, &ue) || ue.Kind != outbound.Upstream5xx {
		t.Fatalf("err = %v, want http_5xx for empty choices", err)
	}
}

// Repeated failures open the breaker; further calls are refused without
// touching the upstream.
func TestComplete_BreakerOpens(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	for i := 0; i < 5; i++ {
		c.Complete(context.Background(), outbound.CompletionRequest{Content: "hi"})
	}

	before := calls.Load()
	_, err := c.Complete(context.Background(), outbound.CompletionRequest{Content: "hi"})
	var ue *outbound.UpstreamError
	if !errors.As(err, &ue) || ue.Kind != outbound.UpstreamRefused {
		t.Fatalf("err = %v, want refused from open breaker", err)
	}
	if calls.Load() != before {
		t.Error("open breaker still reached the upstream")
	}
}
