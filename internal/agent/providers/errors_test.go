package providers

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"HTTP 429 Too Many Requests", KindRateLimit},
		{"rate limit exceeded", KindRateLimit},
		{"monthly quota reached", KindRateLimit},
		{"Overloaded", KindRateLimit},
		{"401 Unauthorized", KindAuth},
		{"invalid api key provided", KindAuth},
		{"authentication failed", KindAuth},
		{"context length exceeded", KindContextOverflow},
		{"context_length_exceeded", KindContextOverflow},
		{"request has too many tokens", KindContextOverflow},
		{"billing account suspended", KindNonRetryable},
		{"payment required", KindNonRetryable},
		{"insufficient funds", KindNonRetryable},
		{"503 Service Unavailable", KindTransient},
		{"bad gateway", KindTransient},
		{"dial tcp: ECONNREFUSED", KindTransient},
		{"fetch failed", KindTransient},
		{"something novel happened", KindTransient},
	}
	for _, tc := range cases {
		if got := Classify(tc.msg); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(KindRateLimit) || !IsRetryable(KindTransient) {
		t.Error("rate_limit and transient must be retryable")
	}
	if IsRetryable(KindAuth) || IsRetryable(KindNonRetryable) || IsRetryable(KindContextOverflow) {
		t.Error("auth, non_retryable, context_overflow must not be retryable")
	}
}

func TestRetryDelay(t *testing.T) {
	if got := RetryDelay(KindRateLimit, 0); got != 2*time.Second {
		t.Errorf("rate_limit attempt 0 = %v", got)
	}
	if got := RetryDelay(KindRateLimit, 9); got != 10*time.Second {
		t.Errorf("rate_limit delay not capped: %v", got)
	}
	if got := RetryDelay(KindTransient, 2); got != 4*time.Second {
		t.Errorf("transient attempt 2 = %v", got)
	}
	if got := RetryDelay(KindAuth, 0); got != 0 {
		t.Errorf("auth delay = %v, want 0", got)
	}
}

func TestProviderErrorChain(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	pe := NewProviderError("local", "ECONNREFUSED talking to backend", cause).WithModel("qwen2.5")
	if pe.Kind != KindTransient {
		t.Fatalf("kind = %s", pe.Kind)
	}
	wrapped := fmt.Errorf("chat: %w", pe)
	got, ok := AsProviderError(wrapped)
	if !ok || got.Kind != KindTransient {
		t.Fatalf("AsProviderError failed on wrapped error")
	}
	if ClassifyErr(wrapped) != KindTransient {
		t.Error("ClassifyErr did not use embedded kind")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestContextSizeError(t *testing.T) {
	err := fmt.Errorf("provider: %w", &ContextSizeError{PromptTokens: 120000, ContextSize: 100000})
	ce, ok := IsContextSize(err)
	if !ok {
		t.Fatal("IsContextSize = false")
	}
	if ce.PromptTokens != 120000 || ce.ContextSize != 100000 {
		t.Errorf("fields lost: %+v", ce)
	}
}

func TestParseOverflow(t *testing.T) {
	p, c := parseOverflow("prompt is too long: 123456 tokens > 100000 maximum")
	if p != 123456 || c != 100000 {
		t.Errorf("parseOverflow = %d, %d", p, c)
	}
	p, c = parseOverflow("no numbers here")
	if p != 0 || c != 0 {
		t.Errorf("expected zeros, got %d, %d", p, c)
	}
}
