package providers

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrorKind classifies a provider failure for retry and key-rotation policy.
type ErrorKind string

const (
	// KindRateLimit indicates throttling or quota exhaustion. Retryable.
	KindRateLimit ErrorKind = "rate_limit"

	// KindAuth indicates a rejected credential. Not retryable with the
	// same key; the pool may rotate to another.
	KindAuth ErrorKind = "auth"

	// KindContextOverflow indicates the prompt exceeded the model's
	// context window. The loop refits and retries once.
	KindContextOverflow ErrorKind = "context_overflow"

	// KindTransient indicates a server or network fault. Retryable.
	KindTransient ErrorKind = "transient"

	// KindNonRetryable indicates billing or payment failure. Fails fast.
	KindNonRetryable ErrorKind = "non_retryable"
)

// Classification patterns, checked in order. First match wins; anything
// unmatched is treated as transient.
var kindPatterns = []struct {
	kind ErrorKind
	re   *regexp.Regexp
}{
	{KindRateLimit, regexp.MustCompile(`(?i)429|rate limit|too many requests|quota|overloaded`)},
	{KindAuth, regexp.MustCompile(`(?i)401|403|unauthorized|forbidden|invalid api key|authentication`)},
	{KindContextOverflow, regexp.MustCompile(`(?i)context.?(length|window|limit)|too many tokens|maximum tokens|context_length_exceeded`)},
	{KindNonRetryable, regexp.MustCompile(`(?i)billing|payment|insufficient funds`)},
	{KindTransient, regexp.MustCompile(`(?i)50[0-4]|internal server error|bad gateway|service unavailable|gateway timeout|econnrefused|econnreset|etimedout|enotfound|network|fetch failed|socket`)},
}

// Classify maps an error message to an ErrorKind.
func Classify(msg string) ErrorKind {
	for _, p := range kindPatterns {
		if p.re.MatchString(msg) {
			return p.kind
		}
	}
	return KindTransient
}

// ClassifyErr is Classify over an error's full message chain.
func ClassifyErr(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Classify(err.Error())
}

// IsRetryable reports whether a kind is worth retrying against the same
// credential.
func IsRetryable(kind ErrorKind) bool {
	return kind == KindRateLimit || kind == KindTransient
}

// RetryDelay returns the backoff before retry attempt (0-based).
func RetryDelay(kind ErrorKind, attempt int) time.Duration {
	switch kind {
	case KindRateLimit:
		d := 2 * time.Second * time.Duration(attempt+1)
		if d > 10*time.Second {
			d = 10 * time.Second
		}
		return d
	case KindTransient:
		return time.Second * time.Duration(1<<attempt)
	default:
		return 0
	}
}

// ProviderError carries a classified provider failure with enough context
// for logging and key-pool decisions.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// WithStatus attaches the HTTP status code.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	return e
}

// WithModel attaches the model identifier.
func (e *ProviderError) WithModel(model string) *ProviderError {
	e.Model = model
	return e
}

// NewProviderError classifies message and builds the error.
func NewProviderError(provider, message string, cause error) *ProviderError {
	return &ProviderError{
		Kind:     Classify(message),
		Provider: provider,
		Message:  message,
		Cause:    cause,
	}
}

// AsProviderError extracts a *ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ContextSizeError is raised when the backend reports that the prompt
// exceeded the model's context window. The loop tightens its output
// reserve and refits once.
type ContextSizeError struct {
	PromptTokens int
	ContextSize  int
}

func (e *ContextSizeError) Error() string {
	return fmt.Sprintf("prompt of %d tokens exceeds context size %d", e.PromptTokens, e.ContextSize)
}

// IsContextSize reports whether err is (or wraps) a ContextSizeError.
func IsContextSize(err error) (*ContextSizeError, bool) {
	var ce *ContextSizeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// promptTooLongRe matches overflow reports of the form
// "prompt is too long: 123456 tokens > 100000 maximum".
var promptTooLongRe = regexp.MustCompile(`(\d+)\s+tokens?\s*>\s*(\d+)`)

// parseOverflow pulls prompt/context token counts out of an overflow
// message when the backend includes them.
func parseOverflow(msg string) (promptTokens, contextSize int) {
	m := promptTooLongRe.FindStringSubmatch(msg)
	if len(m) != 3 {
		return 0, 0
	}
	fmt.Sscanf(m[1], "%d", &promptTokens)
	fmt.Sscanf(m[2], "%d", &contextSize)
	return promptTokens, contextSize
}
