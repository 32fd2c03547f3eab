// Package providers implements the LLM backend adapters: a local
// OpenAI-compatible server speaking the tool-call marker protocol, a remote
// Anthropic adapter with native tool use, and a key-pool wrapper that
// rotates credentials across calls.
package providers

import (
	"context"
	"encoding/json"

	"github.com/tandemhq/tandem/pkg/models"
)

// Provider is the uniform chat contract over local and remote backends.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple goroutines may
// call Chat() simultaneously for different requests.
type Provider interface {
	// Chat sends a completion request and returns the full response.
	// Streaming consumers receive tokens through req.OnToken as they
	// arrive; the returned response always carries the complete content.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider name (e.g. "local", "anthropic").
	Name() string

	// Model returns the model identifier this provider targets.
	Model() string

	// ContextWindow returns the model's context size in tokens.
	ContextWindow() int

	// SupportsVision reports whether the model accepts image content parts.
	SupportsVision() bool
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ChatRequest carries everything needed for one completion call.
type ChatRequest struct {
	// Messages is the fitted conversation, system prompt included as a
	// leading system message.
	Messages []models.Message

	// Tools the model may call. Empty disables tool use.
	Tools []ToolDefinition

	Temperature float32

	// MaxTokens limits the generated output. Zero means provider default.
	MaxTokens int

	// ThinkingBudget enables extended thinking on providers that support
	// it, with the given token budget. Zero disables thinking.
	ThinkingBudget int

	// OnToken, when set, receives response text incrementally. Tool-call
	// markers are never forwarded here.
	OnToken func(text string)

	// OnThinking, when set, receives thinking/reasoning text incrementally.
	OnThinking func(text string)
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse is the outcome of one completion call.
type ChatResponse struct {
	// Content is the assistant text with any tool-call markers removed.
	Content string

	// ToolCalls requested by the model, in emission order.
	ToolCalls []models.ToolCall

	Usage Usage

	// Model that actually served the request.
	Model string

	// Thinking holds the accumulated reasoning trace, if any.
	Thinking string
}
