// Package models contains the shared data types exchanged between the agent
// core, providers, stores, and producers.
package models

import (
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates multimodal content parts.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ContentPart is one element of a multipart message body. Image parts are
// only produced by tool results and only consumed by providers that
// advertise vision support.
type ContentPart struct {
	Type PartType `json:"type"`

	// Text is set when Type == PartText.
	Text string `json:"text,omitempty"`

	// URL holds the image location (usually a data: URL) when Type == PartImage.
	URL string `json:"url,omitempty"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult represents the output of a tool execution.
//
// Output may be a data URL for image-returning tools; callers must recognize
// the "data:image/" prefix and route such results as multimodal parts.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// IsImage reports whether the output is an inline image payload.
func (r *ToolResult) IsImage() bool {
	return strings.HasPrefix(r.Output, "data:image/")
}

// Message is a single entry in a session's conversation history.
//
// Invariant: ToolCallID is set only on tool-result messages and matches the
// ID of a tool call emitted by the immediately preceding assistant message.
type Message struct {
	ID string `json:"id,omitempty"`

	Role Role `json:"role"`

	// Content is the plain-text body. For multipart messages Parts is
	// authoritative and Content holds the concatenated text parts.
	Content string `json:"content"`

	// Parts is set only for multipart (multimodal) messages.
	Parts []ContentPart `json:"parts,omitempty"`

	// ToolCalls is set only on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-result message back to its originating call.
	ToolCallID string `json:"tool_call_id,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Text returns the plain-text view of the message body: Content when no
// parts are present, otherwise the text parts joined by newlines.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type != PartText {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// HasToolCalls reports whether the message requests tool execution.
func (m *Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// Session represents a conversation thread keyed by an opaque string such
// as "cli:default" or "channel:<id>".
type Session struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Summary   string    `json:"summary,omitempty"`
	Workspace string    `json:"workspace,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
