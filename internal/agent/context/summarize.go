package context

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tandemhq/tandem/internal/agent/providers"
	"github.com/tandemhq/tandem/pkg/models"
)

// SummaryMetadataKey marks synthetic summary messages in a session so
// later passes can find and replace them instead of stacking summaries.
const SummaryMetadataKey = "tandem_summary"

// summaryLabel heads the injected system message.
const summaryLabel = "Conversation summary — earlier messages were compacted"

// maxSummaryInputChars bounds how much transcript one summarization call
// sees; beyond this the oldest lines are cut from the prompt.
const maxSummaryInputChars = 24000

// Summarizer compresses a dropped message prefix into a short textual
// summary. A provider failure never loses the turn: it falls back to an
// extractive summary built from user messages and tool-call names.
type Summarizer struct {
	provider providers.Provider
	logger   *slog.Logger
}

// NewSummarizer wraps a provider, typically the local one.
func NewSummarizer(p providers.Provider) *Summarizer {
	return &Summarizer{provider: p, logger: slog.Default()}
}

// Summarize compresses msgs, folding in an existing running summary when
// present. The result is suitable for SummaryMessage.
func (s *Summarizer) Summarize(ctx context.Context, msgs []models.Message, existing string) string {
	if len(msgs) == 0 {
		return existing
	}

	transcript := buildTranscript(msgs)
	var prompt strings.Builder
	prompt.WriteString("Summarize the following conversation into a short bullet list. ")
	prompt.WriteString("Keep decisions, facts, file paths, and open tasks. Reply with bullets only.\n\n")
	if existing != "" {
		prompt.WriteString("Existing summary of even earlier conversation:\n")
		prompt.WriteString(existing)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("Conversation:\n")
	prompt.WriteString(transcript)

	if s.provider != nil {
		resp, err := s.provider.Chat(ctx, &providers.ChatRequest{
			Messages: []models.Message{
				{Role: models.RoleSystem, Content: "You compress conversations into terse bullet summaries."},
				{Role: models.RoleUser, Content: prompt.String()},
			},
			Temperature: 0.2,
			MaxTokens:   512,
		})
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			return strings.TrimSpace(resp.Content)
		}
		if err != nil {
			s.logger.Warn("summarization failed, using extractive fallback", "error", err)
		}
	}
	return extractiveSummary(msgs, existing)
}

// SummaryMessage renders a summary as the leading synthetic system message.
func SummaryMessage(summary string) models.Message {
	return models.Message{
		Role:     models.RoleSystem,
		Content:  summaryLabel + ":\n" + summary,
		Metadata: map[string]string{SummaryMetadataKey: "true"},
	}
}

// IsSummaryMessage reports whether m is a synthetic summary.
func IsSummaryMessage(m *models.Message) bool {
	return m.Metadata[SummaryMetadataKey] == "true"
}

// buildTranscript renders messages as "[role]: content" lines, tool calls
// as "[Called tool: name]", abbreviating long bodies.
func buildTranscript(msgs []models.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch {
		case m.Role == models.RoleTool:
			fmt.Fprintf(&b, "[tool %s]: %s\n", m.ToolCallID, abbreviate(m.Content, 300))
		case m.HasToolCalls():
			if m.Content != "" {
				fmt.Fprintf(&b, "[assistant]: %s\n", abbreviate(m.Content, 500))
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "[Called tool: %s]\n", tc.Name)
			}
		default:
			fmt.Fprintf(&b, "[%s]: %s\n", m.Role, abbreviate(m.Text(), 500))
		}
	}
	t := b.String()
	if len(t) > maxSummaryInputChars {
		t = t[len(t)-maxSummaryInputChars:]
	}
	return t
}

// extractiveSummary is the no-provider fallback: user messages and tool
// names, one bullet each.
func extractiveSummary(msgs []models.Message, existing string) string {
	var b strings.Builder
	if existing != "" {
		b.WriteString(existing)
		b.WriteString("\n")
	}
	for _, m := range msgs {
		switch {
		case m.Role == models.RoleUser:
			text := strings.TrimSpace(m.Text())
			if text == "" || strings.HasPrefix(text, "[Earlier conversation trimmed") {
				continue
			}
			fmt.Fprintf(&b, "- user asked: %s\n", abbreviate(text, 120))
		case m.HasToolCalls():
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "- ran tool: %s\n", tc.Name)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func abbreviate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
