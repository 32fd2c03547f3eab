// Package context keeps a session's conversation inside the model's
// window: estimating per-message token costs, trimming old turns without
// splitting tool-call groups, truncating oversize tool results, and
// compressing dropped prefixes into summaries and durable memory entries.
package context

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tandemhq/tandem/internal/agent/providers"
	"github.com/tandemhq/tandem/internal/tokenizer"
	"github.com/tandemhq/tandem/pkg/models"
)

// Per-message estimation constants. These shadow the provider-side
// realities closely enough for budgeting; exact counts come back in usage.
const (
	messageOverheadTokens  = 4
	imagePartTokens        = 1000
	toolCallOverheadTokens = 15
	toolCallIDTokens       = 5
)

// TrimNotice renders the synthetic user message inserted when older turns
// were dropped.
func TrimNotice(omitted int) string {
	return fmt.Sprintf("[Earlier conversation trimmed to fit context window — %d messages omitted]", omitted)
}

// FitConfig bounds one fitting pass.
type FitConfig struct {
	ContextLength    int
	ReserveForOutput int

	// MaxToolResultTokens caps any single tool result; overflow is cut and
	// replaced with a truncation marker for this request only.
	MaxToolResultTokens int

	// Counter, when set, counts the system prompt exactly. Per-message
	// costs always use the estimator; the prompt is the piece large and
	// stable enough to be worth an exact (cached) count.
	Counter tokenizer.Counter
}

// FitResult is the outcome of one fitting pass.
type FitResult struct {
	// Messages fit the window, newest-biased, never reordered.
	Messages []models.Message

	// Dropped holds the trimmed prefix, oldest first, for summarization
	// and memory flushing.
	Dropped []models.Message

	// TruncatedResults counts tool results cut down during this pass.
	TruncatedResults int

	// EstimatedTokens is the estimated cost of Messages.
	EstimatedTokens int
}

// Trimmed reports whether any messages were dropped.
func (r *FitResult) Trimmed() bool { return len(r.Dropped) > 0 }

// MessageTokens estimates one message's cost: text at the estimator ratio
// plus a flat overhead, 1000 per image part, ~15 plus argument text per
// tool call, 5 for a tool-call-id field.
func MessageTokens(m *models.Message) int {
	n := messageOverheadTokens
	if len(m.Parts) > 0 {
		for _, p := range m.Parts {
			if p.Type == models.PartImage {
				n += imagePartTokens
			} else {
				n += tokenizer.Estimate(p.Text)
			}
		}
	} else {
		n += tokenizer.Estimate(m.Content)
	}
	for _, tc := range m.ToolCalls {
		n += toolCallOverheadTokens + tokenizer.Estimate(tc.Name+toolCallArgsText(tc))
	}
	if m.ToolCallID != "" {
		n += toolCallIDTokens
	}
	return n
}

func toolCallArgsText(tc models.ToolCall) string {
	if len(tc.Arguments) == 0 {
		return ""
	}
	b, err := json.Marshal(tc.Arguments)
	if err != nil {
		return ""
	}
	return string(b)
}

// DefinitionTokens estimates the cost of advertising the given tools.
func DefinitionTokens(defs []providers.ToolDefinition) int {
	n := 0
	for _, d := range defs {
		n += tokenizer.Estimate(d.Name+d.Description) + tokenizer.Estimate(string(d.Schema))
	}
	return n
}

// Fit selects a suffix of messages that, together with the system prompt
// and tool definitions, is estimated to fit within
// ContextLength - ReserveForOutput tokens.
//
// Atomic groups (an assistant message carrying tool calls plus its trailing
// run of tool results) are kept or dropped whole. The newest user message
// is always kept, budget or not. When anything is dropped a trimming
// notice is prepended. Input messages are never mutated; truncation copies.
func Fit(ctx context.Context, systemPrompt string, msgs []models.Message, defs []providers.ToolDefinition, cfg FitConfig) *FitResult {
	system := tokenizer.Estimate(systemPrompt)
	if cfg.Counter != nil {
		system = cfg.Counter.Count(ctx, systemPrompt)
	}
	baseline := system + DefinitionTokens(defs)
	budget := cfg.ContextLength - cfg.ReserveForOutput - baseline

	if budget <= 0 {
		return emergencyFit(msgs)
	}

	working, truncated := truncateToolResults(msgs, cfg.MaxToolResultTokens)
	groups := groupMessages(working)

	// Walk groups newest to oldest, keeping while the budget holds.
	kept := len(groups)
	total := 0
	for i := len(groups) - 1; i >= 0; i-- {
		cost := 0
		for j := range groups[i] {
			cost += MessageTokens(&groups[i][j])
		}
		if total+cost > budget {
			break
		}
		total += cost
		kept = i
	}

	if kept == len(groups) {
		// Not even the newest group fits. The emergency rule still keeps
		// the newest user message.
		return emergencyFit(msgs)
	}

	// The newest user message is kept unconditionally, budget or not. User
	// messages are always singleton groups, so forcing one back in never
	// splits a tool-call group.
	lastUser := -1
	for i := len(groups) - 1; i >= 0; i-- {
		if groups[i][0].Role == models.RoleUser {
			lastUser = i
			break
		}
	}
	forced := -1
	if lastUser >= 0 && lastUser < kept {
		forced = lastUser
	}

	var fitted []models.Message
	if forced >= 0 {
		fitted = append(fitted, groups[forced]...)
		total += MessageTokens(&groups[forced][0])
	}
	for _, g := range groups[kept:] {
		fitted = append(fitted, g...)
	}

	res := &FitResult{
		Messages:         fitted,
		TruncatedResults: truncated,
		EstimatedTokens:  total,
	}
	for i, g := range groups[:kept] {
		if i == forced {
			continue
		}
		res.Dropped = append(res.Dropped, g...)
	}
	if len(res.Dropped) > 0 {
		notice := models.Message{Role: models.RoleUser, Content: TrimNotice(len(res.Dropped))}
		res.Messages = append([]models.Message{notice}, res.Messages...)
		res.EstimatedTokens += MessageTokens(&notice)
	}
	return res
}

// emergencyFit keeps only the newest user message.
func emergencyFit(msgs []models.Message) *FitResult {
	idx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			idx = i
			break
		}
	}
	res := &FitResult{}
	if idx < 0 {
		// No user message at all; nothing sensible to keep.
		res.Dropped = append(res.Dropped, msgs...)
		return res
	}
	keep := msgs[idx]
	for i, m := range msgs {
		if i != idx {
			res.Dropped = append(res.Dropped, m)
		}
	}
	res.Messages = []models.Message{keep}
	res.EstimatedTokens = MessageTokens(&keep)
	if len(res.Dropped) > 0 {
		notice := models.Message{Role: models.RoleUser, Content: TrimNotice(len(res.Dropped))}
		res.Messages = append([]models.Message{notice}, res.Messages...)
		res.EstimatedTokens += MessageTokens(&notice)
	}
	return res
}

// groupMessages splits the list into atomic groups. An assistant message
// with tool calls glues to its trailing tool results; everything else is
// its own group.
func groupMessages(msgs []models.Message) [][]models.Message {
	var groups [][]models.Message
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role == models.RoleAssistant && m.HasToolCalls() {
			j := i + 1
			for j < len(msgs) && msgs[j].Role == models.RoleTool {
				j++
			}
			groups = append(groups, msgs[i:j])
			i = j - 1
			continue
		}
		groups = append(groups, msgs[i:i+1])
	}
	return groups
}

// truncateToolResults caps oversize tool-result contents, copy-on-write.
// The persisted history keeps the full output; only this request shrinks.
func truncateToolResults(msgs []models.Message, maxTokens int) ([]models.Message, int) {
	if maxTokens <= 0 {
		return msgs, 0
	}
	maxChars := int(float64(maxTokens) * 3.5)
	truncated := 0
	out := msgs
	copied := false
	for i, m := range msgs {
		if m.Role != models.RoleTool || len(m.Content) <= maxChars {
			continue
		}
		if !copied {
			out = make([]models.Message, len(msgs))
			copy(out, msgs)
			copied = true
		}
		omitted := len(m.Content) - maxChars
		out[i].Content = m.Content[:maxChars] + fmt.Sprintf("\n[Output truncated: %d bytes omitted]", omitted)
		truncated++
	}
	return out, truncated
}
