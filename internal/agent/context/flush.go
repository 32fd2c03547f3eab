package context

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tandemhq/tandem/internal/agent/providers"
	"github.com/tandemhq/tandem/pkg/models"
)

// DefaultFlushMaxEntries caps how many facts one flush may emit.
const DefaultFlushMaxEntries = 8

// recallPrefix tags system messages that carry recalled memories; those
// stay visible to the flush extractor, other system messages are skipped.
const recallPrefix = "[Recalled memories relevant to this message:"

// RecallMessage renders recalled memory snippets as a leading system
// message for the turn.
func RecallMessage(snippets string) models.Message {
	return models.Message{
		Role:    models.RoleSystem,
		Content: recallPrefix + " " + snippets + "]",
	}
}

// Flusher extracts durable structured facts from messages that are about
// to be dropped by context fitting, so literal values (paths, IDs, error
// messages) survive compaction. It is an extractor, not a summarizer: on
// any upstream failure it returns nothing rather than guessing.
type Flusher struct {
	provider   providers.Provider
	maxEntries int
	logger     *slog.Logger
}

// NewFlusher wraps a provider. maxEntries <= 0 selects the default cap.
func NewFlusher(p providers.Provider, maxEntries int) *Flusher {
	if maxEntries <= 0 {
		maxEntries = DefaultFlushMaxEntries
	}
	return &Flusher{provider: p, maxEntries: maxEntries, logger: slog.Default()}
}

const flushInstruction = `Extract durable facts from the conversation below as a JSON array.
Each element: {"key": "snake_case_identifier", "value": "1-3 sentences", "category": "fact"|"preference"|"decision"|"project"|"entity"}.
Only include facts worth remembering across sessions. Reply with the JSON array only.`

// Flush runs the extraction over the dropped messages. System messages are
// skipped except memory recalls; tool results stay in because they often
// carry the concrete values worth preserving.
func (f *Flusher) Flush(ctx context.Context, dropped []models.Message) []models.MemoryEntry {
	if f.provider == nil || len(dropped) == 0 {
		return nil
	}

	var transcript strings.Builder
	for _, m := range dropped {
		if m.Role == models.RoleSystem && !strings.HasPrefix(m.Content, recallPrefix) {
			continue
		}
		transcript.WriteString(buildTranscript([]models.Message{m}))
	}
	if transcript.Len() == 0 {
		return nil
	}

	resp, err := f.provider.Chat(ctx, &providers.ChatRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: flushInstruction},
			{Role: models.RoleUser, Content: transcript.String()},
		},
		Temperature: 0,
		MaxTokens:   1024,
	})
	if err != nil {
		f.logger.Warn("memory flush failed", "error", err)
		return nil
	}
	return ParseFlushPayload(resp.Content, f.maxEntries)
}

// rawFlushEntry decodes loosely; validation happens after.
type rawFlushEntry struct {
	Key      any `json:"key"`
	Value    any `json:"value"`
	Category any `json:"category"`
}

var (
	codeFenceRe    = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	bracketMatchRe = regexp.MustCompile(`(?s)\[.*\]`)
	keyInvalidRe   = regexp.MustCompile(`[^a-z0-9_]+`)
	keyCollapseRe  = regexp.MustCompile(`_+`)
)

// ParseFlushPayload parses the model's reply into validated entries.
// It strips code fences, tries a direct parse, falls back to the first
// bracketed match, drops entries with missing or non-string fields or an
// unknown category, sanitizes keys, and caps the result. Anything
// unparseable yields an empty list.
func ParseFlushPayload(raw string, maxEntries int) []models.MemoryEntry {
	if maxEntries <= 0 {
		maxEntries = DefaultFlushMaxEntries
	}

	text := strings.TrimSpace(raw)
	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	var rows []rawFlushEntry
	if err := json.Unmarshal([]byte(text), &rows); err != nil {
		match := bracketMatchRe.FindString(text)
		if match == "" {
			return nil
		}
		if err := json.Unmarshal([]byte(match), &rows); err != nil {
			return nil
		}
	}

	var entries []models.MemoryEntry
	for _, row := range rows {
		key, kok := row.Key.(string)
		value, vok := row.Value.(string)
		category, cok := row.Category.(string)
		if !kok || !vok || !cok {
			continue
		}
		if !models.ValidMemoryCategory(models.MemoryCategory(category)) {
			continue
		}
		key = SanitizeKey(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		entries = append(entries, models.MemoryEntry{
			Key:      key,
			Value:    value,
			Category: models.MemoryCategory(category),
		})
		if len(entries) == maxEntries {
			break
		}
	}
	return entries
}

// SanitizeKey normalizes a key to lowercase snake_case: invalid runs
// become single underscores, edges are trimmed, length capped at 100.
func SanitizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	key = keyInvalidRe.ReplaceAllString(key, "_")
	key = keyCollapseRe.ReplaceAllString(key, "_")
	key = strings.Trim(key, "_")
	if len(key) > 100 {
		key = key[:100]
	}
	return key
}
