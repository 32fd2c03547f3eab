// Package memory stores durable facts extracted from conversations and
// recalls them by keyword relevance.
package memory

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tandemhq/tandem/pkg/models"
)

// DefaultRecallLimit bounds how many entries a recall returns.
const DefaultRecallLimit = 5

// DefaultRecallThreshold is the minimum relevance score for a recall hit.
const DefaultRecallThreshold = 0.2

// Store persists and recalls memory entries. The agent core tolerates a
// nil Store.
type Store interface {
	// Recall returns snippets relevant to query joined by newlines, or
	// "" when nothing scores at or above threshold.
	Recall(ctx context.Context, query string, limit int, threshold float64) (string, error)

	// Store upserts an entry by key.
	Store(ctx context.Context, entry models.MemoryEntry) error
}

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		if len(tok) > 2 {
			out[tok] = struct{}{}
		}
	}
	return out
}

// score is the fraction of query tokens present in the entry's key and
// value.
func score(query map[string]struct{}, entry *models.MemoryEntry) float64 {
	if len(query) == 0 {
		return 0
	}
	text := tokenize(entry.Key + " " + entry.Value)
	hits := 0
	for tok := range query {
		if _, ok := text[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

func snippet(e *models.MemoryEntry) string {
	return strings.ReplaceAll(e.Key, "_", " ") + ": " + e.Value
}

// InMemoryStore is a map-backed Store for tests and ephemeral runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]models.MemoryEntry
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: map[string]models.MemoryEntry{}}
}

func (s *InMemoryStore) Store(_ context.Context, entry models.MemoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.entries[entry.Key] = entry
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Recall(_ context.Context, query string, limit int, threshold float64) (string, error) {
	if limit <= 0 {
		limit = DefaultRecallLimit
	}
	tokens := tokenize(query)

	s.mu.RLock()
	type scored struct {
		entry models.MemoryEntry
		score float64
	}
	var hits []scored
	for _, e := range s.entries {
		if sc := score(tokens, &e); sc >= threshold && sc > 0 {
			hits = append(hits, scored{entry: e, score: sc})
		}
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].entry.Key < hits[j].entry.Key
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = snippet(&h.entry)
	}
	return strings.Join(parts, "\n"), nil
}
