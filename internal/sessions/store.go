package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandemhq/tandem/pkg/models"
)

// ErrNotFound reports a missing session.
var ErrNotFound = errors.New("session not found")

// CompactOptions bounds retained history during Compact.
type CompactOptions struct {
	// MaxAgeDays deletes messages older than this many days. Zero keeps
	// everything regardless of age.
	MaxAgeDays int

	// MaxMessages keeps at most this many newest messages per session.
	// Zero keeps everything.
	MaxMessages int
}

// Store is the interface for conversation persistence. The agent core
// tolerates a nil Store.
type Store interface {
	// GetOrCreate returns the session for key, creating it on first use.
	GetOrCreate(ctx context.Context, key string) (*models.Session, error)

	// Append atomically adds msgs to the session's history. Either all
	// messages land or none do.
	Append(ctx context.Context, sessionID string, msgs []models.Message) error

	// History returns the newest messages in chronological order.
	// limit <= 0 returns everything.
	History(ctx context.Context, sessionID string, limit int) ([]models.Message, error)

	// SetSummary replaces the session's running summary.
	SetSummary(ctx context.Context, sessionID, summary string) error

	// Delete removes the session and its messages.
	Delete(ctx context.Context, sessionID string) error

	// Compact prunes old history and returns the number of deleted
	// messages.
	Compact(ctx context.Context, opts CompactOptions) (int, error)
}

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byKey    map[string]string
	messages map[string][]models.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		byKey:    map[string]string{},
		messages: map[string][]models.Message{},
	}
}

func (m *MemoryStore) GetOrCreate(_ context.Context, key string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[key]; ok {
		s := *m.sessions[id]
		return &s, nil
	}
	now := time.Now()
	s := &models.Session{ID: uuid.NewString(), Key: key, CreatedAt: now, UpdatedAt: now}
	m.sessions[s.ID] = s
	m.byKey[key] = s.ID
	out := *s
	return &out, nil
}

func (m *MemoryStore) Append(_ context.Context, sessionID string, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		m.messages[sessionID] = append(m.messages[sessionID], msg)
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) History(_ context.Context, sessionID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *MemoryStore) SetSummary(_ context.Context, sessionID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Summary = summary
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	delete(m.byKey, s.Key)
	delete(m.messages, sessionID)
	return nil
}

func (m *MemoryStore) Compact(_ context.Context, opts CompactOptions) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cutoff time.Time
	if opts.MaxAgeDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -opts.MaxAgeDays)
	}
	deleted := 0
	for id, msgs := range m.messages {
		kept := msgs[:0:0]
		for _, msg := range msgs {
			if !cutoff.IsZero() && msg.CreatedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, msg)
		}
		if opts.MaxMessages > 0 && len(kept) > opts.MaxMessages {
			deleted += len(kept) - opts.MaxMessages
			kept = kept[len(kept)-opts.MaxMessages:]
		}
		m.messages[id] = kept
	}
	return deleted, nil
}
