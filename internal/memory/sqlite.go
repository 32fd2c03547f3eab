package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tandemhq/tandem/pkg/models"
)

const memorySchema = `
CREATE TABLE IF NOT EXISTS memories (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	category   TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
`

// SQLiteStore persists memories in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and bootstraps) a memory database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(memorySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Store(ctx context.Context, entry models.MemoryEntry) error {
	if entry.Key == "" || entry.Value == "" {
		return fmt.Errorf("memory entry needs key and value")
	}
	if !models.ValidMemoryCategory(entry.Category) {
		return fmt.Errorf("invalid memory category %q", entry.Category)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (key, value, category, session_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, category = excluded.category`,
		entry.Key, entry.Value, string(entry.Category), entry.SessionID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	return nil
}

// Recall loads candidate rows matching any query token and scores them
// in process, same scoring as InMemoryStore.
func (s *SQLiteStore) Recall(ctx context.Context, query string, limit int, threshold float64) (string, error) {
	if limit <= 0 {
		limit = DefaultRecallLimit
	}
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return "", nil
	}

	var clauses []string
	var args []any
	for tok := range tokens {
		clauses = append(clauses, "key LIKE ? OR value LIKE ?")
		pat := "%" + tok + "%"
		args = append(args, pat, pat)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, category, session_id, created_at FROM memories WHERE `+strings.Join(clauses, " OR "),
		args...)
	if err != nil {
		return "", fmt.Errorf("recall memories: %w", err)
	}
	defer rows.Close()

	type scored struct {
		entry models.MemoryEntry
		score float64
	}
	var hits []scored
	for rows.Next() {
		var e models.MemoryEntry
		var cat string
		if err := rows.Scan(&e.Key, &e.Value, &cat, &e.SessionID, &e.CreatedAt); err != nil {
			return "", err
		}
		e.Category = models.MemoryCategory(cat)
		if sc := score(tokens, &e); sc >= threshold && sc > 0 {
			hits = append(hits, scored{entry: e, score: sc})
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

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
