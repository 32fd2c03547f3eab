package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tandemhq/tandem/pkg/models"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	key        TEXT NOT NULL UNIQUE,
	summary    TEXT NOT NULL DEFAULT '',
	workspace  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	parts        TEXT,
	tool_calls   TEXT,
	tool_call_id TEXT NOT NULL DEFAULT '',
	metadata     TEXT,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
`

// SQLiteStore persists sessions in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and bootstraps) a session database at path. Use
// ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// modernc's driver is not safe for concurrent writes over multiple
	// connections.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetOrCreate(ctx context.Context, key string) (*models.Session, error) {
	sess, err := s.getByKey(ctx, key)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	now := time.Now().UTC()
	sess = &models.Session{ID: uuid.NewString(), Key: key, CreatedAt: now, UpdatedAt: now}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, key, summary, workspace, created_at, updated_at) VALUES (?, ?, '', '', ?, ?)`,
		sess.ID, sess.Key, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) getByKey(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key, summary, workspace, created_at, updated_at FROM sessions WHERE key = ?`, key)
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.Key, &sess.Summary, &sess.Workspace, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		parts, err := marshalOrNull(msg.Parts)
		if err != nil {
			return err
		}
		calls, err := marshalOrNull(msg.ToolCalls)
		if err != nil {
			return err
		}
		meta, err := marshalOrNull(msg.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, parts, tool_calls, tool_call_id, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, sessionID, string(msg.Role), msg.Content, parts, calls, msg.ToolCallID, meta, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	query := `SELECT id, role, content, parts, tool_calls, tool_call_id, metadata, created_at
	          FROM messages WHERE session_id = ? ORDER BY rowid`
	args := []any{sessionID}
	if limit > 0 {
		// Newest N, returned in chronological order.
		query = `SELECT id, role, content, parts, tool_calls, tool_call_id, metadata, created_at FROM (
		           SELECT rowid AS rid, * FROM messages WHERE session_id = ? ORDER BY rowid DESC LIMIT ?
		         ) ORDER BY rid`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var parts, calls, meta sql.NullString
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &parts, &calls, &msg.ToolCallID, &meta, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = models.Role(role)
		if err := unmarshalIfSet(parts, &msg.Parts); err != nil {
			return nil, err
		}
		if err := unmarshalIfSet(calls, &msg.ToolCalls); err != nil {
			return nil, err
		}
		if err := unmarshalIfSet(meta, &msg.Metadata); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetSummary(ctx context.Context, sessionID, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET summary = ?, updated_at = ? WHERE id = ?`, summary, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Compact(ctx context.Context, opts CompactOptions) (int, error) {
	deleted := 0
	if opts.MaxAgeDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -opts.MaxAgeDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("compact by age: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}
	if opts.MaxMessages > 0 {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM messages WHERE rowid IN (
				SELECT rid FROM (
					SELECT rowid AS rid,
					       ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY rowid DESC) AS rn
					FROM messages
				) WHERE rn > ?
			)`, opts.MaxMessages)
		if err != nil {
			return deleted, fmt.Errorf("compact by count: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}
	return deleted, nil
}

func marshalOrNull(v any) (any, error) {
	switch t := v.(type) {
	case []models.ContentPart:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.ToolCall:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message field: %w", err)
	}
	return string(b), nil
}

func unmarshalIfSet(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("decode message field: %w", err)
	}
	return nil
}
