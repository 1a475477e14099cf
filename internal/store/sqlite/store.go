package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"localai-backend/internal/models"
	"localai-backend/internal/store"
	"log"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// Compile-time check to ensure SQLiteStore implements store.Store
var _ store.Store = (*SQLiteStore)(nil)

// SQLiteStore is the default host-local transcript store.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT 'New Conversation',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	role       TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_messages_session_idx ON chat_messages (session_id, created_at, id);
`

// NewSQLiteStore opens (or creates) the database file at path and initializes the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": []string{"foreign_keys(1)", "journal_mode(WAL)", "busy_timeout(5000)"},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers; SQLite allows only one at a time anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.Printf("[SQLiteStore] Opened transcript database at %s", path)
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Printf("WARN [SQLiteStore] Close: %v", err)
	}
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func ensureSession(ctx context.Context, q execer, sessionID, firstMessage string) error {
	res, err := q.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, title, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		sessionID, store.DeriveTitle(firstMessage), time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("database error ensuring session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[SQLiteStore] Created session %s", sessionID)
	}
	return nil
}

func insertMessages(ctx context.Context, q execer, sessionID string, msgs []store.NewMessage) error {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM chat_sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("database error checking session %s: %w", sessionID, err)
	}
	if exists == 0 {
		return fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}

	for _, m := range msgs {
		_, err := q.ExecContext(ctx,
			`INSERT INTO chat_messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			sessionID, string(m.Role), m.Content, time.Now().UTC().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("database error appending %s message to session %s: %w", m.Role, sessionID, err)
		}
	}
	return nil
}

// GetOrCreateSession inserts the session row only when it is absent.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, sessionID, firstMessage string) (string, error) {
	if err := ensureSession(ctx, s.db, sessionID, firstMessage); err != nil {
		log.Printf("ERROR [SQLiteStore] GetOrCreateSession: %v", err)
		return "", err
	}
	return sessionID, nil
}

// AppendMessage appends one message to an existing session.
// Returns store.ErrNotFound when the session does not exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, role models.Role, content string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertMessages(ctx, tx, sessionID, []store.NewMessage{{Role: role, Content: content}})
	})
}

// RecordMessages ensures the session exists and appends msgs atomically.
func (s *SQLiteStore) RecordMessages(ctx context.Context, sessionID, firstMessage string, msgs ...store.NewMessage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureSession(ctx, tx, sessionID, firstMessage); err != nil {
			return err
		}
		return insertMessages(ctx, tx, sessionID, msgs)
	})
}

// withTx runs fn inside a transaction and commits when it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database error starting transaction: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		log.Printf("ERROR [SQLiteStore] commit failed: %v", err)
		return fmt.Errorf("database error committing messages: %w", err)
	}
	return nil
}

// ListSessions returns every session, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at FROM chat_sessions ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("error querying sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		var i models.Session
		var created int64
		if err := rows.Scan(&i.ID, &i.Title, &created); err != nil {
			return nil, fmt.Errorf("error scanning session row: %w", err)
		}
		i.CreatedAt = time.Unix(0, created).UTC()
		sessions = append(sessions, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// ListMessages returns a session's messages, oldest first. Unknown sessions yield an empty slice.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM chat_messages
		 WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var i models.Message
		var role string
		var created int64
		if err := rows.Scan(&i.ID, &i.SessionID, &role, &i.Content, &created); err != nil {
			return nil, fmt.Errorf("error scanning message row: %w", err)
		}
		i.Role = models.Role(role)
		i.CreatedAt = time.Unix(0, created).UTC()
		messages = append(messages, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// DeleteSession removes the session and its messages in one transaction.
// The explicit message delete keeps the cascade intact even if the
// foreign_keys pragma was not applied to the connection.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("error deleting messages of session %s: %w", sessionID, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("error executing delete session: %w", err)
		}
		n, _ := res.RowsAffected()
		log.Printf("[SQLiteStore] DeleteSession %s: %d row(s) removed", sessionID, n)
		return nil
	})
}
