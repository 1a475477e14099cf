package postgres

import (
	"context"
	"errors"
	"fmt"
	"localai-backend/internal/models"
	"localai-backend/internal/store"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time check to ensure PostgresStore implements store.Store
var _ store.Store = (*PostgresStore)(nil)

const foreignKeyViolation = "23503"

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL DEFAULT 'New Conversation',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS chat_messages (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
    role       TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS chat_messages_session_idx ON chat_messages (session_id, created_at, id);
`

// EnsureSchema creates the transcript tables if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("database error creating transcript schema: %w", err)
	}
	log.Println("[PostgresStore] Transcript schema ensured.")
	return nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

// --- Session Methods ---

const insertSession = `-- name: InsertSession :exec
INSERT INTO chat_sessions (id, title, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING;
`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func ensureSession(ctx context.Context, q querier, sessionID, firstMessage string) error {
	tag, err := q.Exec(ctx, insertSession, sessionID, store.DeriveTitle(firstMessage), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("database error ensuring session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() > 0 {
		log.Printf("[PostgresStore] Created session %s", sessionID)
	}
	return nil
}

// GetOrCreateSession inserts the session row only when it is absent.
func (s *PostgresStore) GetOrCreateSession(ctx context.Context, sessionID, firstMessage string) (string, error) {
	if err := ensureSession(ctx, s.db, sessionID, firstMessage); err != nil {
		log.Printf("ERROR [PostgresStore] GetOrCreateSession: %v", err)
		return "", err
	}
	return sessionID, nil
}

const listSessions = `-- name: ListSessions :many
SELECT id, title, created_at
FROM chat_sessions
ORDER BY created_at DESC, id DESC;
`

func (s *PostgresStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.Query(ctx, listSessions)
	if err != nil {
		return nil, fmt.Errorf("error querying sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		var i models.Session
		if err := rows.Scan(&i.ID, &i.Title, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning session row: %w", err)
		}
		sessions = append(sessions, i)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return sessions, nil
}

const deleteSession = `-- name: DeleteSession :exec
DELETE FROM chat_sessions
WHERE id = $1;
`

// DeleteSession removes the session; messages go with it through ON DELETE CASCADE.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := s.db.Exec(ctx, deleteSession, sessionID)
	if err != nil {
		return fmt.Errorf("error executing delete session: %w", err)
	}
	log.Printf("[PostgresStore] DeleteSession %s: %d row(s) removed", sessionID, tag.RowsAffected())
	return nil
}

// --- Message Methods ---

const insertMessage = `-- name: InsertMessage :exec
INSERT INTO chat_messages (session_id, role, content, created_at)
VALUES ($1, $2, $3, $4);
`

func insertMessages(ctx context.Context, q querier, sessionID string, msgs []store.NewMessage) error {
	for _, m := range msgs {
		_, err := q.Exec(ctx, insertMessage, sessionID, string(m.Role), m.Content, time.Now().UTC())
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
				return fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
			}
			return fmt.Errorf("database error appending %s message to session %s: %w", m.Role, sessionID, err)
		}
	}
	return nil
}

// AppendMessage appends one message to an existing session.
// Returns store.ErrNotFound when the session does not exist.
func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID string, role models.Role, content string) error {
	return insertMessages(ctx, s.db, sessionID, []store.NewMessage{{Role: role, Content: content}})
}

// RecordMessages ensures the session exists and appends msgs atomically.
func (s *PostgresStore) RecordMessages(ctx context.Context, sessionID, firstMessage string, msgs ...store.NewMessage) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("database error starting transaction: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if err := ensureSession(ctx, tx, sessionID, firstMessage); err != nil {
		return err
	}
	if err := insertMessages(ctx, tx, sessionID, msgs); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		log.Printf("ERROR [PostgresStore] RecordMessages: commit failed for session %s: %v", sessionID, err)
		return fmt.Errorf("database error committing messages: %w", err)
	}
	return nil
}

const listMessages = `-- name: ListMessages :many
SELECT id, session_id, role, content, created_at
FROM chat_messages
WHERE session_id = $1
ORDER BY created_at ASC, id ASC;
`

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.Query(ctx, listMessages, sessionID)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var i models.Message
		var role string
		if err := rows.Scan(&i.ID, &i.SessionID, &role, &i.Content, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning message row: %w", err)
		}
		i.Role = models.Role(role)
		messages = append(messages, i)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	return messages, nil
}
