package store

import (
	"context"
	"errors"
	"localai-backend/internal/models"
	"strings"
	"unicode/utf8"
)

// ErrNotFound is returned when a specific record is not found.
var ErrNotFound = errors.New("record not found")

const (
	// DefaultSessionTitle is used when the first message carries no text.
	DefaultSessionTitle = "New Conversation"
	titleMaxRunes       = 40
	titleEllipsis       = "..."
)

// NewMessage is a message to be appended to a session.
type NewMessage struct {
	Role    models.Role
	Content string
}

// Store defines the interface for transcript persistence.
// Implementations must commit each mutating call transactionally before returning.
type Store interface {
	// GetOrCreateSession creates the session if absent, deriving its title from
	// firstMessage. It never modifies an existing session.
	GetOrCreateSession(ctx context.Context, sessionID, firstMessage string) (string, error)
	AppendMessage(ctx context.Context, sessionID string, role models.Role, content string) error
	// RecordMessages ensures the session exists and appends msgs in a single transaction.
	RecordMessages(ctx context.Context, sessionID, firstMessage string, msgs ...NewMessage) error

	// ListSessions returns sessions newest first.
	ListSessions(ctx context.Context) ([]models.Session, error)
	// ListMessages returns a session's messages oldest first.
	ListMessages(ctx context.Context, sessionID string) ([]models.Message, error)
	// DeleteSession removes the session and all its messages. Deleting an
	// unknown id is not an error.
	DeleteSession(ctx context.Context, sessionID string) error

	Close()
}

// DeriveTitle builds a session title from the first user message:
// the first 40 characters, followed by an ellipsis when truncated.
func DeriveTitle(firstMessage string) string {
	text := strings.TrimSpace(firstMessage)
	if text == "" {
		return DefaultSessionTitle
	}
	if utf8.RuneCountInString(text) <= titleMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:titleMaxRunes]) + titleEllipsis
}
