package models

import (
	"time"
)

// Session represents a conversation thread in the transcript store.
type Session struct {
	ID        string    `db:"id"`
	Title     string    `db:"title"`
	CreatedAt time.Time `db:"created_at"`
}

// Message represents a single persisted turn of a session.
// Rows are append-only; ordering is created_at then id.
type Message struct {
	ID        int64     `db:"id"`
	SessionID string    `db:"session_id"`
	Role      Role      `db:"role"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}
