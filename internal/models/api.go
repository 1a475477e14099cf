package models

import (
	"strings"
	"time"
)

// --- Request Structs ---

// ChatRequest defines the expected body for the chat endpoints.
type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	SessionID *string       `json:"session_id,omitempty"`
	Stream    bool          `json:"stream"`
}

// Session returns the trimmed session id, or "" when the caller did not supply one.
func (r ChatRequest) Session() string {
	if r.SessionID == nil {
		return ""
	}
	return strings.TrimSpace(*r.SessionID)
}

// LastContent returns the content of the final turn, which is treated as the user query.
func (r ChatRequest) LastContent() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// --- Response Structs ---

// ChatResponse is the canonical reply shape, both for complete replies and
// for individual stream fragments.
type ChatResponse struct {
	Model              string      `json:"model"`
	CreatedAt          string      `json:"created_at"`
	Message            ChatMessage `json:"message"`
	Done               bool        `json:"done"`
	TotalDuration      *int64      `json:"total_duration,omitempty"`
	LoadDuration       *int64      `json:"load_duration,omitempty"`
	PromptEvalCount    *int64      `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration *int64      `json:"prompt_eval_duration,omitempty"`
	EvalCount          *int64      `json:"eval_count,omitempty"`
	EvalDuration       *int64      `json:"eval_duration,omitempty"`
}

// ErrorResponse defines the standard structure for API errors.
// Detail duplicates Error for clients that read the `detail` key.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// StreamErrorEvent is the in-band payload emitted when a stream fails.
type StreamErrorEvent struct {
	Error string `json:"error"`
}

// SessionResponse defines the representation of a session in API responses.
type SessionResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageResponse defines the representation of a transcript message in API responses.
type MessageResponse struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusResponse is returned by endpoints that only acknowledge an action.
type StatusResponse struct {
	Status string `json:"status"`
}

// FragmentStream is a lazy, finite, one-shot sequence of reply fragments.
// Next advances to the following fragment and returns false once the stream
// is exhausted or failed; Err reports the failure, if any.
type FragmentStream interface {
	Next() bool
	Fragment() ChatResponse
	Err() error
	Close() error
}

// NewSessionResponse maps a DB session to its API DTO.
func NewSessionResponse(s Session) SessionResponse {
	return SessionResponse{ID: s.ID, Title: s.Title, CreatedAt: s.CreatedAt}
}

// NewMessageResponse maps a DB message to its API DTO.
func NewMessageResponse(m Message) MessageResponse {
	return MessageResponse{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
}
