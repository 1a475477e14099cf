package services

import (
	"context"
	"fmt"
	"localai-backend/internal/models"
	"localai-backend/internal/store"
	"log"
	"strings"
)

// HistoryService exposes stored conversations.
type HistoryService struct {
	store  store.Store
	memory MemoryIndex
}

// NewHistoryService creates a new HistoryService.
func NewHistoryService(st store.Store, memory MemoryIndex) *HistoryService {
	return &HistoryService{store: st, memory: memory}
}

// ListSessions returns all sessions, newest first.
func (s *HistoryService) ListSessions(ctx context.Context) ([]models.SessionResponse, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	resp := make([]models.SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, models.NewSessionResponse(sess))
	}
	return resp, nil
}

// ListMessages returns the transcript of a session, oldest first.
// An unknown session yields an empty list.
func (s *HistoryService) ListMessages(ctx context.Context, sessionID string) ([]models.MessageResponse, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	msgs, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for session %s: %w", sessionID, err)
	}
	resp := make([]models.MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, models.NewMessageResponse(m))
	}
	return resp, nil
}

// DeleteSession removes a session, its messages and its memory records.
// Deleting an unknown session is not an error.
func (s *HistoryService) DeleteSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrValidation)
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	// A failed purge leaves memory records without a transcript until retried.
	if err := s.memory.DeleteSession(ctx, sessionID); err != nil {
		log.Printf("ERROR [HistoryService] Session %s deleted but memory purge failed: %v", sessionID, err)
		return fmt.Errorf("failed to purge memory for session %s: %w", sessionID, err)
	}
	log.Printf("[HistoryService] Deleted session %s", sessionID)
	return nil
}
