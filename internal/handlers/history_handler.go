package handlers

import (
	"context"
	"localai-backend/internal/models"
	"localai-backend/pkg/httputil"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HistoryService defines the interface expected from the history service.
type HistoryService interface {
	ListSessions(ctx context.Context) ([]models.SessionResponse, error)
	ListMessages(ctx context.Context, sessionID string) ([]models.MessageResponse, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

type HistoryHandler struct {
	historyService HistoryService
}

func NewHistoryHandler(historySvc HistoryService) *HistoryHandler {
	return &HistoryHandler{
		historyService: historySvc,
	}
}

// HandleListSessions handles GET /api/sessions
func (h *HistoryHandler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.historyService.ListSessions(r.Context())
	if err != nil {
		respondServiceError(w, "HistoryHandler", err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, sessions)
}

// HandleListMessages handles GET /api/sessions/{sessionID}/messages
func (h *HistoryHandler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.historyService.ListMessages(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, "HistoryHandler", err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, msgs)
}

// HandleDeleteSession handles DELETE /api/sessions/{sessionID}
func (h *HistoryHandler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.historyService.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondServiceError(w, "HistoryHandler", err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, models.StatusResponse{Status: "deleted"})
}
