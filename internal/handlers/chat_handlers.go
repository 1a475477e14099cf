package handlers

import (
	"context"
	"localai-backend/internal/models"
	"localai-backend/internal/services"
	"localai-backend/pkg/httputil"
	"log"
	"net/http"
)

// ChatService defines the interface expected from the chat orchestrator.
type ChatService interface {
	Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
	ChatStream(ctx context.Context, req models.ChatRequest, sink services.StreamSink) (services.StreamOutcome, error)
	ListModels(ctx context.Context) []string
}

// ChatHandlers handles chat and model catalog requests.
type ChatHandlers struct {
	chatService ChatService
}

// NewChatHandlers creates a new ChatHandlers instance.
func NewChatHandlers(chatService ChatService) *ChatHandlers {
	return &ChatHandlers{
		chatService: chatService,
	}
}

// HandleChat handles POST /api/chat. Requests with "stream": true are relayed as SSE.
func (h *ChatHandlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(w, r)
	if err != nil {
		respondServiceError(w, "ChatHandler", err)
		return
	}
	if req.Stream {
		h.stream(w, r, req)
		return
	}

	resp, err := h.chatService.Chat(r.Context(), req)
	if err != nil {
		respondServiceError(w, "ChatHandler", err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, resp)
}

// HandleChatStream handles POST /api/chat/stream.
func (h *ChatHandlers) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(w, r)
	if err != nil {
		respondServiceError(w, "ChatHandler", err)
		return
	}
	h.stream(w, r, req)
}

func (h *ChatHandlers) stream(w http.ResponseWriter, r *http.Request, req models.ChatRequest) {
	sse, err := httputil.NewSSEWriter(w)
	if err != nil {
		log.Printf("ERROR [ChatHandler] %v", err)
		httputil.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out, err := h.chatService.ChatStream(r.Context(), req, &sseSink{w: w, sse: sse})
	if err != nil {
		if !sse.Started() {
			respondServiceError(w, "ChatHandler", err)
		}
		return
	}
	log.Printf("[ChatHandler] Stream for session %q ended in state %s (%d bytes)", out.SessionID, out.State, len(out.Content))
}

// HandleListModels handles GET /api/models.
func (h *ChatHandlers) HandleListModels(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, h.chatService.ListModels(r.Context()))
}

// sseSink relays stream events to the client as Server-Sent Events.
type sseSink struct {
	w   http.ResponseWriter
	sse *httputil.SSEWriter
}

func (s *sseSink) Start(sessionID string) error {
	if sessionID != "" {
		s.w.Header().Set("X-Session-ID", sessionID)
	}
	s.sse.Start()
	return nil
}

func (s *sseSink) Fragment(fragment models.ChatResponse) error {
	return s.sse.WriteJSON(fragment)
}

func (s *sseSink) Done() error {
	return s.sse.WriteData(httputil.SSEDone)
}

func (s *sseSink) Error(detail string) error {
	return s.sse.WriteJSON(models.StreamErrorEvent{Error: detail})
}
