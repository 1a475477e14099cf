package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"localai-backend/internal/integrations/ollama"
	"localai-backend/internal/models"
	"localai-backend/internal/services"
	"localai-backend/pkg/httputil"
	"log"
	"net/http"
)

// maxChatBodyBytes bounds chat request bodies; inline images are base64 encoded.
const maxChatBodyBytes = 32 << 20

// decodeChatRequest reads a ChatRequest from the request body.
func decodeChatRequest(w http.ResponseWriter, r *http.Request) (models.ChatRequest, error) {
	var req models.ChatRequest
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&req); err != nil {
		return req, fmt.Errorf("%w: invalid request payload: %v", services.ErrValidation, err)
	}
	return req, nil
}

// respondServiceError maps a service error to its HTTP status.
func respondServiceError(w http.ResponseWriter, component string, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		log.Printf("WARN [%s] Rejected request: %v", component, err)
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ollama.ErrUpstreamUnavailable):
		log.Printf("ERROR [%s] Inference engine unavailable: %v", component, err)
		httputil.RespondError(w, http.StatusServiceUnavailable, services.ErrorDetail(err))
	default:
		log.Printf("ERROR [%s] %v", component, err)
		httputil.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
