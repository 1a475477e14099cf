package handlers

import (
	"context"
	"errors"
	"fmt"
	"localai-backend/internal/integrations/ollama"
	"localai-backend/internal/models"
	"localai-backend/internal/services"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatService struct {
	resp     *models.ChatResponse
	chatErr  error
	streamFn func(sink services.StreamSink) (services.StreamOutcome, error)
	models   []string

	lastReq models.ChatRequest
}

func (f *fakeChatService) Chat(_ context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	f.lastReq = req
	return f.resp, f.chatErr
}

func (f *fakeChatService) ChatStream(_ context.Context, req models.ChatRequest, sink services.StreamSink) (services.StreamOutcome, error) {
	f.lastReq = req
	return f.streamFn(sink)
}

func (f *fakeChatService) ListModels(context.Context) []string { return f.models }

func postJSON(target, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

const hiBody = `{"model":"m1","messages":[{"role":"user","content":"Hi"}],"session_id":"s1"}`

func TestHandleChat_OK(t *testing.T) {
	svc := &fakeChatService{resp: &models.ChatResponse{
		Model:     "m1",
		CreatedAt: "2024-01-01T00:00:00Z",
		Message:   models.ChatMessage{Role: models.RoleAssistant, Content: "Hello!"},
		Done:      true,
	}}
	rec := httptest.NewRecorder()
	NewChatHandlers(svc).HandleChat(rec, postJSON("/api/chat", hiBody))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"model":"m1","created_at":"2024-01-01T00:00:00Z","message":{"role":"assistant","content":"Hello!"},"done":true}`, rec.Body.String())
	assert.Equal(t, "s1", svc.lastReq.Session())
}

func TestHandleChat_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"validation", fmt.Errorf("%w: messages must not be empty", services.ErrValidation), http.StatusBadRequest, "invalid chat request: messages must not be empty"},
		{"upstream", fmt.Errorf("chat completion failed: %w", fmt.Errorf("%w: connection refused", ollama.ErrUpstreamUnavailable)), http.StatusServiceUnavailable, "inference engine not responding"},
		{"other", errors.New("failed to persist exchange: disk I/O error"), http.StatusInternalServerError, "failed to persist exchange: disk I/O error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewChatHandlers(&fakeChatService{chatErr: tc.err}).HandleChat(rec, postJSON("/api/chat", hiBody))

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.JSONEq(t, fmt.Sprintf(`{"error":%q,"detail":%q}`, tc.wantError, tc.wantError), rec.Body.String())
		})
	}
}

func TestHandleChat_InvalidJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChatHandlers(&fakeChatService{}).HandleChat(rec, postJSON("/api/chat", `{"messages":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func streamScript(sink services.StreamSink) (services.StreamOutcome, error) {
	if err := sink.Start("s-1"); err != nil {
		return services.StreamOutcome{}, err
	}
	sink.Fragment(models.ChatResponse{Model: "m1", CreatedAt: "t", Message: models.ChatMessage{Role: models.RoleAssistant, Content: "Hel"}})
	sink.Fragment(models.ChatResponse{Model: "m1", CreatedAt: "t", Message: models.ChatMessage{Role: models.RoleAssistant, Content: "lo"}, Done: true})
	sink.Done()
	return services.StreamOutcome{SessionID: "s-1", State: services.StateCompleted, Content: "Hello"}, nil
}

func TestHandleChatStream_RelaysEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChatHandlers(&fakeChatService{streamFn: streamScript}).HandleChatStream(rec, postJSON("/api/chat/stream", hiBody))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "s-1", rec.Header().Get("X-Session-ID"))

	want := `data: {"model":"m1","created_at":"t","message":{"role":"assistant","content":"Hel"},"done":false}` + "\n\n" +
		`data: {"model":"m1","created_at":"t","message":{"role":"assistant","content":"lo"},"done":true}` + "\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, rec.Body.String())
}

func TestHandleChat_StreamFlagDelegates(t *testing.T) {
	body := `{"model":"m1","messages":[{"role":"user","content":"Hi"}],"stream":true}`
	rec := httptest.NewRecorder()
	NewChatHandlers(&fakeChatService{streamFn: streamScript}).HandleChat(rec, postJSON("/api/chat", body))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n"))
}

func TestHandleChatStream_InBandError(t *testing.T) {
	svc := &fakeChatService{streamFn: func(sink services.StreamSink) (services.StreamOutcome, error) {
		require.NoError(t, sink.Start("s-1"))
		require.NoError(t, sink.Error("inference engine not responding"))
		return services.StreamOutcome{SessionID: "s-1", State: services.StateFailed}, nil
	}}
	rec := httptest.NewRecorder()
	NewChatHandlers(svc).HandleChatStream(rec, postJSON("/api/chat/stream", hiBody))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data: {\"error\":\"inference engine not responding\"}\n\n", rec.Body.String())
}

func TestHandleChatStream_ValidationBeforeStart(t *testing.T) {
	svc := &fakeChatService{streamFn: func(services.StreamSink) (services.StreamOutcome, error) {
		return services.StreamOutcome{}, fmt.Errorf("%w: messages must not be empty", services.ErrValidation)
	}}
	rec := httptest.NewRecorder()
	NewChatHandlers(svc).HandleChatStream(rec, postJSON("/api/chat/stream", `{"model":"m1","messages":[]}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestHandleListModels(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChatHandlers(&fakeChatService{models: []string{"llama3:8b", "gpt-oss:20b"}}).
		HandleListModels(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["llama3:8b","gpt-oss:20b"]`, rec.Body.String())
}
