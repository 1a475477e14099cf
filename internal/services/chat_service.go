package services

import (
	"context"
	"errors"
	"fmt"
	"localai-backend/internal/integrations/ollama"
	"localai-backend/internal/models"
	"localai-backend/internal/store"
	"log"
	"strings"

	"github.com/google/uuid"
)

// ErrValidation marks a malformed chat request. It is returned before any side effect.
var ErrValidation = errors.New("invalid chat request")

// ModelGateway is the inference engine as seen by the orchestrator.
type ModelGateway interface {
	Complete(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
	CompleteStream(ctx context.Context, req models.ChatRequest) (models.FragmentStream, error)
	ListModels(ctx context.Context) []string
}

// MemoryIndex stores and retrieves past exchanges.
type MemoryIndex interface {
	AddInteraction(ctx context.Context, sessionID, userText, assistantText string) error
	GetRelevantContext(ctx context.Context, query, sessionID string, topK int) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// StreamSink receives the events of one streamed reply.
// Start is called exactly once before any other method; after that the
// stream ends with either Done or Error, never both.
type StreamSink interface {
	Start(sessionID string) error
	Fragment(fragment models.ChatResponse) error
	Done() error
	Error(detail string) error
}

// StreamState tracks the progress of a streamed chat.
type StreamState string

const (
	StateInit             StreamState = "INIT"
	StateContextRetrieved StreamState = "CONTEXT_RETRIEVED"
	StateUserPersisted    StreamState = "USER_PERSISTED"
	StateStreaming        StreamState = "STREAMING"
	StateCompleted        StreamState = "COMPLETED"
	StateFailed           StreamState = "FAILED"
)

// StreamOutcome describes how a streamed chat ended.
type StreamOutcome struct {
	SessionID string
	State     StreamState
	// Content is the accumulated assistant text. It is persisted only when State is StateCompleted.
	Content string
	// Err is the failure that moved the stream to StateFailed.
	Err error
	// Disconnected reports that the client went away before the stream finished.
	Disconnected bool
}

// ChatOptions tune the orchestrator.
type ChatOptions struct {
	// AutoSessionOnStream generates a session id for streamed requests that lack one.
	AutoSessionOnStream bool
	// ContextTopK is the number of past exchanges retrieved per request.
	ContextTopK int
	// DefaultModel replaces an empty model in the request.
	DefaultModel string
}

// ChatService drives a chat request through retrieval, inference and persistence.
type ChatService struct {
	gateway ModelGateway
	store   store.Store
	memory  MemoryIndex
	opts    ChatOptions
}

// NewChatService creates a new ChatService.
func NewChatService(gateway ModelGateway, st store.Store, memory MemoryIndex, opts ChatOptions) *ChatService {
	return &ChatService{
		gateway: gateway,
		store:   st,
		memory:  memory,
		opts:    opts,
	}
}

// ErrorDetail renders err for API callers. An unreachable inference engine is
// reported with a stable message; anything else carries its original text.
func ErrorDetail(err error) string {
	if errors.Is(err, ollama.ErrUpstreamUnavailable) {
		return ollama.ErrUpstreamUnavailable.Error()
	}
	return err.Error()
}

// ListModels returns the model names offered by the inference engine.
func (s *ChatService) ListModels(ctx context.Context) []string {
	return s.gateway.ListModels(ctx)
}

// Chat handles a non-streaming request. The exchange is persisted only when
// the caller supplies a session id.
func (s *ChatService) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	req, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	sessionID := req.Session()
	query := req.LastContent()

	prompt := req
	if sessionID != "" {
		prompt, err = s.augment(ctx, req, query, sessionID)
		if err != nil {
			return nil, err
		}
	}

	resp, err := s.gateway.Complete(ctx, prompt)
	if err != nil {
		log.Printf("ERROR [ChatService] Completion failed (model=%s, session=%q): %v", req.Model, sessionID, err)
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}

	if sessionID == "" {
		return resp, nil
	}

	// The reply is complete; commit and index it even if the caller goes away.
	persistCtx := context.WithoutCancel(ctx)
	err = s.store.RecordMessages(persistCtx, sessionID, query,
		store.NewMessage{Role: models.RoleUser, Content: query},
		store.NewMessage{Role: models.RoleAssistant, Content: resp.Message.Content},
	)
	if err != nil {
		log.Printf("ERROR [ChatService] Failed to persist exchange for session %s: %v", sessionID, err)
		return nil, fmt.Errorf("failed to persist exchange: %w", err)
	}
	if err := s.memory.AddInteraction(persistCtx, sessionID, query, resp.Message.Content); err != nil {
		log.Printf("ERROR [ChatService] Failed to index exchange for session %s: %v", sessionID, err)
		return nil, fmt.Errorf("failed to index exchange: %w", err)
	}
	return resp, nil
}

// ChatStream relays a streamed reply to sink. An error is returned only when
// the request fails before sink.Start; later failures are delivered in-band
// through sink.Error and reported in the outcome.
func (s *ChatService) ChatStream(ctx context.Context, req models.ChatRequest, sink StreamSink) (StreamOutcome, error) {
	req, err := s.validate(req)
	if err != nil {
		return StreamOutcome{State: StateInit}, err
	}

	out := StreamOutcome{SessionID: req.Session(), State: StateInit}
	if out.SessionID == "" && s.opts.AutoSessionOnStream {
		out.SessionID = uuid.NewString()
		log.Printf("[ChatService] Generated session %s for streamed request", out.SessionID)
	}
	if err := sink.Start(out.SessionID); err != nil {
		return out, fmt.Errorf("failed to start stream: %w", err)
	}

	query := req.LastContent()
	persist := out.SessionID != ""

	prompt := req
	if persist {
		prompt, err = s.augment(ctx, req, query, out.SessionID)
		if err != nil {
			return s.fail(ctx, out, sink, err), nil
		}
	}
	out.State = StateContextRetrieved

	if persist {
		err = s.store.RecordMessages(ctx, out.SessionID, query, store.NewMessage{Role: models.RoleUser, Content: query})
		if err != nil {
			return s.fail(ctx, out, sink, fmt.Errorf("failed to persist user turn: %w", err)), nil
		}
	}
	out.State = StateUserPersisted

	stream, err := s.gateway.CompleteStream(ctx, prompt)
	if err != nil {
		return s.fail(ctx, out, sink, err), nil
	}
	defer stream.Close()
	out.State = StateStreaming

	var buf strings.Builder
	for stream.Next() {
		fragment := stream.Fragment()
		buf.WriteString(fragment.Message.Content)
		if err := sink.Fragment(fragment); err != nil {
			log.Printf("WARN [ChatService] Client went away during stream for session %q: %v", out.SessionID, err)
			out.State, out.Err, out.Disconnected = StateFailed, err, true
			out.Content = buf.String()
			return out, nil
		}
	}
	out.Content = buf.String()
	if err := stream.Err(); err != nil {
		return s.fail(ctx, out, sink, err), nil
	}
	if ctx.Err() != nil {
		return s.fail(ctx, out, sink, ctx.Err()), nil
	}

	if persist {
		// Past this point the assistant turn and its memory record are written
		// together; a disconnect must not leave one without the other.
		persistCtx := context.WithoutCancel(ctx)
		err = s.store.RecordMessages(persistCtx, out.SessionID, query, store.NewMessage{Role: models.RoleAssistant, Content: out.Content})
		if err != nil {
			return s.fail(ctx, out, sink, fmt.Errorf("failed to persist assistant turn: %w", err)), nil
		}
		if err := s.memory.AddInteraction(persistCtx, out.SessionID, query, out.Content); err != nil {
			return s.fail(ctx, out, sink, fmt.Errorf("failed to index exchange: %w", err)), nil
		}
	}

	out.State = StateCompleted
	if err := sink.Done(); err != nil {
		log.Printf("WARN [ChatService] Failed to write stream terminator for session %q: %v", out.SessionID, err)
	}
	return out, nil
}

// fail moves the stream to StateFailed and emits one error event unless the client is gone.
func (s *ChatService) fail(ctx context.Context, out StreamOutcome, sink StreamSink, err error) StreamOutcome {
	out.Err = err
	if ctx.Err() != nil {
		log.Printf("WARN [ChatService] Stream for session %q cancelled in state %s: %v", out.SessionID, out.State, err)
		out.State = StateFailed
		out.Disconnected = true
		return out
	}

	log.Printf("ERROR [ChatService] Stream for session %q failed in state %s: %v", out.SessionID, out.State, err)
	out.State = StateFailed
	if sinkErr := sink.Error(ErrorDetail(err)); sinkErr != nil {
		log.Printf("WARN [ChatService] Failed to deliver stream error for session %q: %v", out.SessionID, sinkErr)
	}
	return out
}

// validate checks req and fills in the default model. It returns a copy.
func (s *ChatService) validate(req models.ChatRequest) (models.ChatRequest, error) {
	if len(req.Messages) == 0 {
		return req, fmt.Errorf("%w: messages must not be empty", ErrValidation)
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return req, fmt.Errorf("%w: messages[%d] has invalid role %q", ErrValidation, i, m.Role)
		}
	}
	req.Model = strings.TrimSpace(req.Model)
	if req.Model == "" {
		req.Model = s.opts.DefaultModel
	}
	if req.Model == "" {
		return req, fmt.Errorf("%w: model is required", ErrValidation)
	}
	return req, nil
}

// augment retrieves session-scoped context for query and returns the effective prompt.
func (s *ChatService) augment(ctx context.Context, req models.ChatRequest, query, sessionID string) (models.ChatRequest, error) {
	contextText, err := s.memory.GetRelevantContext(ctx, query, sessionID, s.opts.ContextTopK)
	if err != nil {
		return req, fmt.Errorf("failed to retrieve context: %w", err)
	}
	return buildPrompt(req, contextText), nil
}

// buildPrompt prepends retrieved context as a system message. The caller's
// message slice is never modified.
func buildPrompt(req models.ChatRequest, contextText string) models.ChatRequest {
	if contextText == "" {
		return req
	}
	msgs := make([]models.ChatMessage, 0, len(req.Messages)+1)
	msgs = append(msgs, models.ChatMessage{
		Role:    models.RoleSystem,
		Content: "Relevant context from previous conversations:\n" + contextText,
	})
	msgs = append(msgs, req.Messages...)
	req.Messages = msgs
	return req
}
