package services

import (
	"context"
	"errors"
	"fmt"
	"localai-backend/internal/integrations/ollama"
	"localai-backend/internal/memory"
	"localai-backend/internal/models"
	"localai-backend/internal/store"
	"localai-backend/internal/store/sqlite"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeStream struct {
	fragments []models.ChatResponse
	err       error
	pos       int
	cur       models.ChatResponse
	closed    bool
}

func (s *fakeStream) Next() bool {
	if s.pos >= len(s.fragments) {
		return false
	}
	s.cur = s.fragments[s.pos]
	s.pos++
	return true
}

func (s *fakeStream) Fragment() models.ChatResponse { return s.cur }
func (s *fakeStream) Err() error {
	if s.pos >= len(s.fragments) {
		return s.err
	}
	return nil
}
func (s *fakeStream) Close() error { s.closed = true; return nil }

type fakeGateway struct {
	reply       string
	fragments   []string
	completeErr error
	streamErr   error
	midErr      error

	calls   int
	lastReq models.ChatRequest
	stream  *fakeStream
}

func (g *fakeGateway) Complete(_ context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	g.calls++
	g.lastReq = req
	if g.completeErr != nil {
		return nil, g.completeErr
	}
	return &models.ChatResponse{
		Model:   req.Model,
		Message: models.ChatMessage{Role: models.RoleAssistant, Content: g.reply},
		Done:    true,
	}, nil
}

func (g *fakeGateway) CompleteStream(_ context.Context, req models.ChatRequest) (models.FragmentStream, error) {
	g.calls++
	g.lastReq = req
	if g.streamErr != nil {
		return nil, g.streamErr
	}
	s := &fakeStream{err: g.midErr}
	for _, f := range g.fragments {
		s.fragments = append(s.fragments, models.ChatResponse{
			Model:   req.Model,
			Message: models.ChatMessage{Role: models.RoleAssistant, Content: f},
		})
	}
	if g.midErr == nil {
		s.fragments = append(s.fragments, models.ChatResponse{Model: req.Model, Done: true})
	}
	g.stream = s
	return s, nil
}

func (g *fakeGateway) ListModels(context.Context) []string { return []string{"m1", "m2"} }

type recordingSink struct {
	started   bool
	sessionID string
	fragments []string
	done      int
	errors    []string

	failOnFragment int // 1-based; 0 disables
	onFragment     func()
}

func (s *recordingSink) Start(sessionID string) error {
	s.started = true
	s.sessionID = sessionID
	return nil
}

func (s *recordingSink) Fragment(f models.ChatResponse) error {
	s.fragments = append(s.fragments, f.Message.Content)
	if s.onFragment != nil {
		s.onFragment()
	}
	if s.failOnFragment > 0 && len(s.fragments) == s.failOnFragment {
		return errors.New("write: broken pipe")
	}
	return nil
}

func (s *recordingSink) Done() error { s.done++; return nil }

func (s *recordingSink) Error(detail string) error {
	s.errors = append(s.errors, detail)
	return nil
}

type failingMemory struct {
	MemoryIndex
	addErr error
}

func (m failingMemory) AddInteraction(context.Context, string, string, string) error {
	return m.addErr
}

// cancellingStore cancels the request context once the wrapped store has
// committed cancelAfter RecordMessages calls.
type cancellingStore struct {
	store.Store
	cancel      context.CancelFunc
	cancelAfter int
	calls       int
}

func (s *cancellingStore) RecordMessages(ctx context.Context, sessionID, firstMessage string, msgs ...store.NewMessage) error {
	if err := s.Store.RecordMessages(ctx, sessionID, firstMessage, msgs...); err != nil {
		return err
	}
	s.calls++
	if s.calls == s.cancelAfter {
		s.cancel()
	}
	return nil
}

// ctxMemory refuses writes on a cancelled context, like a network embedder would.
type ctxMemory struct {
	MemoryIndex
}

func (m ctxMemory) AddInteraction(ctx context.Context, sessionID, user, assistant string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.MemoryIndex.AddInteraction(ctx, sessionID, user, assistant)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type fixture struct {
	gw     *fakeGateway
	store  *sqlite.SQLiteStore
	memory *memory.Service
	svc    *ChatService
}

func newFixture(t *testing.T, opts ChatOptions) *fixture {
	t.Helper()
	st, err := sqlite.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	mem, err := memory.New("", memory.NewHashEmbedder(64))
	require.NoError(t, err)

	gw := &fakeGateway{reply: "Hello!", fragments: []string{"Hel", "lo", "!"}}
	return &fixture{
		gw:     gw,
		store:  st,
		memory: mem,
		svc:    NewChatService(gw, st, mem, opts),
	}
}

func chatReq(session string, content string) models.ChatRequest {
	req := models.ChatRequest{
		Model:    "m1",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: content}},
	}
	if session != "" {
		req.SessionID = &session
	}
	return req
}

func roles(msgs []models.Message) []models.Role {
	out := make([]models.Role, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Role)
	}
	return out
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

func TestChat_PersistsExchangeAndIndexesMemory(t *testing.T) {
	f := newFixture(t, ChatOptions{})
	ctx := context.Background()

	resp, err := f.svc.Chat(ctx, chatReq("s1", "Hi"))
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Message.Content)

	// empty memory: no system message injected
	require.Len(t, f.gw.lastReq.Messages, 1)
	assert.Equal(t, models.RoleUser, f.gw.lastReq.Messages[0].Role)

	sessions, err := f.store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
	assert.Equal(t, "Hi", sessions[0].Title)

	msgs, err := f.store.ListMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleUser, models.RoleAssistant}, roles(msgs))

	assert.Equal(t, 1, f.memory.Count())
	got, err := f.memory.GetRelevantContext(ctx, "Hi", "s1", 3)
	require.NoError(t, err)
	assert.Equal(t, "User: Hi\nAssistant: Hello!", got)
}

func TestChat_WithoutSessionWritesNothing(t *testing.T) {
	f := newFixture(t, ChatOptions{AutoSessionOnStream: true})
	ctx := context.Background()

	_, err := f.svc.Chat(ctx, chatReq("", "Hi"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.gw.calls)

	sessions, err := f.store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Equal(t, 0, f.memory.Count())
}

func TestChat_AugmentsPromptWithoutMutatingRequest(t *testing.T) {
	f := newFixture(t, ChatOptions{})
	ctx := context.Background()
	require.NoError(t, f.memory.AddInteraction(ctx, "s1", "my name is Ada", "Nice to meet you, Ada"))

	req := chatReq("s1", "what is my name")
	_, err := f.svc.Chat(ctx, req)
	require.NoError(t, err)

	require.Len(t, f.gw.lastReq.Messages, 2)
	assert.Equal(t, models.RoleSystem, f.gw.lastReq.Messages[0].Role)
	assert.Contains(t, f.gw.lastReq.Messages[0].Content, "User: my name is Ada")
	assert.Len(t, req.Messages, 1, "caller's messages must be untouched")
}

func TestChat_ContextIsScopedToSession(t *testing.T) {
	f := newFixture(t, ChatOptions{})
	ctx := context.Background()
	require.NoError(t, f.memory.AddInteraction(ctx, "s2", "secret code word", "banana"))

	_, err := f.svc.Chat(ctx, chatReq("s1", "secret code word"))
	require.NoError(t, err)
	require.Len(t, f.gw.lastReq.Messages, 1)
}

func TestChat_Validation(t *testing.T) {
	f := newFixture(t, ChatOptions{DefaultModel: "gpt-oss:20b"})
	ctx := context.Background()

	_, err := f.svc.Chat(ctx, models.ChatRequest{Model: "m1"})
	require.ErrorIs(t, err, ErrValidation)

	bad := chatReq("s1", "Hi")
	bad.Messages[0].Role = "robot"
	_, err = f.svc.Chat(ctx, bad)
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, f.gw.calls)

	sessions, err := f.store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	noModel := chatReq("", "Hi")
	noModel.Model = "  "
	_, err = f.svc.Chat(ctx, noModel)
	require.NoError(t, err)
	assert.Equal(t, "gpt-oss:20b", f.gw.lastReq.Model)
}

func TestChat_UpstreamUnavailable(t *testing.T) {
	f := newFixture(t, ChatOptions{})
	f.gw.completeErr = fmt.Errorf("%w: dial tcp 127.0.0.1:11434: connect: connection refused", ollama.ErrUpstreamUnavailable)
	ctx := context.Background()

	_, err := f.svc.Chat(ctx, chatReq("s1", "Hi"))
	require.ErrorIs(t, err, ollama.ErrUpstreamUnavailable)
	assert.Equal(t, "inference engine not responding", ErrorDetail(err))

	msgs, err := f.store.ListMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 0, f.memory.Count())
}

func TestChat_MemoryFailureAfterCommitIsReported(t *testing.T) {
	f := newFixture(t, ChatOptions{})
	f.svc.memory = failingMemory{MemoryIndex: f.memory, addErr: errors.New("disk full")}
	ctx := context.Background()

	_, err := f.svc.Chat(ctx, chatReq("s1", "Hi"))
	require.Error(t, err)
	assert.Contains(t, ErrorDetail(err), "disk full")

	msgs, err := f.store.ListMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, 0, f.memory.Count())
}

func TestChat_DisconnectAfterCommitStillIndexes(t *testing.T) {
	f := newFixture(t, ChatOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.store = &cancellingStore{Store: f.store, cancel: cancel, cancelAfter: 1}
	f.svc.memory = ctxMemory{MemoryIndex: f.memory}

	resp, err := f.svc.Chat(ctx, chatReq("s1", "Hi"))
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Message.Content)

	msgs, err := f.store.ListMessages(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, 1, f.memory.Count())
}

// ---------------------------------------------------------------------------
// ChatStream
// ---------------------------------------------------------------------------

func TestChatStream_Completed(t *testing.T) {
	f := newFixture(t, ChatOptions{})
	ctx := context.Background()
	sink := &recordingSink{}

	out, err := f.svc.ChatStream(ctx, chatReq("s1", "Hi"), sink)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, "Hello!", out.Content)
	assert.Equal(t, "s1", sink.sessionID)
	assert.Equal(t, []string{"Hel", "lo", "!", ""}, sink.fragments)
	assert.Equal(t, 1, sink.done)
	assert.Empty(t, sink.errors)
	assert.True(t, f.gw.stream.closed)

	msgs, err := f.store.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, "Hello!", msgs[1].Content)
	assert.Equal(t, 1, f.memory.Count())
}

func TestChatStream_GeneratesSessionID(t *testing.T) {
	f := newFixture(t, ChatOptions{AutoSessionOnStream: true})
	ctx := context.Background()
	sink := &recordingSink{}

	out, err := f.svc.ChatStream(ctx, chatReq("", "Hi"), sink)
	require.NoError(t, err)
	require.NotEmpty(t, out.SessionID)
	assert.Equal(t, out.SessionID, sink.sessionID)

	sessions, err := f.store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, out.SessionID, sessions[0].ID)
}

func TestChatStream_NoAutoSessionPersistsNothing(t *testing.T) {
	f := newFixture(t, ChatOptions{AutoSessionOnStream: false})
	ctx := context.Background()
	sink := &recordingSink{}

	out, err := f.svc.ChatStream(ctx, chatReq("", "Hi"), sink)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Empty(t, out.SessionID)

	sessions, err := f.store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Equal(t, 0, f.memory.Count())
}

func TestChatStream_UpstreamUnreachable(t *testing.T) {
	f := newFixture(t, ChatOptions{})
	f.gw.streamErr = fmt.Errorf("%w: connection refused", ollama.ErrUpstreamUnavailable)
	ctx := context.Background()
	sink := &recordingSink{}

	out, err := f.svc.ChatStream(ctx, chatReq("s1", "Hi"), sink)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, []string{"inference engine not responding"}, sink.errors)
	assert.Zero(t, sink.done)

	msgs, err := f.store.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, 0, f.memory.Count())
}

func TestChatStream_MidStreamFailureDiscardsPartial(t *testing.T) {
	f := newFixture(t, ChatOptions{})
	f.gw.fragments = []string{"par", "tial"}
	f.gw.midErr = &ollama.UpstreamError{Message: "llama runner process has terminated"}
	ctx := context.Background()
	sink := &recordingSink{}

	out, err := f.svc.ChatStream(ctx, chatReq("s1", "Hi"), sink)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, "partial", out.Content)
	require.Len(t, sink.errors, 1)
	assert.Contains(t, sink.errors[0], "llama runner")

	msgs, err := f.store.ListMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleUser}, roles(msgs))
	assert.Equal(t, 0, f.memory.Count())
}

func TestChatStream_TruncatedReplyIsFailed(t *testing.T) {
	f := newFixture(t, ChatOptions{})
	f.gw.fragments = []string{"Hel", "lo"}
	f.gw.midErr = ollama.ErrIncompleteStream
	ctx := context.Background()
	sink := &recordingSink{}

	out, err := f.svc.ChatStream(ctx, chatReq("s1", "Hi"), sink)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	require.ErrorIs(t, out.Err, ollama.ErrIncompleteStream)
	assert.Equal(t, []string{"ollama: stream ended before done"}, sink.errors)
	assert.Zero(t, sink.done)

	msgs, err := f.store.ListMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleUser}, roles(msgs))
	assert.Equal(t, 0, f.memory.Count())
}

func TestChatStream_ClientGoneStopsWithoutPersisting(t *testing.T) {
	f := newFixture(t, ChatOptions{})
	ctx := context.Background()
	sink := &recordingSink{failOnFragment: 2}

	out, err := f.svc.ChatStream(ctx, chatReq("s1", "Hi"), sink)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.True(t, out.Disconnected)
	assert.Len(t, sink.fragments, 2, "no fragment pulled after the failed write")
	assert.Empty(t, sink.errors)
	assert.True(t, f.gw.stream.closed)

	msgs, err := f.store.ListMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, 0, f.memory.Count())
}

func TestChatStream_CancelledContextSkipsPersistence(t *testing.T) {
	f := newFixture(t, ChatOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onFragment: cancel}

	out, err := f.svc.ChatStream(ctx, chatReq("s1", "Hi"), sink)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.True(t, out.Disconnected)
	assert.Empty(t, sink.errors)
	assert.Zero(t, sink.done)

	msgs, err := f.store.ListMessages(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, 0, f.memory.Count())
}

func TestChatStream_DisconnectAfterAssistantCommitStillIndexes(t *testing.T) {
	f := newFixture(t, ChatOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// 1st call is the user turn, 2nd the assistant turn.
	f.svc.store = &cancellingStore{Store: f.store, cancel: cancel, cancelAfter: 2}
	f.svc.memory = ctxMemory{MemoryIndex: f.memory}
	sink := &recordingSink{}

	out, err := f.svc.ChatStream(ctx, chatReq("s1", "Hi"), sink)
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.Equal(t, StateCompleted, out.State)
	assert.NoError(t, out.Err)
	assert.Empty(t, sink.errors)

	msgs, err := f.store.ListMessages(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleUser, models.RoleAssistant}, roles(msgs))
	assert.Equal(t, 1, f.memory.Count())
	got, err := f.memory.GetRelevantContext(context.Background(), "Hi", "s1", 3)
	require.NoError(t, err)
	assert.Equal(t, "User: Hi\nAssistant: Hello!", got)
}

func TestChatStream_ValidationBeforeStart(t *testing.T) {
	f := newFixture(t, ChatOptions{AutoSessionOnStream: true})
	sink := &recordingSink{}

	_, err := f.svc.ChatStream(context.Background(), models.ChatRequest{Model: "m1"}, sink)
	require.ErrorIs(t, err, ErrValidation)
	assert.False(t, sink.started)
	assert.Equal(t, 0, f.gw.calls)
}

func TestBuildPrompt(t *testing.T) {
	req := chatReq("s1", "q")
	assert.Equal(t, req, buildPrompt(req, ""))

	got := buildPrompt(req, "User: a\nAssistant: b")
	require.Len(t, got.Messages, 2)
	assert.Equal(t, models.RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "q", got.Messages[1].Content)
	assert.Len(t, req.Messages, 1)
}

func TestListModels_DelegatesToGateway(t *testing.T) {
	f := newFixture(t, ChatOptions{})
	assert.Equal(t, []string{"m1", "m2"}, f.svc.ListModels(context.Background()))
}
