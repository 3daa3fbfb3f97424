package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgateway/config"
	"chatgateway/internal/conversation"
	"chatgateway/internal/core"
	"chatgateway/internal/providers"
	"chatgateway/internal/quota"
)

const testToken = "secret-token"

type harness struct {
	engine   *Engine
	conn     *fakeConn
	provider *fakeProvider
	convs    *conversation.MemoryStore
	quota    *quota.Engine
	done     chan error
}

func newHarness(t *testing.T, provider *fakeProvider, limits quota.Limits) *harness {
	t.Helper()
	return newHarnessWithConfig(t, provider, limits, Config{OutboundBuffer: 8, RecordTimeout: time.Second})
}

func newHarnessWithConfig(t *testing.T, provider *fakeProvider, limits quota.Limits, cfg Config) *harness {
	t.Helper()

	registry := providers.NewModelRegistry()
	registry.RegisterProvider("openai", provider)
	router, err := providers.NewRouter(registry, providers.RouterConfig{
		Rules:           []config.RouteRule{{Prefix: "mistral", Provider: "mistral"}},
		DefaultProvider: "openai",
		DefaultModel:    "gpt-4",
	})
	require.NoError(t, err)

	h := &harness{
		conn:     newFakeConn(),
		provider: provider,
		convs:    conversation.NewMemoryStore(),
		quota:    quota.NewEngine(quota.NewMemoryStore(), limits),
		done:     make(chan error, 1),
	}
	h.engine, err = NewEngine(cfg, Deps{
		Validator:     fakeValidator{testToken: "user-1"},
		Router:        router,
		Quota:         h.quota,
		Conversations: h.convs,
	})
	require.NoError(t, err)

	go func() { h.done <- h.engine.Serve(context.Background(), h.conn) }()
	t.Cleanup(func() {
		_ = h.conn.Close()
		h.wait(t)
	})

	connected := h.conn.next(t)
	require.Equal(t, TypeConnected, connected["type"])
	require.NotEmpty(t, connected["sessionId"])
	return h
}

func defaultLimits() quota.Limits {
	return quota.Limits{Daily: 1000, Monthly: 10000}
}

func (h *harness) authenticate(t *testing.T) {
	t.Helper()
	h.conn.sendJSON(t, map[string]any{"type": "auth", "token": testToken})
	msg := h.conn.next(t)
	require.Equal(t, TypeAuthenticated, msg["type"])
	require.Equal(t, "user-1", msg["userId"])
}

// ping proves the connection is alive and that nothing was queued before the pong.
func (h *harness) ping(t *testing.T) {
	t.Helper()
	h.conn.sendJSON(t, map[string]any{"type": "ping"})
	assert.Equal(t, map[string]any{"type": TypePong}, h.conn.next(t))
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func (h *harness) remaining(t *testing.T) quota.Remaining {
	t.Helper()
	r, err := h.quota.Remaining(context.Background(), "user-1")
	require.NoError(t, err)
	return r
}

func deltas(texts ...string) []core.Delta {
	out := make([]core.Delta, len(texts))
	for i, text := range texts {
		out[i] = core.Delta{Text: text}
	}
	return out
}

func TestServe_PingAndClose(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, defaultLimits())

	h.ping(t)
	assert.Equal(t, 1, h.engine.Sessions().Len())

	require.NoError(t, h.conn.Close())
	assert.NoError(t, h.wait(t))
	assert.Equal(t, 0, h.engine.Sessions().Len())
}

func TestServe_InvalidFramesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, defaultLimits())

	for _, frame := range []string{
		"not json",
		`{"type":"bogus"}`,
		`{"message":"no type"}`,
		`{"type":"chat"}`,
		`{"type":"chat","message":42}`,
	} {
		h.conn.sendRaw(frame)
		msg := h.conn.next(t)
		assert.Equal(t, TypeError, msg["type"], frame)
		assert.Equal(t, "Invalid message format", msg["message"], frame)
	}
	h.ping(t)
}

func TestServe_ChatBeforeAuth(t *testing.T) {
	provider := &fakeProvider{}
	h := newHarness(t, provider, defaultLimits())

	h.conn.sendJSON(t, map[string]any{"type": "chat", "message": "hi", "requestId": "r1"})
	msg := h.conn.next(t)
	assert.Equal(t, "Not authenticated", msg["message"])
	assert.Equal(t, "r1", msg["requestId"])
	assert.Zero(t, provider.calls())
}

func TestServe_AuthFailureStaysUnauthenticated(t *testing.T) {
	provider := &fakeProvider{}
	h := newHarness(t, provider, defaultLimits())

	h.conn.sendJSON(t, map[string]any{"type": "auth", "token": "wrong"})
	msg := h.conn.next(t)
	assert.Equal(t, TypeError, msg["type"])
	assert.Equal(t, "Authentication failed: invalid token", msg["message"])

	h.conn.sendJSON(t, map[string]any{"type": "chat", "message": "hi"})
	assert.Equal(t, "Not authenticated", h.conn.next(t)["message"])
	assert.Zero(t, provider.calls())
}

func TestServe_ChatStreamsChunksThenUsageThenStop(t *testing.T) {
	provider := &fakeProvider{newStream: func() *fakeStream {
		return &fakeStream{
			deltas: deltas("Hello", "", " world"),
			usage:  &core.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		}
	}}
	h := newHarness(t, provider, defaultLimits())
	h.authenticate(t)

	convID, err := h.convs.CreateConversation(context.Background(), "user-1", "gpt-4")
	require.NoError(t, err)

	h.conn.sendJSON(t, map[string]any{
		"type":           "chat",
		"message":        "Hi there",
		"model":          "gpt-4",
		"conversationId": convID,
		"temperature":    0.5,
		"maxTokens":      64,
		"requestId":      "r1",
	})

	assert.Equal(t, map[string]any{"type": "chunk", "content": "Hello", "model": "gpt-4", "requestId": "r1"}, h.conn.next(t))
	assert.Equal(t, map[string]any{"type": "chunk", "content": " world", "model": "gpt-4", "requestId": "r1"}, h.conn.next(t))
	assert.Equal(t, map[string]any{
		"type":             "usage",
		"promptTokens":     float64(5),
		"completionTokens": float64(2),
		"totalTokens":      float64(7),
		"remainingDaily":   float64(993),
		"remainingMonthly": float64(9993),
		"requestId":        "r1",
	}, h.conn.next(t))
	assert.Equal(t, map[string]any{"type": "chunk", "content": "", "model": "gpt-4", "finishReason": "stop", "requestId": "r1"}, h.conn.next(t))

	req := provider.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "gpt-4", req.Model)
	assert.True(t, req.Stream)
	assert.Equal(t, []core.Message{{Role: core.RoleUser, Content: "Hi there"}}, req.Messages)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.5, *req.Temperature)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 64, *req.MaxTokens)
	assert.True(t, provider.lastStream().closed.Load())

	msgs, err := h.convs.Messages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, core.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi there", msgs[0].Content)
	assert.Equal(t, core.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello world", msgs[1].Content)
}

func TestServe_DefaultModelAndEstimatedUsage(t *testing.T) {
	provider := &fakeProvider{newStream: func() *fakeStream {
		return &fakeStream{deltas: deltas("abcd", "ef")}
	}}
	h := newHarness(t, provider, defaultLimits())
	h.authenticate(t)

	h.conn.sendJSON(t, map[string]any{"type": "chat", "message": "abcdefgh"})

	first := h.conn.next(t)
	assert.Equal(t, "gpt-4", first["model"])
	requestID, _ := first["requestId"].(string)
	require.NotEmpty(t, requestID)

	h.conn.next(t)
	usage := h.conn.next(t)
	assert.Equal(t, TypeUsage, usage["type"])
	assert.Equal(t, requestID, usage["requestId"])
	assert.Equal(t, float64(2), usage["promptTokens"])
	assert.Equal(t, float64(2), usage["completionTokens"])
	assert.Equal(t, float64(4), usage["totalTokens"])

	final := h.conn.next(t)
	assert.Equal(t, "stop", final["finishReason"])
	assert.Equal(t, requestID, final["requestId"])

	assert.Equal(t, int64(996), h.remaining(t).Daily)
}

func TestServe_QuotaDenied(t *testing.T) {
	provider := &fakeProvider{}
	h := newHarness(t, provider, quota.Limits{Daily: 10, Monthly: 100})
	h.authenticate(t)

	h.conn.sendJSON(t, map[string]any{"type": "chat", "message": strings.Repeat("x", 100), "requestId": "r1"})
	msg := h.conn.next(t)
	assert.Equal(t, map[string]any{"type": "error", "message": "Token limit exceeded", "requestId": "r1"}, msg)

	h.ping(t)
	assert.Zero(t, provider.calls())
	assert.Equal(t, int64(10), h.remaining(t).Daily)
}

func TestServe_UnknownModel(t *testing.T) {
	provider := &fakeProvider{}
	h := newHarness(t, provider, defaultLimits())
	h.authenticate(t)

	h.conn.sendJSON(t, map[string]any{"type": "chat", "message": "hi", "model": "mistral-large"})
	msg := h.conn.next(t)
	assert.Equal(t, TypeError, msg["type"])
	assert.Contains(t, msg["message"], "mistral-large")
	assert.Zero(t, provider.calls())
}

func TestServe_StreamStartFailureRecordsNothing(t *testing.T) {
	provider := &fakeProvider{startErr: core.NewNetworkError("openai", errors.New("dial tcp: refused"))}
	h := newHarness(t, provider, defaultLimits())
	h.authenticate(t)

	h.conn.sendJSON(t, map[string]any{"type": "chat", "message": "hello", "requestId": "r1"})
	assert.Equal(t, map[string]any{"type": "error", "message": "Failed to start stream", "requestId": "r1"}, h.conn.next(t))

	h.ping(t)
	assert.Equal(t, int64(1000), h.remaining(t).Daily)
}

func TestServe_MidStreamErrorStillReportsUsage(t *testing.T) {
	provider := &fakeProvider{newStream: func() *fakeStream {
		return &fakeStream{deltas: deltas("partial"), err: core.NewNetworkError("openai", errors.New("connection reset"))}
	}}
	h := newHarness(t, provider, defaultLimits())
	h.authenticate(t)

	h.conn.sendJSON(t, map[string]any{"type": "chat", "message": "hello", "requestId": "r1"})

	assert.Equal(t, "partial", h.conn.next(t)["content"])
	assert.Equal(t, map[string]any{"type": "error", "message": "Stream error", "requestId": "r1"}, h.conn.next(t))
	usage := h.conn.next(t)
	assert.Equal(t, TypeUsage, usage["type"])
	assert.Equal(t, float64(2), usage["completionTokens"])
	assert.Equal(t, "stop", h.conn.next(t)["finishReason"])
}

func TestServe_StopCancelsStreamAndReportsUsage(t *testing.T) {
	provider := &fakeProvider{newStream: func() *fakeStream {
		return &fakeStream{deltas: deltas("Hello"), block: true}
	}}
	h := newHarness(t, provider, defaultLimits())
	h.authenticate(t)

	h.conn.sendJSON(t, map[string]any{"type": "chat", "message": "abcd", "requestId": "r1"})
	assert.Equal(t, "Hello", h.conn.next(t)["content"])

	h.conn.sendJSON(t, map[string]any{"type": "stop"})
	usage := h.conn.next(t)
	assert.Equal(t, TypeUsage, usage["type"])
	assert.Equal(t, "r1", usage["requestId"])
	assert.Equal(t, float64(1), usage["promptTokens"])
	assert.Equal(t, float64(2), usage["completionTokens"])

	// No terminal chunk follows a stop.
	h.ping(t)
	assert.Equal(t, int64(997), h.remaining(t).Daily)
}

func TestServe_StopAndPingWhileWriterIsBlocked(t *testing.T) {
	provider := &fakeProvider{newStream: func() *fakeStream {
		texts := make([]string, 50)
		for i := range texts {
			texts[i] = "x"
		}
		return &fakeStream{deltas: deltas(texts...), block: true}
	}}
	h := newHarnessWithConfig(t, provider, defaultLimits(), Config{OutboundBuffer: 2, RecordTimeout: time.Second})
	h.authenticate(t)

	h.conn.holdWrites()
	h.conn.sendJSON(t, map[string]any{"type": "chat", "message": "abcd", "requestId": "r1"})

	// One chunk is parked in the writer, two fill the queue and the task
	// waits to queue the fourth.
	require.Eventually(t, func() bool {
		s := provider.lastStream()
		return h.conn.parked.Load() >= 1 && s != nil && s.served.Load() >= 4
	}, 2*time.Second, 5*time.Millisecond)

	h.conn.sendJSON(t, map[string]any{"type": "stop"})
	h.conn.sendJSON(t, map[string]any{"type": "stop", "requestId": "nope"})
	h.conn.sendJSON(t, map[string]any{"type": "ping"})
	h.conn.sendJSON(t, map[string]any{"type": "ping"})

	// auth, chat, two stops and two pings
	assert.Eventually(t, func() bool { return h.conn.reads.Load() == 6 }, 2*time.Second, 5*time.Millisecond)

	h.conn.releaseWrites()

	assert.Equal(t, "x", h.conn.next(t)["content"], "the chunk already being written")
	usage := h.conn.next(t)
	assert.Equal(t, TypeUsage, usage["type"])
	assert.Equal(t, "r1", usage["requestId"])

	// Queued chunks of the stopped task are dropped and no terminal chunk follows.
	h.ping(t)
}

func TestServe_StopTargetsNamedRequest(t *testing.T) {
	provider := &fakeProvider{newStream: func() *fakeStream {
		return &fakeStream{deltas: deltas("x"), block: true}
	}}
	h := newHarness(t, provider, defaultLimits())
	h.authenticate(t)

	h.conn.sendJSON(t, map[string]any{"type": "chat", "message": "one", "requestId": "a"})
	assert.Equal(t, "a", h.conn.next(t)["requestId"])
	h.conn.sendJSON(t, map[string]any{"type": "chat", "message": "two", "requestId": "b"})
	assert.Equal(t, "b", h.conn.next(t)["requestId"])

	h.conn.sendJSON(t, map[string]any{"type": "stop", "requestId": "a"})
	usage := h.conn.next(t)
	assert.Equal(t, TypeUsage, usage["type"])
	assert.Equal(t, "a", usage["requestId"])

	h.conn.sendJSON(t, map[string]any{"type": "stop", "requestId": "b"})
	usage = h.conn.next(t)
	assert.Equal(t, "b", usage["requestId"])
}

func TestServe_DuplicateRequestID(t *testing.T) {
	provider := &fakeProvider{newStream: func() *fakeStream {
		return &fakeStream{deltas: deltas("x"), block: true}
	}}
	h := newHarness(t, provider, defaultLimits())
	h.authenticate(t)

	h.conn.sendJSON(t, map[string]any{"type": "chat", "message": "one", "requestId": "dup"})
	h.conn.next(t)

	h.conn.sendJSON(t, map[string]any{"type": "chat", "message": "two", "requestId": "dup"})
	assert.Equal(t, map[string]any{"type": "error", "message": "Request already in progress", "requestId": "dup"}, h.conn.next(t))
	assert.Equal(t, 1, provider.calls())
}

func TestServe_DisconnectCancelsTasksAndRecords(t *testing.T) {
	provider := &fakeProvider{newStream: func() *fakeStream {
		return &fakeStream{deltas: deltas("abcd"), block: true}
	}}
	h := newHarness(t, provider, defaultLimits())
	h.authenticate(t)

	h.conn.sendJSON(t, map[string]any{"type": "chat", "message": "abcd"})
	h.conn.next(t)

	require.NoError(t, h.conn.Close())
	require.NoError(t, h.wait(t))

	assert.Equal(t, 0, h.engine.Sessions().Len())
	assert.True(t, provider.lastStream().closed.Load())
	assert.Equal(t, int64(998), h.remaining(t).Daily)
}

func TestServe_ContextCancelEndsSession(t *testing.T) {
	registry := providers.NewModelRegistry()
	registry.RegisterProvider("openai", &fakeProvider{})
	router, err := providers.NewRouter(registry, providers.RouterConfig{DefaultProvider: "openai", DefaultModel: "gpt-4"})
	require.NoError(t, err)

	engine, err := NewEngine(Config{}, Deps{
		Validator:     fakeValidator{},
		Router:        router,
		Quota:         quota.NewEngine(quota.NewMemoryStore(), defaultLimits()),
		Conversations: conversation.NewMemoryStore(),
	})
	require.NoError(t, err)

	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Serve(ctx, conn) }()

	assert.Equal(t, TypeConnected, conn.next(t)["type"])
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, 0, engine.Sessions().Len())
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(Config{}, Deps{})
	assert.Error(t, err)
}
