package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgateway/config"
	"chatgateway/internal/auth"
	"chatgateway/internal/conversation"
	"chatgateway/internal/core"
	"chatgateway/internal/providers"
	"chatgateway/internal/quota"
	"chatgateway/internal/session"
)

const bearer = "Bearer tok-1"

// stubProvider implements core.Provider for server tests.
type stubProvider struct {
	mu       sync.Mutex
	response *core.ChatResponse
	err      error
	deltas   []string
	lastReq  *core.ChatRequest
}

func (p *stubProvider) ChatCompletion(_ context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	resp := *p.response
	return &resp, nil
}

func (p *stubProvider) StreamChatCompletion(_ context.Context, req *core.ChatRequest) (core.DeltaStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return &sliceStream{deltas: p.deltas}, nil
}

func (p *stubProvider) ListModels(context.Context) ([]core.Model, error) {
	return []core.Model{{ID: "gpt-4"}, {ID: "gpt-3.5-turbo"}}, nil
}

func (p *stubProvider) request() *core.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

type sliceStream struct {
	deltas []string
	pos    int
}

func (s *sliceStream) Next() (core.Delta, error) {
	if s.pos >= len(s.deltas) {
		return core.Delta{}, io.EOF
	}
	s.pos++
	return core.Delta{Text: s.deltas[s.pos-1]}, nil
}

func (s *sliceStream) Usage() (core.Usage, bool) { return core.Usage{}, false }

func (s *sliceStream) Close() error { return nil }

type testEnv struct {
	server   *Server
	provider *stubProvider
	quota    *quota.Engine
	sessions *session.Engine
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()

	provider := &stubProvider{
		response: &core.ChatResponse{
			ID:      "chatcmpl-123",
			Object:  "chat.completion",
			Model:   "gpt-4",
			Choices: []core.Choice{{Message: core.Message{Role: core.RoleAssistant, Content: "Hello!"}, FinishReason: "stop"}},
			Usage:   core.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
		deltas: []string{"Hel", "lo"},
	}

	registry := providers.NewModelRegistry()
	registry.RegisterProvider("openai", provider)
	require.NoError(t, registry.Refresh(context.Background()))

	router, err := providers.NewRouter(registry, providers.RouterConfig{
		Rules:           []config.RouteRule{{Prefix: "mistral", Provider: "mistral"}},
		DefaultProvider: "openai",
		DefaultModel:    "gpt-4",
	})
	require.NoError(t, err)

	validator, err := auth.ParseStaticTokens("tok-1:user-1")
	require.NoError(t, err)

	q := quota.NewEngine(quota.NewMemoryStore(), quota.Limits{Daily: 1000, Monthly: 10000})
	engine, err := session.NewEngine(session.Config{}, session.Deps{
		Validator:     validator,
		Router:        router,
		Quota:         q,
		Conversations: conversation.NewMemoryStore(),
	})
	require.NoError(t, err)

	srv := New(Deps{
		Router:    router,
		Registry:  registry,
		Quota:     q,
		Validator: validator,
		Sessions:  engine,
	}, cfg)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &testEnv{server: srv, provider: provider, quota: q, sessions: engine}
}

func (e *testEnv) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) remainingDaily(t *testing.T) int64 {
	t.Helper()
	r, err := e.quota.Remaining(context.Background(), "user-1")
	require.NoError(t, err)
	return r.Daily
}

func TestChatCompletion(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model": "gpt-4", "messages": [{"role": "user", "content": "Hi"}]}`,
		map[string]string{"Authorization": bearer})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp core.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Hello!", resp.Content())
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, "gpt-4", env.provider.request().Model)

	assert.Equal(t, int64(985), env.remainingDaily(t))
}

func TestChatCompletion_DefaultModelAndEstimatedUsage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.response.Usage = core.Usage{}

	rec := env.do(http.MethodPost, "/v1/chat/completions",
		`{"messages": [{"role": "user", "content": "abcdefgh"}]}`,
		map[string]string{"Authorization": bearer})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "gpt-4", env.provider.request().Model)
	// Two prompt tokens plus two for "Hello!".
	assert.Equal(t, int64(996), env.remainingDaily(t))
}

func TestChatCompletion_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setup      func(env *testEnv)
		wantStatus int
		wantType   string
	}{
		{
			name:       "invalid json",
			body:       `{"model": `,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
		},
		{
			name:       "streaming rejected",
			body:       `{"model": "gpt-4", "stream": true, "messages": [{"role": "user", "content": "Hi"}]}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
		},
		{
			name:       "no messages",
			body:       `{"model": "gpt-4", "messages": []}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
		},
		{
			name:       "unknown model",
			body:       `{"model": "mistral-large", "messages": [{"role": "user", "content": "Hi"}]}`,
			wantStatus: http.StatusNotFound,
			wantType:   "model_not_found",
		},
		{
			name: "upstream rate limit",
			body: `{"model": "gpt-4", "messages": [{"role": "user", "content": "Hi"}]}`,
			setup: func(env *testEnv) {
				env.provider.err = core.NewRateLimitError("openai", "slow down")
			},
			wantStatus: http.StatusTooManyRequests,
			wantType:   "rate_limit_error",
		},
		{
			name: "quota exhausted",
			body: `{"model": "gpt-4", "messages": [{"role": "user", "content": "` + strings.Repeat("x", 8000) + `"}]}`,
			wantStatus: http.StatusTooManyRequests,
			wantType:   "quota_exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			if tt.setup != nil {
				tt.setup(env)
			}

			rec := env.do(http.MethodPost, "/v1/chat/completions", tt.body, map[string]string{"Authorization": bearer})
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			var body map[string]map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantType, body["error"]["type"])
			assert.Equal(t, int64(1000), env.remainingDaily(t))
		})
	}
}

func TestListModels(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/v1/models", "", map[string]string{"Authorization": bearer})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp core.ModelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "gpt-3.5-turbo", resp.Data[0].ID)
	assert.Equal(t, "openai", resp.Data[0].Provider)
	assert.True(t, resp.Data[0].SupportsStreaming)
}

func TestUsage(t *testing.T) {
	env := newTestEnv(t, nil)

	res, ok, err := env.quota.CheckAndReserve(context.Background(), "user-1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = res.Record(context.Background(), quota.Usage{PromptTokens: 30, CompletionTokens: 20})
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/v1/usage", "", map[string]string{"Authorization": bearer})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"user_id": "user-1",
		"daily_limit": 1000,
		"monthly_limit": 10000,
		"remaining_daily": 950,
		"remaining_monthly": 9950
	}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/v1/usage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["providers"])
	assert.Equal(t, float64(2), body["models"])
	assert.Equal(t, true, body["initialized"])
}

func TestHandleError_UnknownError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.err = errors.New("boom")

	rec := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model": "gpt-4", "messages": [{"role": "user", "content": "Hi"}]}`,
		map[string]string{"Authorization": bearer})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "an unexpected error occurred")
}
