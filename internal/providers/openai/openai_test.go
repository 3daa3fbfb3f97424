package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatgateway/internal/core"
	"chatgateway/internal/providers"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p := New("test-api-key", providers.ProviderOptions{HTTPClient: server.Client()})
	p.SetBaseURL(server.URL)
	return p
}

func TestNew(t *testing.T) {
	provider := New("test-api-key", providers.ProviderOptions{})

	if provider.apiKey != "test-api-key" {
		t.Errorf("apiKey = %q, want %q", provider.apiKey, "test-api-key")
	}
	if provider.client == nil {
		t.Error("client should not be nil")
	}
}

func TestChatCompletion(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		responseBody  string
		expectedError core.ErrorType
		checkResponse func(*testing.T, *core.ChatResponse)
	}{
		{
			name:       "successful request",
			statusCode: http.StatusOK,
			responseBody: `{
				"id": "chatcmpl-123",
				"object": "chat.completion",
				"created": 1677652288,
				"model": "gpt-4",
				"choices": [{
					"index": 0,
					"message": {"role": "assistant", "content": "Hello! How can I help you today?"},
					"finish_reason": "stop"
				}],
				"usage": {"prompt_tokens": 9, "completion_tokens": 12, "total_tokens": 21}
			}`,
			checkResponse: func(t *testing.T, resp *core.ChatResponse) {
				if resp.Content() != "Hello! How can I help you today?" {
					t.Errorf("Content = %q", resp.Content())
				}
				if resp.Provider != "openai" {
					t.Errorf("Provider = %q, want openai", resp.Provider)
				}
				if resp.Usage.TotalTokens != 21 {
					t.Errorf("TotalTokens = %d, want 21", resp.Usage.TotalTokens)
				}
			},
		},
		{
			name:          "rate limited",
			statusCode:    http.StatusTooManyRequests,
			responseBody:  `{"error": {"message": "Rate limit exceeded"}}`,
			expectedError: core.ErrorTypeRateLimit,
		},
		{
			name:          "bad key",
			statusCode:    http.StatusUnauthorized,
			responseBody:  `{"error": {"message": "Incorrect API key"}}`,
			expectedError: core.ErrorTypeAuthentication,
		},
		{
			name:          "server error",
			statusCode:    http.StatusInternalServerError,
			responseBody:  `{"error": {"message": "boom"}}`,
			expectedError: core.ErrorTypeAPI,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/chat/completions" {
					t.Errorf("path = %q", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer test-api-key" {
					t.Errorf("Authorization = %q", got)
				}
				w.WriteHeader(tt.statusCode)
				_, _ = io.WriteString(w, tt.responseBody)
			})

			resp, err := p.ChatCompletion(context.Background(), &core.ChatRequest{
				Model:    "gpt-4",
				Messages: []core.Message{{Role: "user", Content: "Hello"}},
			})

			if tt.expectedError != "" {
				var gwErr *core.GatewayError
				if !errors.As(err, &gwErr) {
					t.Fatalf("expected GatewayError, got %v", err)
				}
				if gwErr.Type != tt.expectedError {
					t.Errorf("Type = %q, want %q", gwErr.Type, tt.expectedError)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.checkResponse(t, resp)
		})
	}
}

func TestChatRequestBody(t *testing.T) {
	temp := 0.2
	maxTokens := 256

	t.Run("standard model", func(t *testing.T) {
		body := chatRequestBody(&core.ChatRequest{Model: "gpt-4", Temperature: &temp, MaxTokens: &maxTokens})
		if body.MaxTokens == nil || *body.MaxTokens != 256 || body.MaxCompletionTokens != nil {
			t.Errorf("max tokens mapped wrong: %+v", body)
		}
		if body.Temperature == nil {
			t.Error("temperature dropped for standard model")
		}
		if body.StreamOptions != nil {
			t.Error("stream_options set on non-streaming request")
		}
	})

	t.Run("o-series model", func(t *testing.T) {
		body := chatRequestBody(&core.ChatRequest{Model: "o3-mini", Temperature: &temp, MaxTokens: &maxTokens, Stream: true})
		if body.MaxCompletionTokens == nil || *body.MaxCompletionTokens != 256 || body.MaxTokens != nil {
			t.Errorf("max tokens mapped wrong: %+v", body)
		}
		if body.Temperature != nil {
			t.Error("temperature must be dropped for o-series")
		}
		if body.StreamOptions == nil || !body.StreamOptions.IncludeUsage {
			t.Error("streaming request must ask for usage")
		}
	})
}

func TestIsOSeriesModel(t *testing.T) {
	tests := map[string]bool{
		"o1":              true,
		"o3-mini":         true,
		"O4-mini":         true,
		"gpt-4o":          false,
		"gpt-4":           false,
		"omni-moderation": false,
	}
	for model, want := range tests {
		if got := isOSeriesModel(model); got != want {
			t.Errorf("isOSeriesModel(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestStreamChatCompletion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}
		if body["stream"] != true {
			t.Errorf("stream = %v, want true", body["stream"])
		}
		opts, _ := body["stream_options"].(map[string]any)
		if opts["include_usage"] != true {
			t.Errorf("stream_options = %v", body["stream_options"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, strings.Join([]string{
			`data: {"choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
			`data: {"choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
			`data: {"choices":[{"index":0,"delta":{"content":" world"}}]}`,
			`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
			`data: [DONE]`,
		}, "\n\n")+"\n\n")
	})

	req := &core.ChatRequest{Model: "gpt-4", Messages: []core.Message{{Role: "user", Content: "Hi"}}}
	stream, err := p.StreamChatCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	var parts []string
	for {
		d, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if d.Text != "" {
			parts = append(parts, d.Text)
		}
	}

	if got := strings.Join(parts, "|"); got != "Hello| world" {
		t.Errorf("parts = %q", got)
	}
	usage, ok := stream.Usage()
	if !ok || usage.PromptTokens != 5 || usage.CompletionTokens != 2 {
		t.Errorf("Usage = %+v, %v", usage, ok)
	}
	if req.Stream {
		t.Error("caller request was modified")
	}
}

func TestListModels(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" || r.Method != http.MethodGet {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"object":"list","data":[
			{"id":"gpt-4","owned_by":"openai"},
			{"id":"text-embedding-3-small","owned_by":"openai"},
			{"id":"gpt-4-turbo-preview","owned_by":"openai"},
			{"id":"o3","owned_by":"openai"},
			{"id":"dall-e-3","owned_by":"openai"},
			{"id":"gpt-4o-mini","owned_by":"openai"}
		]}`)
	})

	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string][2]int{
		"gpt-4":               {8192, 4096},
		"gpt-4-turbo-preview": {128000, 4096},
		"gpt-4o-mini":         {4096, 2048},
		"o3":                  {200000, 8192},
	}
	if len(models) != len(want) {
		t.Fatalf("len(models) = %d, want %d: %+v", len(models), len(want), models)
	}
	for _, m := range models {
		limits, ok := want[m.ID]
		if !ok {
			t.Errorf("unexpected model %q", m.ID)
			continue
		}
		if m.ContextWindow != limits[0] || m.MaxOutputTokens != limits[1] {
			t.Errorf("%s: context=%d max=%d, want %v", m.ID, m.ContextWindow, m.MaxOutputTokens, limits)
		}
		if m.Provider != "openai" || m.Name != m.ID {
			t.Errorf("%s: provider=%q name=%q", m.ID, m.Provider, m.Name)
		}
	}
}

func TestSupportsFunctions(t *testing.T) {
	p := New("key", providers.ProviderOptions{})
	if !p.SupportsFunctions("gpt-4-turbo-preview") || !p.SupportsFunctions("gpt-3.5-turbo-0125") {
		t.Error("gpt-4 and gpt-3.5-turbo support functions")
	}
	if p.SupportsFunctions("o3") {
		t.Error("o3 is not flagged for functions")
	}
}

func TestSetHeaders_ForwardsRequestID(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Client-Request-Id"); got != "req-123" {
			t.Errorf("X-Client-Request-Id = %q", got)
		}
		if got := r.Header.Get("OpenAI-Organization"); got != "org-1" {
			t.Errorf("OpenAI-Organization = %q", got)
		}
		_, _ = io.WriteString(w, `{"data":[]}`)
	})
	p.organization = "org-1"

	ctx := core.WithRequestID(context.Background(), "req-123")
	if _, err := p.ListModels(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIsValidClientRequestID(t *testing.T) {
	if !isValidClientRequestID("abc-123") {
		t.Error("ascii id rejected")
	}
	if isValidClientRequestID("héllo") {
		t.Error("non-ascii id accepted")
	}
	if isValidClientRequestID(strings.Repeat("a", 513)) {
		t.Error("oversized id accepted")
	}
}
