package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
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

func TestConvertRequest(t *testing.T) {
	temp := 0.7
	maxTokens := 1024

	tests := []struct {
		name    string
		input   *core.ChatRequest
		checkFn func(*testing.T, *messagesRequest)
	}{
		{
			name: "basic request uses default max tokens",
			input: &core.ChatRequest{
				Model:    "claude-3-opus-20240229",
				Messages: []core.Message{{Role: "user", Content: "Hello"}},
			},
			checkFn: func(t *testing.T, req *messagesRequest) {
				if req.MaxTokens != 4096 {
					t.Errorf("MaxTokens = %d, want 4096", req.MaxTokens)
				}
				if len(req.Messages) != 1 || req.Messages[0].Content != "Hello" {
					t.Errorf("Messages = %+v", req.Messages)
				}
				if req.Temperature != nil {
					t.Errorf("Temperature = %v, want nil", *req.Temperature)
				}
			},
		},
		{
			name: "system folded into first user turn",
			input: &core.ChatRequest{
				Model: "claude-3-haiku-20240307",
				Messages: []core.Message{
					{Role: "system", Content: "Be terse."},
					{Role: "user", Content: "Hi"},
					{Role: "assistant", Content: "Hello"},
				},
				Temperature: &temp,
				MaxTokens:   &maxTokens,
			},
			checkFn: func(t *testing.T, req *messagesRequest) {
				if len(req.Messages) != 2 {
					t.Fatalf("len(Messages) = %d, want 2", len(req.Messages))
				}
				if req.Messages[0].Content != "Be terse.\n\nHi" {
					t.Errorf("first content = %q", req.Messages[0].Content)
				}
				if req.MaxTokens != 1024 {
					t.Errorf("MaxTokens = %d, want 1024", req.MaxTokens)
				}
				if req.Temperature == nil || *req.Temperature != 0.7 {
					t.Errorf("Temperature not passed through")
				}
			},
		},
		{
			name: "system dropped when first turn is assistant",
			input: &core.ChatRequest{
				Model: "claude-3-haiku-20240307",
				Messages: []core.Message{
					{Role: "system", Content: "Be terse."},
					{Role: "assistant", Content: "Earlier answer"},
					{Role: "user", Content: "Follow up"},
				},
			},
			checkFn: func(t *testing.T, req *messagesRequest) {
				if req.Messages[0].Content != "Earlier answer" || req.Messages[1].Content != "Follow up" {
					t.Errorf("Messages = %+v", req.Messages)
				}
			},
		},
		{
			name: "only first system message is used",
			input: &core.ChatRequest{
				Model: "claude-3-haiku-20240307",
				Messages: []core.Message{
					{Role: "system", Content: "one"},
					{Role: "system", Content: "two"},
					{Role: "user", Content: "Hi"},
				},
			},
			checkFn: func(t *testing.T, req *messagesRequest) {
				if len(req.Messages) != 1 || req.Messages[0].Content != "one\n\nHi" {
					t.Errorf("Messages = %+v", req.Messages)
				}
			},
		},
		{
			name: "unknown roles become user",
			input: &core.ChatRequest{
				Model:    "claude-3-haiku-20240307",
				Messages: []core.Message{{Role: "tool", Content: "result"}},
			},
			checkFn: func(t *testing.T, req *messagesRequest) {
				if req.Messages[0].Role != "user" {
					t.Errorf("Role = %q, want user", req.Messages[0].Role)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checkFn(t, convertRequest(tt.input))
		})
	}
}

func TestConvertRequest_DoesNotMutateInput(t *testing.T) {
	req := &core.ChatRequest{
		Model: "claude-3-haiku-20240307",
		Messages: []core.Message{
			{Role: "system", Content: "S"},
			{Role: "user", Content: "U"},
		},
	}
	convertRequest(req)

	if req.Messages[1].Content != "U" || len(req.Messages) != 2 {
		t.Errorf("caller request was modified: %+v", req.Messages)
	}
}

func TestChatCompletion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %q, want /messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-api-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("anthropic-version = %q", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}
		if _, ok := body["stream"]; ok {
			t.Errorf("non-streaming request must not set stream")
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1",
			"model": "claude-3-haiku-20240307",
			"content": [{"type":"text","text":"Hello"},{"type":"text","text":" there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 9, "output_tokens": 3}
		}`)
	})

	resp, err := p.ChatCompletion(context.Background(), &core.ChatRequest{
		Model:    "claude-3-haiku-20240307",
		Messages: []core.Message{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content() != "Hello there" {
		t.Errorf("Content = %q", resp.Content())
	}
	if resp.Provider != "anthropic" {
		t.Errorf("Provider = %q", resp.Provider)
	}
	if resp.Usage != (core.Usage{PromptTokens: 9, CompletionTokens: 3, TotalTokens: 12}) {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if resp.Choices[0].FinishReason != "end_turn" {
		t.Errorf("FinishReason = %q", resp.Choices[0].FinishReason)
	}
}

func TestStreamChatCompletion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body messagesRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}
		if !body.Stream {
			t.Errorf("stream flag not set")
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message_start\n"+
			`data: {"type":"message_start","message":{"usage":{"input_tokens":12,"output_tokens":1}}}`+"\n\n"+
			"event: ping\n"+`data: {"type":"ping"}`+"\n\n"+
			"event: content_block_delta\n"+`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`+"\n\n"+
			"event: content_block_delta\n"+`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":" world"}}`+"\n\n"+
			"event: message_delta\n"+`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`+"\n\n"+
			"event: message_stop\n"+`data: {"type":"message_stop"}`+"\n\n")
	})

	req := &core.ChatRequest{
		Model:    "claude-3-haiku-20240307",
		Messages: []core.Message{{Role: "user", Content: "Hi"}},
	}
	stream, err := p.StreamChatCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	var text string
	for {
		d, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		text += d.Text
	}

	if text != "Hello world" {
		t.Errorf("text = %q", text)
	}
	usage, ok := stream.Usage()
	if !ok || usage.PromptTokens != 12 || usage.CompletionTokens != 2 {
		t.Errorf("Usage = %+v, %v", usage, ok)
	}
	if req.Stream {
		t.Errorf("caller request was modified")
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   core.ErrorType
	}{
		{http.StatusTooManyRequests, core.ErrorTypeRateLimit},
		{http.StatusUnauthorized, core.ErrorTypeAuthentication},
		{http.StatusInternalServerError, core.ErrorTypeAPI},
		{http.StatusBadRequest, core.ErrorTypeAPI},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"type":"error","error":{"type":"x","message":"nope"}}`)
			})

			_, err := p.StreamChatCompletion(context.Background(), &core.ChatRequest{
				Model:    "claude-3-haiku-20240307",
				Messages: []core.Message{{Role: "user", Content: "Hi"}},
			})
			var gwErr *core.GatewayError
			if !errors.As(err, &gwErr) {
				t.Fatalf("expected GatewayError, got %v", err)
			}
			if gwErr.Type != tt.want {
				t.Errorf("Type = %q, want %q", gwErr.Type, tt.want)
			}
		})
	}
}

func TestListModels(t *testing.T) {
	p := New("key", providers.ProviderOptions{})

	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"claude-3-opus-20240229", "claude-3-sonnet-20240229", "claude-3-haiku-20240307"}
	if len(models) != len(want) {
		t.Fatalf("len(models) = %d, want %d", len(models), len(want))
	}
	for i, m := range models {
		if m.ID != want[i] {
			t.Errorf("models[%d].ID = %q, want %q", i, m.ID, want[i])
		}
		if m.ContextWindow != 200000 || m.MaxOutputTokens != 4096 {
			t.Errorf("%s: context=%d max=%d", m.ID, m.ContextWindow, m.MaxOutputTokens)
		}
		if m.Provider != "anthropic" || m.Name == "" {
			t.Errorf("%s: provider=%q name=%q", m.ID, m.Provider, m.Name)
		}
	}

	models[0].ID = "mutated"
	again, _ := p.ListModels(context.Background())
	if again[0].ID != want[0] {
		t.Errorf("ListModels returned shared slice")
	}
}

func TestParseCatalog_Invalid(t *testing.T) {
	if _, err := parseCatalog([]byte("models: [")); err == nil {
		t.Error("expected error for malformed catalog")
	}
}
