package core

import "time"

// Message roles understood by every provider adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonStop marks the terminal chunk of a completed stream.
const FinishReasonStop = "stop"

// ChatRequest represents a provider-agnostic chat completion request
type ChatRequest struct {
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
}

// WithStreaming returns a shallow copy of the request with Stream set to true.
// This avoids mutating the caller's request object.
func (r *ChatRequest) WithStreaming() *ChatRequest {
	return &ChatRequest{
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Model:       r.Model,
		Messages:    r.Messages,
		Stream:      true,
	}
}

// WithModel returns a shallow copy of the request targeting another model id.
func (r *ChatRequest) WithModel(model string) *ChatRequest {
	cp := *r
	cp.Model = model
	return &cp
}

// Message represents a single message in the chat
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse represents the chat completion response
type ChatResponse struct {
	ID       string   `json:"id"`
	Object   string   `json:"object"`
	Model    string   `json:"model"`
	Provider string   `json:"provider"`
	Choices  []Choice `json:"choices"`
	Usage    Usage    `json:"usage"`
	Created  int64    `json:"created"`
}

// Content returns the text of the first choice, or "" when there is none.
func (r *ChatResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Choice represents a single completion choice
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
	Index        int     `json:"index"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Delta is one increment of streamed output.
// FinishReason is set on the last delta of a stream when the provider reports one.
type Delta struct {
	Text         string
	FinishReason string
}

// Model describes a model a provider can serve.
type Model struct {
	ID              string `json:"id" yaml:"id"`
	Name            string `json:"name" yaml:"name"`
	Provider        string `json:"provider" yaml:"-"`
	ContextWindow   int    `json:"context_window" yaml:"context_window"`
	MaxOutputTokens int    `json:"max_output_tokens" yaml:"max_output_tokens"`
}

// ModelInfo is a model annotated with the gateway's capability flags.
type ModelInfo struct {
	Model
	SupportsStreaming bool `json:"supports_streaming"`
	SupportsFunctions bool `json:"supports_functions"`
}

// ModelsResponse represents the response from the /v1/models endpoint
type ModelsResponse struct {
	Object    string      `json:"object"`
	Data      []ModelInfo `json:"data"`
	UpdatedAt time.Time   `json:"updated_at,omitzero"`
}
