// Package anthropic provides Anthropic Messages API integration for the gateway.
package anthropic

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chatgateway/config"
	"chatgateway/internal/core"
	"chatgateway/internal/llmclient"
	"chatgateway/internal/providers"
	"chatgateway/internal/streaming"
)

const (
	providerName        = "anthropic"
	defaultBaseURL      = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 4096
)

// Registration provides factory registration for the Anthropic provider.
var Registration = providers.Registration{
	Type: providerName,
	New: func(cfg config.ProviderConfig, opts providers.ProviderOptions) core.Provider {
		p := New(cfg.APIKey, opts)
		if cfg.BaseURL != "" {
			p.SetBaseURL(cfg.BaseURL)
		}
		return p
	},
}

//go:embed models.yaml
var catalogYAML []byte

type catalog struct {
	Version int          `yaml:"version"`
	Models  []core.Model `yaml:"models"`
}

// Provider implements core.Provider for Anthropic
type Provider struct {
	client *llmclient.Client
	apiKey string
	models []core.Model
}

// New creates a new Anthropic provider.
func New(apiKey string, opts providers.ProviderOptions) *Provider {
	p := &Provider{apiKey: apiKey, models: mustLoadCatalog()}
	p.client = opts.NewClient(providerName, defaultBaseURL, p.setHeaders)
	return p
}

func mustLoadCatalog() []core.Model {
	models, err := parseCatalog(catalogYAML)
	if err != nil {
		panic(err)
	}
	return models
}

func parseCatalog(data []byte) ([]core.Model, error) {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("anthropic: invalid model catalog: %w", err)
	}
	for i := range c.Models {
		c.Models[i].Provider = providerName
	}
	return c.Models, nil
}

// SetBaseURL allows configuring a custom base URL for the provider
func (p *Provider) SetBaseURL(url string) {
	p.client.SetBaseURL(url)
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("Accept", "application/json")
}

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// convertRequest builds the Messages API body. System turns are removed; the
// first one is folded into the first remaining turn when that turn is from
// the user, and dropped otherwise. Every non-assistant role becomes "user".
func convertRequest(req *core.ChatRequest) *messagesRequest {
	out := &messagesRequest{
		Model:       req.Model,
		Messages:    make([]message, 0, len(req.Messages)),
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var system string
	haveSystem := false
	for _, msg := range req.Messages {
		if msg.Role == core.RoleSystem {
			if !haveSystem {
				system, haveSystem = msg.Content, true
			}
			continue
		}
		role := core.RoleUser
		if msg.Role == core.RoleAssistant {
			role = core.RoleAssistant
		}
		out.Messages = append(out.Messages, message{Role: role, Content: msg.Content})
	}

	if haveSystem && len(out.Messages) > 0 && out.Messages[0].Role == core.RoleUser {
		out.Messages[0].Content = system + "\n\n" + out.Messages[0].Content
	}
	return out
}

func convertResponse(resp *messagesResponse, requestedModel string) *core.ChatResponse {
	var text strings.Builder
	for _, block := range resp.Content {
		text.WriteString(block.Text)
	}

	finishReason := resp.StopReason
	if finishReason == "" {
		finishReason = core.FinishReasonStop
	}
	model := resp.Model
	if model == "" {
		model = requestedModel
	}

	return &core.ChatResponse{
		ID:       resp.ID,
		Object:   "chat.completion",
		Model:    model,
		Provider: providerName,
		Created:  time.Now().Unix(),
		Choices: []core.Choice{{
			Message:      core.Message{Role: core.RoleAssistant, Content: text.String()},
			FinishReason: finishReason,
		}},
		Usage: core.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// ChatCompletion sends a non-streaming Messages request.
func (p *Provider) ChatCompletion(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	body := convertRequest(req)
	body.Stream = false

	var resp messagesResponse
	if err := p.client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/messages",
		Body:     body,
	}, &resp); err != nil {
		return nil, err
	}
	return convertResponse(&resp, req.Model), nil
}

// StreamChatCompletion opens an SSE Messages stream and normalizes it.
func (p *Provider) StreamChatCompletion(ctx context.Context, req *core.ChatRequest) (core.DeltaStream, error) {
	body := convertRequest(req.WithStreaming())

	raw, err := p.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/messages",
		Body:     body,
		Headers:  map[string]string{"Accept": "text/event-stream"},
	})
	if err != nil {
		return nil, err
	}
	return streaming.New(providerName, raw, streaming.AnthropicDecoder(providerName)), nil
}

// ListModels returns the embedded catalog.
func (p *Provider) ListModels(_ context.Context) ([]core.Model, error) {
	return append([]core.Model(nil), p.models...), nil
}

// SupportsFunctions reports false for every catalog model.
func (p *Provider) SupportsFunctions(string) bool {
	return false
}
