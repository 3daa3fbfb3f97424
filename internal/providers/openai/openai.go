// Package openai provides OpenAI API integration for the gateway.
package openai

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"chatgateway/config"
	"chatgateway/internal/core"
	"chatgateway/internal/llmclient"
	"chatgateway/internal/providers"
	"chatgateway/internal/streaming"
)

const (
	providerName   = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
)

// Registration provides factory registration for the OpenAI provider.
var Registration = providers.Registration{
	Type: providerName,
	New: func(cfg config.ProviderConfig, opts providers.ProviderOptions) core.Provider {
		p := New(cfg.APIKey, opts)
		p.organization = cfg.Organization
		if cfg.BaseURL != "" {
			p.SetBaseURL(cfg.BaseURL)
		}
		return p
	},
}

// Provider implements core.Provider for OpenAI
type Provider struct {
	client       *llmclient.Client
	apiKey       string
	organization string
}

// New creates a new OpenAI provider.
func New(apiKey string, opts providers.ProviderOptions) *Provider {
	p := &Provider{apiKey: apiKey}
	p.client = opts.NewClient(providerName, defaultBaseURL, p.setHeaders)
	return p
}

// SetBaseURL allows configuring a custom base URL for the provider
func (p *Provider) SetBaseURL(url string) {
	p.client.SetBaseURL(url)
}

// setHeaders sets the required headers for OpenAI API requests
func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.organization != "" {
		req.Header.Set("OpenAI-Organization", p.organization)
	}

	// OpenAI rejects non-ASCII or oversized client request ids with a 400.
	if requestID := core.GetRequestID(req.Context()); requestID != "" && isValidClientRequestID(requestID) {
		req.Header.Set("X-Client-Request-Id", requestID)
	}
}

func isValidClientRequestID(id string) bool {
	if len(id) > 512 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] > 127 {
			return false
		}
	}
	return true
}

// isOSeriesModel reports whether the model is an o-series reasoning model
// (o1, o3, o4...). These take max_completion_tokens and reject temperature.
func isOSeriesModel(model string) bool {
	m := strings.ToLower(model)
	return len(m) >= 2 && m[0] == 'o' && m[1] >= '0' && m[1] <= '9'
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model               string         `json:"model"`
	Messages            []core.Message `json:"messages"`
	MaxTokens           *int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int           `json:"max_completion_tokens,omitempty"`
	Temperature         *float64       `json:"temperature,omitempty"`
	Stream              bool           `json:"stream,omitempty"`
	StreamOptions       *streamOptions `json:"stream_options,omitempty"`
}

// chatRequestBody builds the wire body. Streaming requests ask for a final
// usage chunk so token counts are authoritative.
func chatRequestBody(req *core.ChatRequest) *chatRequest {
	body := &chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   req.Stream,
	}
	if isOSeriesModel(req.Model) {
		body.MaxCompletionTokens = req.MaxTokens
	} else {
		body.MaxTokens = req.MaxTokens
		body.Temperature = req.Temperature
	}
	if req.Stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return body
}

// ChatCompletion sends a chat completion request to OpenAI
func (p *Provider) ChatCompletion(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	body := chatRequestBody(req)
	body.Stream = false
	body.StreamOptions = nil

	var resp core.ChatResponse
	if err := p.client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     body,
	}, &resp); err != nil {
		return nil, err
	}
	resp.Provider = providerName
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return &resp, nil
}

// StreamChatCompletion opens a streamed chat completion and normalizes it.
func (p *Provider) StreamChatCompletion(ctx context.Context, req *core.ChatRequest) (core.DeltaStream, error) {
	raw, err := p.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     chatRequestBody(req.WithStreaming()),
		Headers:  map[string]string{"Accept": "text/event-stream"},
	})
	if err != nil {
		return nil, err
	}
	return streaming.New(providerName, raw, streaming.OpenAIDecoder(providerName)), nil
}

type modelsResponse struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

// ListModels fetches /models and keeps chat models only, annotated with
// context window and output limits.
func (p *Provider) ListModels(ctx context.Context) ([]core.Model, error) {
	var resp modelsResponse
	if err := p.client.Do(ctx, llmclient.Request{
		Method:   http.MethodGet,
		Endpoint: "/models",
	}, &resp); err != nil {
		return nil, err
	}

	models := make([]core.Model, 0, len(resp.Data))
	for _, m := range resp.Data {
		if !isChatModel(m.ID) {
			continue
		}
		limits := limitsFor(m.ID)
		models = append(models, core.Model{
			ID:              m.ID,
			Name:            m.ID,
			Provider:        providerName,
			ContextWindow:   limits.contextWindow,
			MaxOutputTokens: limits.maxOutput,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// SupportsFunctions reports whether the model accepts function definitions.
func (p *Provider) SupportsFunctions(model string) bool {
	return strings.Contains(model, "gpt-4") || strings.Contains(model, "gpt-3.5-turbo")
}

func isChatModel(id string) bool {
	return strings.Contains(id, "gpt") || isOSeriesModel(id)
}

type modelLimits struct {
	contextWindow int
	maxOutput     int
}

var knownLimits = map[string]modelLimits{
	"gpt-4-turbo-preview": {128000, 4096},
	"gpt-4-0125-preview":  {128000, 4096},
	"gpt-4":               {8192, 4096},
	"gpt-4-0613":          {8192, 4096},
	"gpt-4-32k":           {32768, 4096},
	"gpt-4-32k-0613":      {32768, 4096},
	"gpt-3.5-turbo":       {16385, 4096},
	"gpt-3.5-turbo-0125":  {16385, 4096},
	"o3":                  {200000, 8192},
}

func limitsFor(id string) modelLimits {
	if l, ok := knownLimits[id]; ok {
		return l
	}
	return modelLimits{contextWindow: 4096, maxOutput: 2048}
}
