package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"chatgateway/config"
	"chatgateway/internal/core"
)

// RouterConfig is the explicit routing table.
type RouterConfig struct {
	// Rules map model id prefixes to provider types. The longest matching prefix wins.
	Rules []config.RouteRule
	// DefaultProvider receives models no rule matches.
	DefaultProvider string
	// DefaultModel is used when a request names no model.
	DefaultModel string
}

// Route is the outcome of resolving a model id.
type Route struct {
	Provider     core.Provider
	ProviderType string
	Model        string
}

// Router picks the adapter for a model id. It also implements core.Provider
// so callers that do not care about routing can use it directly.
type Router struct {
	registry *ModelRegistry
	rules    []config.RouteRule
	cfg      RouterConfig
}

// NewRouter creates a router over the providers registered in registry.
func NewRouter(registry *ModelRegistry, cfg RouterConfig) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}

	rules := append([]config.RouteRule(nil), cfg.Rules...)
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Prefix) > len(rules[j].Prefix)
	})

	return &Router{registry: registry, rules: rules, cfg: cfg}, nil
}

// DefaultModel returns the model used when a request names none.
func (r *Router) DefaultModel() string {
	return r.cfg.DefaultModel
}

// Resolve maps a model id to a configured provider. An empty id resolves to
// the default model. A "provider/model" id pins the provider explicitly.
func (r *Router) Resolve(model string) (Route, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = r.cfg.DefaultModel
	}
	if model == "" {
		return Route{}, core.NewModelNotFoundError(model)
	}

	sel := core.ParseModelSelector(model)
	if sel.Provider != "" {
		if p, ok := r.registry.Provider(sel.Provider); ok {
			return Route{Provider: p, ProviderType: sel.Provider, Model: sel.Model}, nil
		}
	}

	providerType := r.providerTypeFor(model)
	p, ok := r.registry.Provider(providerType)
	if !ok {
		return Route{}, core.NewModelNotFoundError(model)
	}
	return Route{Provider: p, ProviderType: providerType, Model: model}, nil
}

func (r *Router) providerTypeFor(model string) string {
	for _, rule := range r.rules {
		if strings.HasPrefix(model, rule.Prefix) {
			return rule.Provider
		}
	}
	return r.cfg.DefaultProvider
}

// ChatCompletion routes a non-streaming request.
func (r *Router) ChatCompletion(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	route, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	resp, err := route.Provider.ChatCompletion(ctx, req.WithModel(route.Model))
	if err != nil {
		return nil, err
	}
	if resp.Provider == "" {
		resp.Provider = route.ProviderType
	}
	return resp, nil
}

// StreamChatCompletion routes a streaming request.
func (r *Router) StreamChatCompletion(ctx context.Context, req *core.ChatRequest) (core.DeltaStream, error) {
	route, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	return route.Provider.StreamChatCompletion(ctx, req.WithModel(route.Model))
}

// ListModels returns the cached catalog of every provider.
func (r *Router) ListModels(_ context.Context) ([]core.Model, error) {
	infos := r.registry.ListModels()
	models := make([]core.Model, 0, len(infos))
	for _, info := range infos {
		models = append(models, info.Model)
	}
	return models, nil
}
