// Package providers wires upstream adapters together: a factory that builds
// them from configuration, a model registry that caches their catalogs and a
// router that picks the adapter for a model id.
package providers

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"chatgateway/config"
	"chatgateway/internal/core"
	"chatgateway/internal/llmclient"
)

// ProviderOptions carries settings shared by every adapter.
type ProviderOptions struct {
	// HTTPClient overrides the default upstream client. Nil uses httpclient defaults.
	HTTPClient *http.Client
	Hooks      llmclient.Hooks
	Resilience config.ResilienceConfig
}

// ClientConfig builds the llmclient configuration for one adapter.
func (o ProviderOptions) ClientConfig(providerName, baseURL string) llmclient.Config {
	cfg := llmclient.DefaultConfig(providerName, baseURL)
	cfg.Hooks = o.Hooks
	cfg.MaxRetries = o.Resilience.MaxRetries

	if !o.Resilience.CircuitBreaker {
		cfg.CircuitBreaker = nil
		return cfg
	}
	if o.Resilience.FailureThreshold > 0 {
		cfg.CircuitBreaker.FailureThreshold = o.Resilience.FailureThreshold
	}
	if o.Resilience.SuccessThreshold > 0 {
		cfg.CircuitBreaker.SuccessThreshold = o.Resilience.SuccessThreshold
	}
	if o.Resilience.OpenTimeout > 0 {
		cfg.CircuitBreaker.Timeout = o.Resilience.OpenTimeout
	}
	return cfg
}

// NewClient builds the llmclient for an adapter, honoring HTTPClient when set.
func (o ProviderOptions) NewClient(providerName, baseURL string, headers llmclient.HeaderSetter) *llmclient.Client {
	cfg := o.ClientConfig(providerName, baseURL)
	if o.HTTPClient != nil {
		return llmclient.NewWithHTTPClient(o.HTTPClient, cfg, headers)
	}
	return llmclient.New(cfg, headers)
}

// Registration describes how to build one provider type.
type Registration struct {
	Type string
	New  func(cfg config.ProviderConfig, opts ProviderOptions) core.Provider
}

// ProviderFactory creates adapters by provider type.
type ProviderFactory struct {
	mu       sync.RWMutex
	builders map[string]Registration
	opts     ProviderOptions
}

// NewProviderFactory returns an empty factory.
func NewProviderFactory(opts ProviderOptions) *ProviderFactory {
	return &ProviderFactory{
		builders: make(map[string]Registration),
		opts:     opts,
	}
}

// Add registers a provider type. A later registration of the same type wins.
func (f *ProviderFactory) Add(reg Registration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[reg.Type] = reg
}

// Create instantiates the adapter for providerType.
func (f *ProviderFactory) Create(providerType string, cfg config.ProviderConfig) (core.Provider, error) {
	f.mu.RLock()
	reg, ok := f.builders[providerType]
	opts := f.opts
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", providerType)
	}
	if !cfg.Configured() {
		return nil, fmt.Errorf("provider %s has no api key", providerType)
	}
	return reg.New(cfg, opts), nil
}

// ListRegistered returns the registered provider types in sorted order.
func (f *ProviderFactory) ListRegistered() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.builders))
	for t := range f.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
