package providers

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"chatgateway/config"
	"chatgateway/internal/cache"
)

// InitResult holds the initialized provider infrastructure.
type InitResult struct {
	Registry *ModelRegistry
	Router   *Router
	Cache    cache.Cache
	Factory  *ProviderFactory

	stopRefresh func()
}

// Close stops the background refresh and releases the cache.
// Safe to call more than once.
func (r *InitResult) Close() error {
	if r.stopRefresh != nil {
		r.stopRefresh()
		r.stopRefresh = nil
	}
	if r.Cache != nil {
		err := r.Cache.Close()
		r.Cache = nil
		return err
	}
	return nil
}

// Init builds the cache, registers every configured provider, starts the
// asynchronous catalog load plus background refresh, and builds the router.
// The caller must call InitResult.Close during shutdown.
func Init(ctx context.Context, cfg *config.Config, factory *ProviderFactory) (*InitResult, error) {
	if factory == nil {
		return nil, fmt.Errorf("provider factory is required")
	}

	modelCache, err := initCache(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	registry := NewModelRegistry()
	registry.SetCache(modelCache)

	if registerProviders(cfg, factory, registry) == 0 {
		_ = modelCache.Close()
		return nil, fmt.Errorf("no providers were successfully initialized: set OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}

	router, err := NewRouter(registry, RouterConfig{
		Rules:           cfg.Routing.Rules,
		DefaultProvider: cfg.Routing.DefaultProvider,
		DefaultModel:    defaultModel(cfg),
	})
	if err != nil {
		_ = modelCache.Close()
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	registry.InitializeAsync(ctx)

	interval := cfg.Cache.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	return &InitResult{
		Registry:    registry,
		Router:      router,
		Cache:       modelCache,
		Factory:     factory,
		stopRefresh: registry.StartBackgroundRefresh(interval),
	}, nil
}

// defaultModel prefers routing.default_model, then the default provider's own default.
func defaultModel(cfg *config.Config) string {
	if cfg.Routing.DefaultModel != "" {
		return cfg.Routing.DefaultModel
	}
	if pc, ok := providerConfigs(cfg)[cfg.Routing.DefaultProvider]; ok {
		return pc.DefaultModel
	}
	return ""
}

func providerConfigs(cfg *config.Config) map[string]config.ProviderConfig {
	return map[string]config.ProviderConfig{
		"openai":    cfg.Providers.OpenAI,
		"anthropic": cfg.Providers.Anthropic,
	}
}

func initCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Type {
	case "redis":
		c, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			URL: cfg.Redis.URL,
			Key: cfg.Cache.RedisKey,
			TTL: cfg.Cache.RedisTTL,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		path := filepath.Join(cfg.Cache.Dir, "models.json")
		slog.Info("using local model cache", "path", path)
		return cache.NewLocalCache(path), nil
	}
}

// registerProviders creates every configured provider the factory knows.
// Providers without credentials are skipped. Returns how many were registered.
func registerProviders(cfg *config.Config, factory *ProviderFactory, registry *ModelRegistry) int {
	configs := providerConfigs(cfg)

	count := 0
	for _, providerType := range factory.ListRegistered() {
		pc, ok := configs[providerType]
		if !ok || !pc.Configured() {
			slog.Debug("provider not configured", "provider", providerType)
			continue
		}
		p, err := factory.Create(providerType, pc)
		if err != nil {
			slog.Error("failed to initialize provider", "provider", providerType, "error", err)
			continue
		}
		registry.RegisterProvider(providerType, p)
		count++
		slog.Info("provider initialized", "provider", providerType)
	}
	return count
}
