package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"chatgateway/internal/cache"
	"chatgateway/internal/core"
)

// Snapshot is one provider's catalog as of UpdatedAt. Snapshots are replaced
// whole and never modified after publication; callers must not mutate Models.
type Snapshot struct {
	Provider  string
	Models    []core.ModelInfo
	UpdatedAt time.Time
}

// functionCaller is implemented by adapters that know which models accept
// function definitions.
type functionCaller interface {
	SupportsFunctions(model string) bool
}

// ModelRegistry caches the model catalog of every registered provider.
// Readers never block on upstream calls: Refresh fetches outside the lock and
// publishes each provider's result with a single pointer swap.
type ModelRegistry struct {
	mu        sync.RWMutex
	providers map[string]core.Provider
	order     []string
	snapshots map[string]*Snapshot

	cache       cache.Cache
	now         func() time.Time
	initialized atomic.Bool
}

// NewModelRegistry creates an empty registry
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		providers: make(map[string]core.Provider),
		snapshots: make(map[string]*Snapshot),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetCache sets the persistence backend used by LoadFromCache and SaveToCache.
func (r *ModelRegistry) SetCache(c cache.Cache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = c
}

// RegisterProvider adds a provider under its type. Registering a type twice
// replaces the provider and drops its snapshot.
func (r *ModelRegistry) RegisterProvider(providerType string, p core.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[providerType]; !exists {
		r.order = append(r.order, providerType)
	}
	r.providers[providerType] = p
	delete(r.snapshots, providerType)
}

// Provider returns the adapter registered for providerType.
func (r *ModelRegistry) Provider(providerType string) (core.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[providerType]
	return p, ok
}

// ProviderTypes returns registered provider types in registration order.
func (r *ModelRegistry) ProviderTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Refresh fetches every provider's catalog concurrently. Each success replaces
// that provider's snapshot; a failed provider keeps its previous snapshot.
// The returned error joins the individual failures.
func (r *ModelRegistry) Refresh(ctx context.Context) error {
	r.mu.RLock()
	targets := make(map[string]core.Provider, len(r.providers))
	for name, p := range r.providers {
		targets[name] = p
	}
	r.mu.RUnlock()

	var (
		g      errgroup.Group
		errsMu sync.Mutex
		errs   []error
	)
	for name, p := range targets {
		g.Go(func() error {
			if err := r.refreshProvider(ctx, name, p); err != nil {
				slog.Warn("failed to fetch models from provider", "provider", name, "error", err)
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				errsMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) < len(targets) {
		r.initialized.Store(true)
	}

	slog.Info("model registry refreshed",
		"providers", len(targets),
		"failed_providers", len(errs),
		"models", r.ModelCount(),
	)
	return errors.Join(errs...)
}

func (r *ModelRegistry) refreshProvider(ctx context.Context, name string, p core.Provider) error {
	models, err := p.ListModels(ctx)
	if err != nil {
		return err
	}

	snap := &Snapshot{
		Provider:  name,
		Models:    annotate(name, p, models),
		UpdatedAt: r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// The provider may have been replaced while we were fetching.
	if r.providers[name] != p {
		return nil
	}
	r.snapshots[name] = snap
	return nil
}

func annotate(providerType string, p core.Provider, models []core.Model) []core.ModelInfo {
	fc, _ := p.(functionCaller)

	infos := make([]core.ModelInfo, 0, len(models))
	for _, m := range models {
		m.Provider = providerType
		if m.Name == "" {
			m.Name = m.ID
		}
		info := core.ModelInfo{Model: m, SupportsStreaming: true}
		if fc != nil {
			info.SupportsFunctions = fc.SupportsFunctions(m.ID)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Snapshot returns the current snapshot for providerType.
func (r *ModelRegistry) Snapshot(providerType string) (*Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.snapshots[providerType]
	return snap, ok
}

// Lookup finds a model by id. Providers are searched in registration order.
func (r *ModelRegistry) Lookup(modelID string) (core.ModelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		snap, ok := r.snapshots[name]
		if !ok {
			continue
		}
		i := sort.Search(len(snap.Models), func(i int) bool { return snap.Models[i].ID >= modelID })
		if i < len(snap.Models) && snap.Models[i].ID == modelID {
			return snap.Models[i], true
		}
	}
	return core.ModelInfo{}, false
}

// ListModels returns every cached model sorted by provider then id.
func (r *ModelRegistry) ListModels() []core.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.snapshots))
	for name := range r.snapshots {
		names = append(names, name)
	}
	sort.Strings(names)

	var models []core.ModelInfo
	for _, name := range names {
		models = append(models, r.snapshots[name].Models...)
	}
	return models
}

// UpdatedAt returns the newest snapshot time, or zero when nothing is cached.
func (r *ModelRegistry) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest time.Time
	for _, snap := range r.snapshots {
		if snap.UpdatedAt.After(latest) {
			latest = snap.UpdatedAt
		}
	}
	return latest
}

// ModelCount returns the number of cached models across providers.
func (r *ModelRegistry) ModelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, snap := range r.snapshots {
		n += len(snap.Models)
	}
	return n
}

// ProviderCount returns the number of registered providers
func (r *ModelRegistry) ProviderCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// IsInitialized reports whether at least one provider has been fetched from
// the network, as opposed to only loaded from cache.
func (r *ModelRegistry) IsInitialized() bool {
	return r.initialized.Load()
}

// LoadFromCache installs cached snapshots for registered providers that have
// none yet. Returns the number of models loaded.
func (r *ModelRegistry) LoadFromCache(ctx context.Context) (int, error) {
	r.mu.RLock()
	c := r.cache
	r.mu.RUnlock()

	if c == nil {
		return 0, nil
	}

	stored, err := c.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read model cache: %w", err)
	}
	if stored == nil {
		return 0, nil
	}
	if stored.Version != cache.CurrentVersion {
		slog.Info("ignoring model cache with different version", "version", stored.Version, "want", cache.CurrentVersion)
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for name, ps := range stored.Providers {
		if _, registered := r.providers[name]; !registered {
			continue
		}
		if _, exists := r.snapshots[name]; exists {
			continue
		}
		models := append([]core.ModelInfo(nil), ps.Models...)
		sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
		r.snapshots[name] = &Snapshot{Provider: name, Models: models, UpdatedAt: ps.UpdatedAt}
		loaded += len(models)
	}

	slog.Info("loaded models from cache", "models", loaded, "cache_updated_at", stored.UpdatedAt)
	return loaded, nil
}

// SaveToCache persists all current snapshots.
func (r *ModelRegistry) SaveToCache(ctx context.Context) error {
	r.mu.RLock()
	c := r.cache
	mc := &cache.ModelCache{
		Version:   cache.CurrentVersion,
		UpdatedAt: r.now(),
		Providers: make(map[string]cache.ProviderSnapshot, len(r.snapshots)),
	}
	for name, snap := range r.snapshots {
		mc.Providers[name] = cache.ProviderSnapshot{UpdatedAt: snap.UpdatedAt, Models: snap.Models}
	}
	r.mu.RUnlock()

	if c == nil {
		return nil
	}
	if err := c.Set(ctx, mc); err != nil {
		return fmt.Errorf("failed to save model cache: %w", err)
	}
	slog.Debug("saved models to cache", "providers", len(mc.Providers))
	return nil
}

// InitializeAsync loads cached snapshots synchronously, then refreshes from
// the network in the background and saves the result.
func (r *ModelRegistry) InitializeAsync(ctx context.Context) {
	if cached, err := r.LoadFromCache(ctx); err != nil {
		slog.Warn("failed to load models from cache", "error", err)
	} else if cached > 0 {
		slog.Info("serving cached models while refreshing", "cached_models", cached)
	}

	go func() {
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
		defer cancel()
		r.refreshAndSave(initCtx)
	}()
}

// StartBackgroundRefresh refreshes on every interval tick until the returned
// function is called.
func (r *ModelRegistry) StartBackgroundRefresh(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				r.refreshAndSave(refreshCtx)
				refreshCancel()
			}
		}
	}()

	return cancel
}

func (r *ModelRegistry) refreshAndSave(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil && !r.IsInitialized() {
		slog.Warn("model refresh failed", "error", err)
		return
	}
	if err := r.SaveToCache(ctx); err != nil {
		slog.Warn("failed to save models to cache", "error", err)
	}
}
