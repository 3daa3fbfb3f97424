// Package cache persists model registry snapshots so the gateway can serve
// the catalog immediately after a restart. Backends: local file or Redis.
package cache

import (
	"context"
	"time"

	"chatgateway/internal/core"
)

// CurrentVersion is bumped whenever the persisted layout changes.
// Entries with another version are ignored on load.
const CurrentVersion = 2

// ModelCache is the persisted form of every provider snapshot.
type ModelCache struct {
	Version   int                         `json:"version"`
	UpdatedAt time.Time                   `json:"updated_at"`
	Providers map[string]ProviderSnapshot `json:"providers"`
}

// ProviderSnapshot is one provider's model list as of UpdatedAt.
type ProviderSnapshot struct {
	UpdatedAt time.Time        `json:"updated_at"`
	Models    []core.ModelInfo `json:"models"`
}

// Cache stores the model cache. Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns nil, nil if nothing has been stored yet.
	Get(ctx context.Context) (*ModelCache, error)
	Set(ctx context.Context, cache *ModelCache) error
	Close() error
}
