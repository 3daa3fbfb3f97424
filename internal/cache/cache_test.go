package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgateway/internal/core"
)

func sampleCache() *ModelCache {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &ModelCache{
		Version:   CurrentVersion,
		UpdatedAt: now,
		Providers: map[string]ProviderSnapshot{
			"anthropic": {
				UpdatedAt: now,
				Models: []core.ModelInfo{{
					Model: core.Model{
						ID:              "claude-3-haiku-20240307",
						Name:            "Claude 3 Haiku",
						Provider:        "anthropic",
						ContextWindow:   200000,
						MaxOutputTokens: 4096,
					},
					SupportsStreaming: true,
				}},
			},
		},
	}
}

func TestLocalCache(t *testing.T) {
	ctx := context.Background()

	t.Run("GetSetRoundTrip", func(t *testing.T) {
		c := NewLocalCache(filepath.Join(t.TempDir(), "models.json"))

		got, err := c.Get(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, c.Set(ctx, sampleCache()))

		got, err = c.Get(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, CurrentVersion, got.Version)
		require.Len(t, got.Providers["anthropic"].Models, 1)
		assert.Equal(t, 200000, got.Providers["anthropic"].Models[0].ContextWindow)
		assert.Equal(t, "anthropic", got.Providers["anthropic"].Models[0].Provider)
	})

	t.Run("CreateDirectoryIfNeeded", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "dir", "models.json")
		require.NoError(t, NewLocalCache(path).Set(ctx, sampleCache()))

		_, err := os.Stat(path)
		assert.NoError(t, err)
		_, err = os.Stat(path + ".tmp")
		assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
	})

	t.Run("EmptyFilePath", func(t *testing.T) {
		c := NewLocalCache("")
		assert.NoError(t, c.Set(ctx, sampleCache()))
		got, err := c.Get(ctx)
		assert.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "models.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

		_, err := NewLocalCache(path).Get(ctx)
		assert.Error(t, err)
	})
}
