package quota

import (
	"context"
	"fmt"

	"chatgateway/config"
	"chatgateway/internal/storage"
)

// NewStore builds the Store selected by cfg.Quota.Store. The "storage" store
// reuses shared, which must then be non-nil. The caller closes the result.
func NewStore(ctx context.Context, cfg *config.Config, shared storage.Storage) (Store, error) {
	switch cfg.Quota.Store {
	case "", "memory":
		return NewMemoryStore(), nil

	case "redis":
		return NewRedisStore(ctx, RedisConfig{
			URL:       cfg.Redis.URL,
			KeyPrefix: cfg.Quota.RedisKeyPrefix,
		})

	case "storage":
		if shared == nil {
			return nil, fmt.Errorf("quota.store=storage requires a database connection")
		}
		return newDatabaseStore(ctx, shared)

	default:
		return nil, fmt.Errorf("unknown quota store: %s", cfg.Quota.Store)
	}
}

func newDatabaseStore(ctx context.Context, shared storage.Storage) (Store, error) {
	switch shared.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(ctx, shared.SQLiteDB())
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, shared.PostgreSQLPool())
	case storage.TypeMongoDB:
		return NewMongoDBStore(ctx, shared.MongoDatabase())
	default:
		return nil, fmt.Errorf("unknown storage type: %s", shared.Type())
	}
}
