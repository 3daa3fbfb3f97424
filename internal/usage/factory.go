package usage

import (
	"context"
	"fmt"

	"chatgateway/config"
	"chatgateway/internal/storage"
)

// New creates the ledger logger on the shared database connection.
// When the ledger is disabled it returns a NoopLogger and shared may be nil.
// The caller closes the logger; the connection stays owned by the caller.
func New(ctx context.Context, cfg *config.Config, shared storage.Storage) (LoggerInterface, error) {
	if !cfg.Usage.Enabled {
		return &NoopLogger{}, nil
	}
	if shared == nil {
		return nil, fmt.Errorf("storage is required when the usage ledger is enabled")
	}

	store, err := createStore(ctx, shared, cfg.Usage.RetentionDays)
	if err != nil {
		return nil, err
	}

	return NewLogger(store, buildLoggerConfig(cfg.Usage)), nil
}

// createStore creates the Store for the given storage backend.
func createStore(ctx context.Context, shared storage.Storage, retentionDays int) (Store, error) {
	switch shared.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(shared.SQLiteDB(), retentionDays)

	case storage.TypePostgreSQL:
		pool := shared.PostgreSQLPool()
		if pool == nil {
			return nil, fmt.Errorf("PostgreSQL pool is nil")
		}
		return NewPostgreSQLStore(ctx, pool, retentionDays)

	case storage.TypeMongoDB:
		db := shared.MongoDatabase()
		if db == nil {
			return nil, fmt.Errorf("MongoDB database is nil")
		}
		return NewMongoDBStore(ctx, db, retentionDays)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", shared.Type())
	}
}

func buildLoggerConfig(usageCfg config.UsageConfig) Config {
	return Config{
		Enabled:       usageCfg.Enabled,
		BufferSize:    usageCfg.BufferSize,
		BatchSize:     usageCfg.BatchSize,
		FlushInterval: usageCfg.FlushInterval,
		RetentionDays: usageCfg.RetentionDays,
	}
}
