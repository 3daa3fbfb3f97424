package conversation

import (
	"context"
	"fmt"

	"chatgateway/internal/storage"
)

// New returns the Store for the shared database, or a MemoryStore when shared is nil.
func New(ctx context.Context, shared storage.Storage) (Store, error) {
	if shared == nil {
		return NewMemoryStore(), nil
	}

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
