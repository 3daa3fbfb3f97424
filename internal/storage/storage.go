// Package storage provides the database connections shared by the quota,
// conversation and usage stores.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Type constants for storage backends
const (
	TypeSQLite     = "sqlite"
	TypePostgreSQL = "postgresql"
	TypeMongoDB    = "mongodb"
)

// Config holds storage configuration
type Config struct {
	// Type is "sqlite", "postgresql" or "mongodb". When empty it is inferred from URL.
	Type string

	// URL is a generic connection string (DATABASE_URL). It fills in the
	// backend-specific URL when that one is unset.
	URL string

	SQLite     SQLiteConfig
	PostgreSQL PostgreSQLConfig
	MongoDB    MongoDBConfig
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	// Path is the database file path (default: data/chatgateway.db)
	Path string
}

// PostgreSQLConfig holds PostgreSQL-specific configuration
type PostgreSQLConfig struct {
	URL      string
	MaxConns int
}

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	URL      string
	Database string
}

// Storage is an open database connection. Exactly one accessor returns a
// non-nil handle, matching Type.
type Storage interface {
	Type() string
	SQLiteDB() *sql.DB
	PostgreSQLPool() *pgxpool.Pool
	MongoDatabase() *mongo.Database
	Close() error
}

// New creates a new Storage based on the configuration.
func New(ctx context.Context, cfg Config) (Storage, error) {
	cfg = cfg.resolve()
	switch cfg.Type {
	case TypeSQLite:
		return NewSQLite(cfg.SQLite)
	case TypePostgreSQL:
		return NewPostgreSQL(ctx, cfg.PostgreSQL)
	case TypeMongoDB:
		return NewMongoDB(ctx, cfg.MongoDB)
	default:
		return nil, fmt.Errorf("unknown storage type: %s (valid: sqlite, postgresql, mongodb)", cfg.Type)
	}
}

// resolve infers Type from URL and copies URL into the matching backend config.
func (cfg Config) resolve() Config {
	if cfg.Type == "" {
		cfg.Type = TypeFromURL(cfg.URL)
	}
	switch cfg.Type {
	case TypePostgreSQL:
		if cfg.PostgreSQL.URL == "" {
			cfg.PostgreSQL.URL = cfg.URL
		}
	case TypeMongoDB:
		if cfg.MongoDB.URL == "" {
			cfg.MongoDB.URL = cfg.URL
		}
	case TypeSQLite:
		if cfg.SQLite.Path == "" && cfg.URL != "" {
			cfg.SQLite.Path = strings.TrimPrefix(cfg.URL, "sqlite://")
		}
	}
	return cfg
}

// TypeFromURL maps a connection string scheme to a storage type.
// Anything unrecognised, including an empty string, is treated as SQLite.
func TypeFromURL(url string) string {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return TypePostgreSQL
	case strings.HasPrefix(url, "mongodb://"), strings.HasPrefix(url, "mongodb+srv://"):
		return TypeMongoDB
	default:
		return TypeSQLite
	}
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Type: TypeSQLite,
		SQLite: SQLiteConfig{
			Path: "data/chatgateway.db",
		},
		PostgreSQL: PostgreSQLConfig{
			MaxConns: 10,
		},
		MongoDB: MongoDBConfig{
			Database: "chatgateway",
		},
	}
}
