package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"postgres://u:p@localhost/chat", TypePostgreSQL},
		{"postgresql://localhost/chat", TypePostgreSQL},
		{"mongodb://localhost:27017", TypeMongoDB},
		{"mongodb+srv://cluster.example.net", TypeMongoDB},
		{"sqlite://data/chat.db", TypeSQLite},
		{"", TypeSQLite},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeFromURL(tt.url))
		})
	}
}

func TestConfigResolve(t *testing.T) {
	cfg := Config{URL: "postgres://localhost/chat"}.resolve()
	assert.Equal(t, TypePostgreSQL, cfg.Type)
	assert.Equal(t, "postgres://localhost/chat", cfg.PostgreSQL.URL)

	cfg = Config{URL: "sqlite://tmp/chat.db"}.resolve()
	assert.Equal(t, TypeSQLite, cfg.Type)
	assert.Equal(t, "tmp/chat.db", cfg.SQLite.Path)

	cfg = Config{Type: TypeMongoDB, URL: "mongodb://a", MongoDB: MongoDBConfig{URL: "mongodb://b"}}.resolve()
	assert.Equal(t, "mongodb://b", cfg.MongoDB.URL, "explicit backend URL wins")
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(context.Background(), Config{Type: "cassandra"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage type")
}

func TestSQLiteConcurrentWriteSafety(t *testing.T) {
	store, err := New(context.Background(), Config{
		Type:   TypeSQLite,
		SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	require.NoError(t, err)
	defer store.Close()

	assert.Nil(t, store.PostgreSQLPool())
	assert.Nil(t, store.MongoDatabase())
	db := store.SQLiteDB()
	require.NotNil(t, db)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_messages (id TEXT PRIMARY KEY, data TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_quota (id TEXT PRIMARY KEY, data TEXT)`)
	require.NoError(t, err)

	const goroutines = 10
	const insertsPerGoroutine = 50

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*insertsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			table := "test_messages"
			if id%2 == 1 {
				table = "test_quota"
			}
			for j := 0; j < insertsPerGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)`, table),
					fmt.Sprintf("%d-%d", id, j), "payload")
				cancel()
				if err != nil {
					errs <- fmt.Errorf("goroutine %d insert %d into %s: %w", id, j, table, err)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent write error: %v", err)
	}

	var messages, quota int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM test_messages").Scan(&messages))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM test_quota").Scan(&quota))

	expected := (goroutines / 2) * insertsPerGoroutine
	assert.Equal(t, expected, messages)
	assert.Equal(t, expected, quota)
}
