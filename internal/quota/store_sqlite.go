package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sqliteIncrement = `
	INSERT INTO quota_usage (user_id, kind, window_start, tokens, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (user_id, kind) DO UPDATE SET
		tokens = CASE
			WHEN quota_usage.window_start = excluded.window_start THEN quota_usage.tokens + excluded.tokens
			WHEN quota_usage.window_start < excluded.window_start THEN excluded.tokens
			ELSE quota_usage.tokens
		END,
		window_start = MAX(quota_usage.window_start, excluded.window_start),
		updated_at = excluded.updated_at
	RETURNING tokens
`

// SQLiteStore is the SQLite flavour of PostgreSQLStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the quota table if needed.
// The database is owned by the storage layer.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS quota_usage (
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			window_start TEXT NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, kind)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota_usage table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Increment updates every window inside one transaction.
func (s *SQLiteStore) Increment(ctx context.Context, userID string, delta int64, windows ...Window) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC().Format(time.RFC3339Nano)
	totals := make([]int64, len(windows))
	for i, w := range windows {
		if err := tx.QueryRowContext(ctx, sqliteIncrement, userID, string(w.Kind), w.Start, delta, now).Scan(&totals[i]); err != nil {
			return nil, fmt.Errorf("failed to increment %s quota: %w", w.Kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return totals, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, userID string, windows ...Window) ([]int64, error) {
	used := make([]int64, len(windows))
	for i, w := range windows {
		err := s.db.QueryRowContext(ctx,
			`SELECT tokens FROM quota_usage WHERE user_id = ? AND kind = ? AND window_start = ?`,
			userID, string(w.Kind), w.Start,
		).Scan(&used[i])
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to read %s quota: %w", w.Kind, err)
		}
	}
	return used, nil
}

// Close is a no-op; the database belongs to the storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}
