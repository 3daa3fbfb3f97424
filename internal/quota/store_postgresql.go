package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresIncrement = `
	INSERT INTO quota_usage (user_id, kind, window_start, tokens, updated_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (user_id, kind) DO UPDATE SET
		tokens = CASE
			WHEN quota_usage.window_start = EXCLUDED.window_start THEN quota_usage.tokens + EXCLUDED.tokens
			WHEN quota_usage.window_start < EXCLUDED.window_start THEN EXCLUDED.tokens
			ELSE quota_usage.tokens
		END,
		window_start = GREATEST(quota_usage.window_start, EXCLUDED.window_start),
		updated_at = EXCLUDED.updated_at
	RETURNING tokens
`

// PostgreSQLStore keeps one row per (user, kind) and resets it in the same
// upsert that applies the delta.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the quota table if needed.
// The pool is owned by the storage layer.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS quota_usage (
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			window_start TEXT NOT NULL,
			tokens BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, kind)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota_usage table: %w", err)
	}
	return &PostgreSQLStore{pool: pool}, nil
}

// Increment updates every window inside one transaction.
func (s *PostgreSQLStore) Increment(ctx context.Context, userID string, delta int64, windows ...Window) ([]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	totals := make([]int64, len(windows))
	for i, w := range windows {
		if err := tx.QueryRow(ctx, postgresIncrement, userID, string(w.Kind), w.Start, delta, now).Scan(&totals[i]); err != nil {
			return nil, fmt.Errorf("failed to increment %s quota: %w", w.Kind, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return totals, nil
}

// Get implements Store.
func (s *PostgreSQLStore) Get(ctx context.Context, userID string, windows ...Window) ([]int64, error) {
	used := make([]int64, len(windows))
	for i, w := range windows {
		err := s.pool.QueryRow(ctx,
			`SELECT tokens FROM quota_usage WHERE user_id = $1 AND kind = $2 AND window_start = $3`,
			userID, string(w.Kind), w.Start,
		).Scan(&used[i])
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to read %s quota: %w", w.Kind, err)
		}
	}
	return used, nil
}

// Close is a no-op; the pool belongs to the storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}
