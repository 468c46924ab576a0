package sessionkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/railgate/railgate/internal/sessionkit"
)

// PostgresSessionTier is a durable storage tier backed directly by pgx,
// bypassing GORM for deployments that already standardize on pgxpool.
type PostgresSessionTier struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionTier constructs a tier over an existing pool.
func NewPostgresSessionTier(pool *pgxpool.Pool) *PostgresSessionTier {
	return &PostgresSessionTier{pool: pool}
}

// BuildPool creates a pgx pool with sane defaults.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	config.MinConns = 1
	config.MaxConns = 8
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	return pgxpool.NewWithConfig(ctx, config)
}

// EnsureSchema creates the session table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS session_state (
    record_key TEXT PRIMARY KEY,
    record_value TEXT NOT NULL,
    updated_at_unix BIGINT NOT NULL
);
`)
	return err
}

// Name identifies the tier in logs.
func (tier *PostgresSessionTier) Name() string {
	return "database_pgx"
}

// Get returns the stored value for key or sessionkit.ErrTierKeyNotFound.
func (tier *PostgresSessionTier) Get(ctx context.Context, key string) (string, error) {
	var value string
	row := tier.pool.QueryRow(ctx, `
SELECT record_value FROM session_state WHERE record_key = $1
`, key)
	if scanErr := row.Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", fmt.Errorf("session_tier.get.pgx: %w", sessionkit.ErrTierKeyNotFound)
		}
		return "", fmt.Errorf("session_tier.get.pgx: %w", scanErr)
	}
	return value, nil
}

// Set upserts the value under key.
func (tier *PostgresSessionTier) Set(ctx context.Context, key string, value string) error {
	_, execErr := tier.pool.Exec(ctx, `
INSERT INTO session_state (record_key, record_value, updated_at_unix)
VALUES ($1, $2, $3)
ON CONFLICT (record_key) DO UPDATE
SET record_value = EXCLUDED.record_value, updated_at_unix = EXCLUDED.updated_at_unix
`, key, value, time.Now().UTC().Unix())
	if execErr != nil {
		return fmt.Errorf("session_tier.set.pgx: %w", execErr)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (tier *PostgresSessionTier) Delete(ctx context.Context, key string) error {
	_, execErr := tier.pool.Exec(ctx, `
DELETE FROM session_state WHERE record_key = $1
`, key)
	if execErr != nil {
		return fmt.Errorf("session_tier.delete.pgx: %w", execErr)
	}
	return nil
}
