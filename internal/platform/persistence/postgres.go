// Package persistence provides the device-token registry backends.
package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

// PostgresTokenStore implements delivery.TokenStore over a pgx pool. The
// pool is injected and shared with any other component that needs registry
// lookups; it is never the dedicated LISTEN connection.
type PostgresTokenStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresTokenStore creates the store. The caller owns the pool's
// lifecycle except through Close.
func NewPostgresTokenStore(pool *pgxpool.Pool, logger zerolog.Logger) (*PostgresTokenStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool cannot be nil")
	}
	return &PostgresTokenStore{
		pool:   pool,
		logger: logger.With().Str("component", "PostgresTokenStore").Logger(),
	}, nil
}

// Register upserts the token. A token re-registered by a different profile
// (device handed to another account) moves to that profile.
func (s *PostgresTokenStore) Register(ctx context.Context, t delivery.DeviceToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_tokens (profile_id, token, platform, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (token)
		DO UPDATE SET profile_id = EXCLUDED.profile_id, platform = EXCLUDED.platform`,
		t.ProfileID, t.Token, t.Platform,
	)
	if err != nil {
		return fmt.Errorf("failed to register device token: %w", err)
	}
	return nil
}

// Delete removes one token. Deleting an absent token is a no-op.
func (s *PostgresTokenStore) Delete(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM device_tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to delete device token: %w", err)
	}
	return nil
}

// DeleteMany removes a batch of tokens in one statement.
func (s *PostgresTokenStore) DeleteMany(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM device_tokens WHERE token = ANY($1)`, tokens)
	if err != nil {
		return fmt.Errorf("failed to delete device tokens: %w", err)
	}
	return nil
}

// TokensForProfile loads all registrations for one recipient.
func (s *PostgresTokenStore) TokensForProfile(ctx context.Context, profileID string) ([]delivery.DeviceToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT profile_id, token, platform, created_at
		FROM device_tokens
		WHERE profile_id = $1`,
		profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []delivery.DeviceToken
	for rows.Next() {
		var t delivery.DeviceToken
		if err := rows.Scan(&t.ProfileID, &t.Token, &t.Platform, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read device tokens: %w", err)
	}
	return tokens, nil
}

// Close releases the pool.
func (s *PostgresTokenStore) Close() error {
	s.pool.Close()
	return nil
}
