package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/windlass-ci/windlass/internal/model"
)

// CreateAPIKey stores a new operator key record. The caller hashes the raw
// secret before calling; raw secrets never reach this layer.
func (db *DB) CreateAPIKey(ctx context.Context, prefix, keyHash, label string) (model.APIKey, error) {
	key := model.APIKey{
		ID:        uuid.New(),
		Prefix:    prefix,
		KeyHash:   keyHash,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, key_hash, label, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		key.ID, key.Prefix, key.KeyHash, key.Label, key.CreatedAt,
	)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return key, nil
}

// GetActiveKeyByPrefix looks up a non-revoked key by its public prefix.
func (db *DB) GetActiveKeyByPrefix(ctx context.Context, prefix string) (model.APIKey, error) {
	var key model.APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, prefix, key_hash, label, created_at, revoked_at
		 FROM api_keys WHERE prefix = $1 AND revoked_at IS NULL`, prefix,
	).Scan(&key.ID, &key.Prefix, &key.KeyHash, &key.Label, &key.CreatedAt, &key.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	return key, nil
}

// RevokeAPIKey marks a key revoked. Idempotent; revoking twice is a no-op.
func (db *DB) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BootstrapAdminKey ensures a key derived from the configured admin secret
// exists. Used at startup so a fresh deployment can authenticate without a
// manual insert. No-op when a key with the prefix already exists.
func (db *DB) BootstrapAdminKey(ctx context.Context, prefix, keyHash string) error {
	_, err := db.GetActiveKeyByPrefix(ctx, prefix)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err = db.CreateAPIKey(ctx, prefix, keyHash, "bootstrap admin")
	return err
}
