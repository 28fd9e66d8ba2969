// ABOUTME: Encrypted secret persistence for SQLiteStore
// ABOUTME: Stores ciphertext and nonce blobs; encryption happens in the crypto package

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StoreSecret inserts or replaces the encrypted value for a key.
func (s *SQLiteStore) StoreSecret(ctx context.Context, key string, ciphertext, nonce []byte) error {
	query := `
		INSERT INTO secrets (key, ciphertext, nonce, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query, key, ciphertext, nonce, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storing secret: %w", err)
	}

	s.logger.Debug("stored secret", "key", key)
	return nil
}

// GetSecret returns the ciphertext and nonce for a key.
// Returns ErrNotFound if the key doesn't exist.
func (s *SQLiteStore) GetSecret(ctx context.Context, key string) ([]byte, []byte, error) {
	var ciphertext, nonce []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT ciphertext, nonce FROM secrets WHERE key = ?
	`, key).Scan(&ciphertext, &nonce)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("querying secret: %w", err)
	}
	return ciphertext, nonce, nil
}

// DeleteSecret removes a secret. Returns ErrNotFound if the key doesn't exist.
func (s *SQLiteStore) DeleteSecret(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("deleted secret", "key", key)
	return nil
}

// ListSecretKeys returns every stored key in sorted order.
func (s *SQLiteStore) ListSecretKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("querying secret keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning secret key: %w", err)
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}
