// ABOUTME: High-level encrypted secret storage on top of Keeper and the store
// ABOUTME: Secrets are encrypted before they reach SQLite and decrypted on read

package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/grulabs/gru/internal/store"
)

// SecretStore couples the Keeper with the persistence layer so callers
// never see ciphertext.
type SecretStore struct {
	store  store.Store
	keeper *Keeper
}

// NewSecretStore creates a SecretStore.
func NewSecretStore(st store.Store, keeper *Keeper) *SecretStore {
	return &SecretStore{store: st, keeper: keeper}
}

// Set encrypts and stores a secret value under key.
func (s *SecretStore) Set(ctx context.Context, key, value string) error {
	if !s.keeper.IsInitialized() {
		return ErrNotInitialized
	}

	ciphertext, nonce, err := s.keeper.Encrypt(value)
	if err != nil {
		return err
	}
	return s.store.StoreSecret(ctx, key, ciphertext, nonce)
}

// Get retrieves and decrypts a secret. Returns store.ErrNotFound when the
// key doesn't exist.
func (s *SecretStore) Get(ctx context.Context, key string) (string, error) {
	if !s.keeper.IsInitialized() {
		return "", ErrNotInitialized
	}

	ciphertext, nonce, err := s.store.GetSecret(ctx, key)
	if err != nil {
		return "", err
	}
	return s.keeper.Decrypt(ciphertext, nonce)
}

// Delete removes a secret.
func (s *SecretStore) Delete(ctx context.Context, key string) error {
	return s.store.DeleteSecret(ctx, key)
}

// ListKeys returns all stored secret keys.
func (s *SecretStore) ListKeys(ctx context.Context) ([]string, error) {
	return s.store.ListSecretKeys(ctx)
}

// RotateAll rotates the master password and re-encrypts every stored
// secret with the new key. Returns the number of secrets re-encrypted.
func (s *SecretStore) RotateAll(ctx context.Context, oldPassword, newPassword string) (int, error) {
	if !s.keeper.IsInitialized() {
		return 0, ErrNotInitialized
	}

	keys, err := s.ListKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing secrets: %w", err)
	}

	// Decrypt everything with the old key before touching it.
	decrypted := make(map[string]string, len(keys))
	for _, key := range keys {
		value, err := s.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("decrypting %q: %w", key, err)
		}
		decrypted[key] = value
	}

	if err := s.keeper.RotateKey(oldPassword, newPassword); err != nil {
		return 0, err
	}

	for key, value := range decrypted {
		if err := s.Set(ctx, key, value); err != nil {
			return 0, fmt.Errorf("re-encrypting %q: %w", key, err)
		}
	}

	return len(decrypted), nil
}
