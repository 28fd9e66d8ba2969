// ABOUTME: Master-password key derivation and AES-256-GCM secret encryption
// ABOUTME: The salt lives in a 0600 file under the data directory; the key only in memory

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize = 16
	keySize  = 32 // AES-256

	// DefaultIterations is the PBKDF2 work factor for key derivation.
	// Tests pass a much lower value through NewKeeperWithIterations.
	DefaultIterations = 480000
)

var (
	// ErrNotInitialized is returned when an operation needs the derived key
	// but Initialize has not been called.
	ErrNotInitialized = errors.New("crypto not initialized")

	// ErrWrongPassword is returned by RotateKey when the old password does
	// not derive the current key.
	ErrWrongPassword = errors.New("old password incorrect")
)

// Keeper derives an encryption key from a master password and encrypts
// secret values with AES-256-GCM. Not safe for concurrent use during
// Initialize or RotateKey.
type Keeper struct {
	saltPath   string
	iterations int
	key        []byte
	logger     *slog.Logger
}

// NewKeeper creates a Keeper storing its salt under dataDir.
func NewKeeper(dataDir string) *Keeper {
	return NewKeeperWithIterations(dataDir, DefaultIterations)
}

// NewKeeperWithIterations creates a Keeper with an explicit PBKDF2 work factor.
func NewKeeperWithIterations(dataDir string, iterations int) *Keeper {
	return &Keeper{
		saltPath:   filepath.Join(dataDir, ".salt"),
		iterations: iterations,
		logger:     slog.Default().With("component", "crypto"),
	}
}

// Initialize derives the encryption key from the master password,
// creating the salt file on first use.
func (k *Keeper) Initialize(masterPassword string) error {
	salt, err := k.getOrCreateSalt()
	if err != nil {
		return err
	}
	k.key = k.deriveKey(masterPassword, salt)
	k.logger.Info("encryption initialized")
	return nil
}

// IsInitialized reports whether a key has been derived.
func (k *Keeper) IsInitialized() bool {
	return k.key != nil
}

// Encrypt encrypts plaintext and returns the ciphertext and nonce.
func (k *Keeper) Encrypt(plaintext string) (ciphertext, nonce []byte, err error) {
	if k.key == nil {
		return nil, nil, ErrNotInitialized
	}

	aead, err := k.aead()
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aead.Seal(nil, nonce, []byte(plaintext), nil), nonce, nil
}

// Decrypt decrypts ciphertext with its stored nonce.
func (k *Keeper) Decrypt(ciphertext, nonce []byte) (string, error) {
	if k.key == nil {
		return "", ErrNotInitialized
	}

	aead, err := k.aead()
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting secret: %w", err)
	}

	return string(plaintext), nil
}

// RotateKey switches to a new master password and a fresh salt. The old
// password is verified against the current key in constant time before
// anything is replaced.
func (k *Keeper) RotateKey(oldPassword, newPassword string) error {
	if k.key == nil {
		return ErrNotInitialized
	}

	oldSalt, err := os.ReadFile(k.saltPath)
	if err != nil {
		return fmt.Errorf("reading salt: %w", err)
	}
	oldKey := k.deriveKey(oldPassword, oldSalt)
	if subtle.ConstantTimeCompare(oldKey, k.key) != 1 {
		return ErrWrongPassword
	}

	newSalt := make([]byte, saltSize)
	if _, err := rand.Read(newSalt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	if err := os.WriteFile(k.saltPath, newSalt, 0600); err != nil {
		return fmt.Errorf("writing salt: %w", err)
	}

	k.key = k.deriveKey(newPassword, newSalt)
	k.logger.Info("master password rotated")
	return nil
}

// Clear drops the key from memory.
func (k *Keeper) Clear() {
	k.key = nil
}

func (k *Keeper) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (k *Keeper) deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, k.iterations, keySize, sha256.New)
}

func (k *Keeper) getOrCreateSalt() ([]byte, error) {
	salt, err := os.ReadFile(k.saltPath)
	if err == nil {
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	if err := os.WriteFile(k.saltPath, salt, 0600); err != nil {
		return nil, fmt.Errorf("writing salt: %w", err)
	}
	return salt, nil
}
