package saml

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

const (
	// EnvEncryptionKey names the environment variable holding the at-rest
	// encryption key for SP private keys
	EnvEncryptionKey = "SAMLAUTH_ENCRYPTION_KEY"
	// EncryptionKeySize is the required key size for AES-256 (32 bytes)
	EncryptionKeySize = 32
)

var (
	// ErrInvalidKeySize is returned when the encryption key is not 32 bytes
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes (256 bits)")
	// ErrInvalidCiphertext is returned when decryption fails due to truncated input
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// EncryptionService encrypts and decrypts SP private keys at rest using
// AES-256-GCM. Read-only after construction, safe for concurrent use.
type EncryptionService struct {
	key       []byte
	ephemeral bool
}

// NewEncryptionService loads the key from SAMLAUTH_ENCRYPTION_KEY. When the
// variable is unset it generates an ephemeral key, so encrypted values do
// not survive a restart.
func NewEncryptionService() (*EncryptionService, error) {
	keyStr := os.Getenv(EnvEncryptionKey)
	if keyStr == "" {
		debug.Warning("%s not set - generating ephemeral key. Stored SP keys will NOT survive restarts!", EnvEncryptionKey)
		key := make([]byte, EncryptionKeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
		}
		return &EncryptionService{key: key, ephemeral: true}, nil
	}

	key, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		// Try raw bytes if not base64
		key = []byte(keyStr)
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}

	debug.Info("Encryption service initialized with configured key")
	return &EncryptionService{key: key}, nil
}

// IsEphemeral returns true if the key was generated at startup
func (e *EncryptionService) IsEphemeral() bool {
	return e.ephemeral
}

// Encrypt encrypts plaintext and returns base64-encoded nonce+ciphertext
func (e *EncryptionService) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64-encoded ciphertext produced by Encrypt
func (e *EncryptionService) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}

	return string(plaintext), nil
}

// GenerateEncryptionKey returns a fresh random key, base64-encoded, for
// setting in the environment
func GenerateEncryptionKey() (string, error) {
	key := make([]byte, EncryptionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
