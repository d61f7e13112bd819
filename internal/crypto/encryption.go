// Package crypto seals server credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"summeval-sync/internal/logging"
)

// KeyEnv names the environment variable that overrides the keychain key.
const KeyEnv = "SUMMEVAL_ENCRYPTION_KEY"

const keySize = 32

// Cipher encrypts and decrypts credential strings.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: gcm}, nil
}

// Load returns a cipher keyed from the environment or the system keychain.
// Priority:
// 1. SUMMEVAL_ENCRYPTION_KEY (base64 32-byte key, or any string which is hashed)
// 2. System keychain, generating and storing a key on first use
func Load(logger *log.Logger) (*Cipher, error) {
	if keyString := os.Getenv(KeyEnv); keyString != "" {
		return NewCipher(DeriveKey(keyString))
	}

	key, err := GenerateOrLoadKey(logging.OrDefault(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption from keystore: %w", err)
	}
	return NewCipher(key)
}

// DeriveKey turns a configured key string into 32 bytes. A base64 value of
// exactly 32 bytes is used as is, anything else is hashed with SHA-256.
func DeriveKey(keyString string) []byte {
	keyBytes, err := base64.StdEncoding.DecodeString(keyString)
	if err != nil {
		hash := sha256.Sum256([]byte(keyString))
		return hash[:]
	}
	if len(keyBytes) != keySize {
		hash := sha256.Sum256(keyBytes)
		return hash[:]
	}
	return keyBytes
}

// Encrypt returns base64(nonce || ciphertext). An empty plaintext stays empty
// so unset credentials round-trip without a stored blob.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil {
		return "", errors.New("encryption not initialized")
	}
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(ciphertextB64 string) (string, error) {
	if c == nil {
		return "", errors.New("encryption not initialized")
	}
	if ciphertextB64 == "" {
		return "", nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
