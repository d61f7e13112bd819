package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"

	"github.com/charmbracelet/log"
	"github.com/zalando/go-keyring"
)

const (
	keystoreService = "summeval-sync"
	keystoreUser    = "encryption-key"
)

// GenerateOrLoadKey loads the key from the system keychain, creating one on
// first use. The key is stored base64 encoded.
func GenerateOrLoadKey(logger *log.Logger) ([]byte, error) {
	keyString, err := keyring.Get(keystoreService, keystoreUser)
	if err == nil && keyString != "" {
		key, decodeErr := base64.StdEncoding.DecodeString(keyString)
		if decodeErr == nil && len(key) == keySize {
			return key, nil
		}
		logger.Warn("Keychain entry is not a valid key, replacing it")
	}

	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		logger.Warn("Keystore warning", "err", err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	if err := keyring.Set(keystoreService, keystoreUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		// Linux without a secret service ends up here
		logger.Warn("Failed to store key in keychain, stored credentials will not survive a restart", "err", err)

		if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
			return nil, fmt.Errorf("keychain storage required on %s: %w", runtime.GOOS, err)
		}
	}

	return key, nil
}

// DeleteKey removes the encryption key from the keychain
func DeleteKey() error {
	return keyring.Delete(keystoreService, keystoreUser)
}

// IsKeyStored checks if an encryption key exists in the keychain
func IsKeyStored() bool {
	_, err := keyring.Get(keystoreService, keystoreUser)
	return err == nil
}
