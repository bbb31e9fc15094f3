package narrator

import (
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "narrator"

	// KeyProxyAPIKey is the keyring entry for the proxy API key.
	KeyProxyAPIKey = "proxy_api_key"
)

// StoreSecret saves a secret to the OS keyring.
func StoreSecret(key, value string) error {
	if err := keyring.Set(keyringService, key, value); err != nil {
		return fmt.Errorf("storing %s in keyring: %w", key, err)
	}
	return nil
}

// GetSecret reads a secret from the OS keyring. Missing entries and an
// unavailable keyring both return "".
func GetSecret(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteSecret removes a secret. Deleting a missing entry is not an error.
func DeleteSecret(key string) error {
	if err := keyring.Delete(keyringService, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting %s from keyring: %w", key, err)
	}
	return nil
}

// resolveSecrets fills the proxy API key: keyring first, then
// NARRATOR_PROXY_KEY, then whatever the config file held.
func resolveSecrets(cfg *Config) {
	if val := GetSecret(KeyProxyAPIKey); val != "" {
		cfg.Proxy.APIKey = val
		return
	}
	if val := os.Getenv("NARRATOR_PROXY_KEY"); val != "" {
		cfg.Proxy.APIKey = val
		return
	}
	if isEnvReference(cfg.Proxy.APIKey) {
		cfg.Proxy.APIKey = ""
	}
}
