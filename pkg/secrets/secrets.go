// Package secrets resolves named service secrets (fallback provider API
// key, proxy password) from the system keychain with an environment
// variable fallback.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const keyringService = "cookiepool"

// Well-known secret names.
const (
	NameFallbackAPIKey = "fallback_api_key"
	NameProxyPassword  = "proxy_password"
)

var (
	ErrNotFound = errors.New("secret not found")
	ErrReadOnly = errors.New("secret store is read-only")
)

// Store resolves named secrets.
type Store interface {
	Get(name string) (string, error)
	Set(name, value string) error
	Delete(name string) error
}

// KeyringStore keeps secrets in the system keychain.
type KeyringStore struct{}

// NewKeyringStore probes keychain availability before returning a store.
func NewKeyringStore() (*KeyringStore, error) {
	const probe = "availability_probe"
	if err := keyring.Set(keyringService, probe, "ok"); err != nil {
		return nil, fmt.Errorf("keyring not available: %w", err)
	}
	_ = keyring.Delete(keyringService, probe)

	return &KeyringStore{}, nil
}

// Get retrieves a secret from the keychain.
func (k *KeyringStore) Get(name string) (string, error) {
	value, err := keyring.Get(keyringService, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read keyring: %w", err)
	}
	return value, nil
}

// Set stores a secret in the keychain.
func (k *KeyringStore) Set(name, value string) error {
	if err := keyring.Set(keyringService, name, value); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}
	return nil
}

// Delete removes a secret from the keychain.
func (k *KeyringStore) Delete(name string) error {
	err := keyring.Delete(keyringService, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// EnvStore reads secrets from COOKIEPOOL_<NAME> environment variables.
type EnvStore struct{}

// NewEnvStore creates an environment-backed store.
func NewEnvStore() *EnvStore {
	return &EnvStore{}
}

// Get reads the secret from the environment.
func (e *EnvStore) Get(name string) (string, error) {
	key := "COOKIEPOOL_" + strings.ToUpper(name)
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	return "", ErrNotFound
}

// Set is not supported for environment variables.
func (e *EnvStore) Set(name, value string) error { return ErrReadOnly }

// Delete is not supported for environment variables.
func (e *EnvStore) Delete(name string) error { return ErrReadOnly }

// Chain tries stores in order.
type Chain struct {
	stores []Store
}

// NewChain builds the default resolution chain: keychain first if
// available, environment always.
func NewChain() *Chain {
	var stores []Store
	if ks, err := NewKeyringStore(); err == nil {
		stores = append(stores, ks)
	}
	stores = append(stores, NewEnvStore())
	return &Chain{stores: stores}
}

// NewChainWith builds a chain from explicit stores, for tests and
// restricted deployments.
func NewChainWith(stores ...Store) *Chain {
	return &Chain{stores: stores}
}

// Get returns the secret from the first store that has it.
func (c *Chain) Get(name string) (string, error) {
	for _, s := range c.stores {
		if value, err := s.Get(name); err == nil {
			return value, nil
		}
	}
	return "", ErrNotFound
}

// Set writes through to the first store that accepts the secret.
func (c *Chain) Set(name, value string) error {
	var lastErr error
	for _, s := range c.stores {
		if err := s.Set(name, value); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no writable secret store")
	}
	return lastErr
}

// Delete removes the secret from every store that holds it.
func (c *Chain) Delete(name string) error {
	var deleted bool
	for _, s := range c.stores {
		if err := s.Delete(name); err == nil {
			deleted = true
		}
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}
