// Package secrets provides persisted secret storage using the system keyring.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"

	zkeyring "github.com/zalando/go-keyring"
)

// ServiceName is the identifier used for storing entries in the system keyring.
const ServiceName = "proxybridge"

// Well-known entry keys.
const (
	// KeyAuthSession holds the serialized OAuth session.
	KeyAuthSession = "auth-session"
	// KeyProxyConfig holds the serialized active proxy connection config.
	KeyProxyConfig = "proxy-config"
)

// ErrNotFound is returned when an entry does not exist in the store.
var ErrNotFound = errors.New("secret not found")

// Store defines the interface for secret storage operations.
type Store interface {
	// Save stores a value under the given key.
	Save(key string, value []byte) error
	// Load retrieves the value for the given key.
	// Returns ErrNotFound if no value exists.
	Load(key string) ([]byte, error)
	// Delete removes the value for the given key. Deleting a missing
	// key is not an error.
	Delete(key string) error
}

// Keyring implements Store using the system keyring.
type Keyring struct{}

// NewKeyring creates a new Keyring instance.
func NewKeyring() *Keyring {
	return &Keyring{}
}

// Save stores a value under the given key in the system keyring.
func (k *Keyring) Save(key string, value []byte) error {
	if err := zkeyring.Set(ServiceName, key, string(value)); err != nil {
		return fmt.Errorf("failed to store secret %q: %w", key, err)
	}
	return nil
}

// Load retrieves the value for the given key from the system keyring.
func (k *Keyring) Load(key string) ([]byte, error) {
	value, err := zkeyring.Get(ServiceName, key)
	if err != nil {
		if errors.Is(err, zkeyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to retrieve secret %q: %w", key, err)
	}
	return []byte(value), nil
}

// Delete removes the value for the given key from the system keyring.
// This operation is idempotent.
func (k *Keyring) Delete(key string) error {
	if err := zkeyring.Delete(ServiceName, key); err != nil {
		if errors.Is(err, zkeyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete secret %q: %w", key, err)
	}
	return nil
}

// SaveJSON marshals v and stores it under key.
func SaveJSON(s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal secret %q: %w", key, err)
	}
	return s.Save(key, data)
}

// LoadJSON loads the value under key and unmarshals it into out.
// Returns ErrNotFound if no value exists.
func LoadJSON(s Store, key string, out any) error {
	data, err := s.Load(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal secret %q: %w", key, err)
	}
	return nil
}
