// Package secrets stores credentials and sealed key material.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var ErrSecretNotFound = errors.New("secret not found")

// Store reads and writes named secrets.
type Store interface {
	GetSecret(ctx context.Context, secretName string) (string, error)
	PutSecret(ctx context.Context, secretName, value string) error
	Close() error
}

// MemoryStore keeps secrets in process. Used for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

func (m *MemoryStore) GetSecret(_ context.Context, secretName string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[secretName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, secretName)
	}
	return v, nil
}

func (m *MemoryStore) PutSecret(_ context.Context, secretName, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[secretName] = value
	return nil
}

func (m *MemoryStore) Close() error { return nil }

type SecretNames struct {
	VenueAPIKey       string `mapstructure:"venue_api_key"`
	VenueAPISecret    string `mapstructure:"venue_api_secret"`
	VenuePassphrase   string `mapstructure:"venue_passphrase"`
	VenueAPIKeyName   string `mapstructure:"venue_api_key_name"`
	VenuePrivateKey   string `mapstructure:"venue_private_key"`
	CustodyMasterKey  string `mapstructure:"custody_master_key"`
	IngressJWTSecret  string `mapstructure:"ingress_jwt_secret"`
	FollowerKeyPrefix string `mapstructure:"follower_key_prefix"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		VenueAPIKey:       "shadowtrade-venue-api-key",
		VenueAPISecret:    "shadowtrade-venue-api-secret",
		VenuePassphrase:   "shadowtrade-venue-passphrase",
		VenueAPIKeyName:   "shadowtrade-venue-api-key-name",
		VenuePrivateKey:   "shadowtrade-venue-private-key",
		CustodyMasterKey:  "shadowtrade-custody-master-key",
		IngressJWTSecret:  "shadowtrade-ingress-jwt-secret",
		FollowerKeyPrefix: "shadowtrade-follower-key-",
	}
}

var invalidSecretChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// FollowerKeyName returns the secret name holding a follower's sealed key.
// Secret Manager ids only allow letters, digits, '-' and '_'.
func FollowerKeyName(prefix, followerID string) string {
	return prefix + invalidSecretChars.ReplaceAllString(strings.TrimSpace(followerID), "_")
}
