// Package custody holds follower signing keys and hands out signers for
// venue submissions. Keys are stored sealed under a master key.
package custody

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/shadowtrade/pkg/secrets"
)

var (
	// ErrKeyNotFound means the follower has no provisioned key. The follower's
	// position fails; retrying will not help.
	ErrKeyNotFound = errors.New("signing key not found")
	ErrKeyExists   = errors.New("signing key already provisioned")
)

// Signer signs venue submissions on behalf of one follower.
type Signer interface {
	FollowerID() string
	// Address is the base58 encoded public key.
	Address() string
	Sign(message []byte) ([]byte, error)
}

// Custodian resolves follower signers.
type Custodian interface {
	GetSigner(ctx context.Context, followerID string) (Signer, error)
}

type ed25519Signer struct {
	followerID string
	key        ed25519.PrivateKey
}

func (s *ed25519Signer) FollowerID() string { return s.followerID }

func (s *ed25519Signer) Address() string {
	return base58.Encode(s.key.Public().(ed25519.PublicKey))
}

func (s *ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}

// Verify checks a signature produced by a signer with the given address.
func Verify(address string, message, signature []byte) bool {
	pub, err := base58.Decode(address)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, signature)
}

// Vault seals ed25519 seeds with AES-256-GCM and keeps them in a secrets.Store.
type Vault struct {
	store  secrets.Store
	aead   cipher.AEAD
	prefix string
	logger *logrus.Logger
}

var _ Custodian = (*Vault)(nil)

// NewVault builds a vault from a base64 encoded 32-byte master key.
func NewVault(store secrets.Store, masterKeyB64, prefix string, logger *logrus.Logger) (*Vault, error) {
	masterKey, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	if prefix == "" {
		prefix = secrets.DefaultSecretNames().FollowerKeyPrefix
	}
	return &Vault{store: store, aead: aead, prefix: prefix, logger: logger}, nil
}

// GenerateMasterKey returns a fresh base64 encoded master key.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (v *Vault) GetSigner(ctx context.Context, followerID string) (Signer, error) {
	sealed, err := v.store.GetSecret(ctx, secrets.FollowerKeyName(v.prefix, followerID))
	if err != nil {
		if secrets.IsNotFound(err) {
			return nil, fmt.Errorf("%w: follower %s", ErrKeyNotFound, followerID)
		}
		return nil, fmt.Errorf("load key for follower %s: %w", followerID, err)
	}

	seed, err := v.open(followerID, sealed)
	if err != nil {
		return nil, err
	}
	return &ed25519Signer{followerID: followerID, key: ed25519.NewKeyFromSeed(seed)}, nil
}

// Provision generates and stores a new key for the follower and returns its
// address. Returns ErrKeyExists if one is already stored.
func (v *Vault) Provision(ctx context.Context, followerID string) (string, error) {
	name := secrets.FollowerKeyName(v.prefix, followerID)
	if _, err := v.store.GetSecret(ctx, name); err == nil {
		return "", fmt.Errorf("%w: follower %s", ErrKeyExists, followerID)
	} else if !secrets.IsNotFound(err) {
		return "", fmt.Errorf("check existing key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}

	sealed, err := v.seal(followerID, priv.Seed())
	if err != nil {
		return "", err
	}
	if err := v.store.PutSecret(ctx, name, sealed); err != nil {
		return "", fmt.Errorf("store key: %w", err)
	}

	address := base58.Encode(pub)
	v.logger.WithFields(logrus.Fields{
		"follower_id": followerID,
		"address":     address,
	}).Info("Provisioned follower signing key")
	return address, nil
}

// seal binds the ciphertext to the follower id through the GCM additional data
// so a sealed key copied to another follower's slot fails to open.
func (v *Vault) seal(followerID string, seed []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := v.aead.Seal(nonce, nonce, seed, []byte(followerID))
	return base64.StdEncoding.EncodeToString(out), nil
}

func (v *Vault) open(followerID, sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed key: %w", err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return nil, errors.New("sealed key too short")
	}
	seed, err := v.aead.Open(nil, raw[:ns], raw[ns:], []byte(followerID))
	if err != nil {
		return nil, fmt.Errorf("unseal key for follower %s: %w", followerID, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed size %d", len(seed))
	}
	return seed, nil
}
