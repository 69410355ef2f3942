package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	defer m.Close()

	_, err := m.GetSecret(ctx, "shadowtrade-follower-key-alice")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "shadowtrade-follower-key-alice")

	require.NoError(t, m.PutSecret(ctx, "shadowtrade-follower-key-alice", "sealed-v1"))
	got, err := m.GetSecret(ctx, "shadowtrade-follower-key-alice")
	require.NoError(t, err)
	assert.Equal(t, "sealed-v1", got)

	require.NoError(t, m.PutSecret(ctx, "shadowtrade-follower-key-alice", "sealed-v2"))
	got, err = m.GetSecret(ctx, "shadowtrade-follower-key-alice")
	require.NoError(t, err)
	assert.Equal(t, "sealed-v2", got, "put replaces the latest value")
}

func TestAccessError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantNotFound bool
	}{
		{"grpc not found", status.Error(codes.NotFound, "Secret [projects/p/secrets/x] not found"), true},
		{"permission denied", status.Error(codes.PermissionDenied, "caller lacks secretmanager.versions.access"), false},
		{"unavailable", status.Error(codes.Unavailable, "connection reset"), false},
		{"plain error", errors.New("dial tcp: i/o timeout"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := accessError("shadowtrade-custody-master-key", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.wantNotFound, IsNotFound(err))
			assert.Contains(t, err.Error(), "shadowtrade-custody-master-key")
			if !tt.wantNotFound {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestFollowerKeyName(t *testing.T) {
	prefix := DefaultSecretNames().FollowerKeyPrefix

	tests := []struct {
		followerID string
		want       string
	}{
		{"alice", "shadowtrade-follower-key-alice"},
		{"  bob_2  ", "shadowtrade-follower-key-bob_2"},
		{"7xKX.sol/wallet", "shadowtrade-follower-key-7xKX_sol_wallet"},
		{"carol@example.com", "shadowtrade-follower-key-carol_example_com"},
	}

	for _, tt := range tests {
		t.Run(tt.followerID, func(t *testing.T) {
			assert.Equal(t, tt.want, FollowerKeyName(prefix, tt.followerID))
		})
	}
}

func TestDefaultSecretNames(t *testing.T) {
	names := DefaultSecretNames()
	for _, n := range []string{
		names.VenueAPIKey,
		names.VenueAPISecret,
		names.VenuePassphrase,
		names.VenueAPIKeyName,
		names.VenuePrivateKey,
		names.CustodyMasterKey,
		names.IngressJWTSecret,
		names.FollowerKeyPrefix,
	} {
		assert.NotEmpty(t, n)
		assert.Equal(t, n, invalidSecretChars.ReplaceAllString(n, "_"), "%s is a valid secret id", n)
	}
}
