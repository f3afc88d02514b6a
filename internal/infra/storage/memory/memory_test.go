package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/infra/storage"
)

func cred(id, user string, at time.Time) *domain.Credential {
	return &domain.Credential{
		ID:          id,
		UserID:      user,
		Provider:    domain.ProviderPlaid,
		AccessToken: "secret-" + id,
		AccountIDs:  []string{"acc-1"},
		Status:      domain.ConnectionStatusActive,
		ConnectedAt: at,
	}
}

func TestVaultOwnership(t *testing.T) {
	ctx := context.Background()
	v := NewVault()
	require.NoError(t, v.StoreCredentials(ctx, cred("c1", "alice", time.Now())))

	_, err := v.RetrieveCredentials(ctx, "c1", "bob")
	assert.ErrorIs(t, err, storage.ErrCredentialNotFound)

	err = v.DeleteCredentials(ctx, "c1", "bob")
	assert.ErrorIs(t, err, storage.ErrCredentialNotFound)

	got, err := v.RetrieveCredentials(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "secret-c1", got.AccessToken)
}

func TestVaultReturnsCopies(t *testing.T) {
	ctx := context.Background()
	v := NewVault()
	c := cred("c1", "alice", time.Now())
	require.NoError(t, v.StoreCredentials(ctx, c))

	c.AccountIDs[0] = "mutated"
	got, _ := v.RetrieveCredentials(ctx, "c1", "alice")
	assert.Equal(t, "acc-1", got.AccountIDs[0])

	got.Status = domain.ConnectionStatusError
	again, _ := v.RetrieveCredentials(ctx, "c1", "alice")
	assert.Equal(t, domain.ConnectionStatusActive, again.Status)
}

func TestVaultListOrderAndStatus(t *testing.T) {
	ctx := context.Background()
	v := NewVault()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, v.StoreCredentials(ctx, cred("c2", "alice", base.Add(time.Hour))))
	require.NoError(t, v.StoreCredentials(ctx, cred("c1", "alice", base)))
	require.NoError(t, v.StoreCredentials(ctx, cred("c3", "bob", base)))

	list, err := v.ListUserCredentials(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c1", list[0].ID)
	assert.Equal(t, "c2", list[1].ID)

	synced := base.Add(2 * time.Hour)
	require.NoError(t, v.UpdateStatus(ctx, "c2", "alice", storage.StatusUpdate{
		Status:    domain.ConnectionStatusError,
		LastSync:  &synced,
		LastError: "institution down",
	}))
	got, _ := v.RetrieveCredentials(ctx, "c2", "alice")
	assert.Equal(t, domain.ConnectionStatusError, got.Status)
	assert.Equal(t, "institution down", got.LastError)
	assert.Equal(t, synced, *got.LastSync)
}

func TestVaultListActiveCredentials(t *testing.T) {
	ctx := context.Background()
	v := NewVault()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, v.StoreCredentials(ctx, cred("c3", "bob", base)))
	require.NoError(t, v.StoreCredentials(ctx, cred("c2", "alice", base.Add(time.Hour))))
	require.NoError(t, v.StoreCredentials(ctx, cred("c1", "alice", base)))
	expired := cred("c4", "carol", base)
	expired.Status = domain.ConnectionStatusExpired
	require.NoError(t, v.StoreCredentials(ctx, expired))

	list, err := v.ListActiveCredentials(ctx)
	require.NoError(t, err)
	var ids []string
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids)
}
