package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/infra/storage"
)

// Vault is an in-process CredentialVault for development and tests.
type Vault struct {
	mu    sync.RWMutex
	creds map[string]*domain.Credential
}

func NewVault() *Vault {
	return &Vault{creds: make(map[string]*domain.Credential)}
}

var _ storage.CredentialVault = (*Vault)(nil)

func (v *Vault) StoreCredentials(ctx context.Context, cred *domain.Credential) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creds[cred.ID] = cred.Clone()
	return nil
}

func (v *Vault) RetrieveCredentials(ctx context.Context, credentialID, userID string) (*domain.Credential, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.creds[credentialID]
	if !ok || c.UserID != userID {
		return nil, storage.ErrCredentialNotFound
	}
	return c.Clone(), nil
}

func (v *Vault) DeleteCredentials(ctx context.Context, credentialID, userID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.creds[credentialID]
	if !ok || c.UserID != userID {
		return storage.ErrCredentialNotFound
	}
	delete(v.creds, credentialID)
	return nil
}

func (v *Vault) ListUserCredentials(ctx context.Context, userID string) ([]*domain.Credential, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []*domain.Credential
	for _, c := range v.creds {
		if c.UserID == userID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *Vault) ListActiveCredentials(ctx context.Context) ([]*domain.Credential, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []*domain.Credential
	for _, c := range v.creds {
		if c.Status == domain.ConnectionStatusActive {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *Vault) UpdateStatus(ctx context.Context, credentialID, userID string, update storage.StatusUpdate) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.creds[credentialID]
	if !ok || c.UserID != userID {
		return storage.ErrCredentialNotFound
	}
	c.Status = update.Status
	c.LastError = update.LastError
	if update.LastSync != nil {
		t := *update.LastSync
		c.LastSync = &t
	}
	return nil
}
