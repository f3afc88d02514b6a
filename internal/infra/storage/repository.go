package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/bankwatch/internal/core/domain"
)

var (
	// ErrCredentialNotFound is returned when a credential doesn't exist or
	// belongs to another user
	ErrCredentialNotFound = errors.New("credential not found")
)

// StatusUpdate carries the fields changed after a sync attempt.
type StatusUpdate struct {
	Status    domain.ConnectionStatus
	LastSync  *time.Time
	LastError string
}

// CredentialVault stores provider access tokens, encrypted at rest.
type CredentialVault interface {
	// StoreCredentials inserts or replaces a credential
	StoreCredentials(ctx context.Context, cred *domain.Credential) error

	// RetrieveCredentials loads a credential owned by userID
	RetrieveCredentials(ctx context.Context, credentialID, userID string) (*domain.Credential, error)

	// DeleteCredentials removes a credential owned by userID
	DeleteCredentials(ctx context.Context, credentialID, userID string) error

	// ListUserCredentials returns every credential for a user, oldest first
	ListUserCredentials(ctx context.Context, userID string) ([]*domain.Credential, error)

	// ListActiveCredentials returns every active credential across users,
	// grouped by user and oldest first within a user
	ListActiveCredentials(ctx context.Context) ([]*domain.Credential, error)

	// UpdateStatus records the outcome of a sync
	UpdateStatus(ctx context.Context, credentialID, userID string, update StatusUpdate) error
}
