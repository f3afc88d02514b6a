// Package provider implements the banking vendor adapters.
//
// This package contains:
//   - Adapter interface: the uniform surface over Plaid and Yodlee
//   - PlaidAdapter and YodleeAdapter: vendor implementations
//   - jsonClient: JSON over HTTPS transport with per-call timeouts
//   - ProviderMonitor: health and throttle tracking
package provider

import (
	"context"
	"time"

	"github.com/vietddude/bankwatch/internal/core/domain"
)

// Adapter is implemented by every banking vendor. Every method may return a
// *fault.IntegrationError once the adapter's retry policy gives up.
type Adapter interface {
	// Name returns the provider identifier
	Name() domain.Provider

	// RequiredFields lists the fields Link needs from the client
	RequiredFields() []string

	// CreateLinkToken returns the payload the client needs to start linking
	CreateLinkToken(ctx context.Context, userID string) (*LinkToken, error)

	// Link completes a connection and returns an unsaved credential
	Link(ctx context.Context, userID string, fields map[string]string) (*LinkResult, error)

	// GetAccounts fetches accounts for a stored credential
	GetAccounts(ctx context.Context, credentialID, userID string) ([]domain.BankAccount, error)

	// GetTransactions fetches transactions in [start, end]
	GetTransactions(ctx context.Context, credentialID, userID string, start, end time.Time) ([]domain.Transaction, error)

	// SyncAccountData fetches accounts and lookback-window transactions together
	SyncAccountData(ctx context.Context, credentialID, userID string) (*SyncResult, error)

	// Remove revokes the credential at the vendor
	Remove(ctx context.Context, credentialID, userID string) (bool, error)

	// Revoke revokes a credential that may not be in the vault yet
	Revoke(ctx context.Context, cred *domain.Credential) (bool, error)

	// Health reports transport health
	Health() HealthStatus
}

// LinkToken starts the vendor's linking widget.
type LinkToken struct {
	Provider   domain.Provider `json:"provider"`
	Token      string          `json:"link_token"`
	URL        string          `json:"url,omitempty"`
	Expiration time.Time       `json:"expiration"`
}

// LinkResult is returned by Link. The credential is not yet stored.
type LinkResult struct {
	Credential *domain.Credential
	Accounts   []domain.BankAccount
}

// SyncResult is the output of SyncAccountData.
type SyncResult struct {
	AccountsCount     int                  `json:"accounts_count"`
	TransactionsCount int                  `json:"transactions_count"`
	Accounts          []domain.BankAccount `json:"accounts"`
	Transactions      []domain.Transaction `json:"transactions"`
}

// HealthStatus represents the health state of a provider.
type HealthStatus struct {
	Provider     domain.Provider `json:"provider"`
	Available    bool            `json:"available"`
	Status       string          `json:"status"`
	MonitorStats MonitorStats    `json:"monitor_stats"`
}
