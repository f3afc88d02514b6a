package domain

import "time"

// ConnectionStatus is the lifecycle state of a stored credential.
type ConnectionStatus string

const (
	ConnectionStatusPending ConnectionStatus = "pending"
	ConnectionStatusActive  ConnectionStatus = "active"
	ConnectionStatusError   ConnectionStatus = "error"
	ConnectionStatusExpired ConnectionStatus = "expired"
)

// Credential is what the vault stores for one linked institution.
// AccessToken is sensitive and must never be logged.
type Credential struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	Provider        Provider          `json:"provider"`
	InstitutionID   string            `json:"institution_id"`
	InstitutionName string            `json:"institution_name"`
	AccessToken     string            `json:"-"`
	ItemID          string            `json:"item_id,omitempty"`
	AccountIDs      []string          `json:"account_ids,omitempty"`
	Status          ConnectionStatus  `json:"status"`
	ConnectedAt     time.Time         `json:"connected_at"`
	LastSync        *time.Time        `json:"last_sync,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// BankingConnection is derived at query time from vault metadata and a live
// account count; it is not stored independently.
type BankingConnection struct {
	CredentialID    string           `json:"credential_id"`
	Provider        Provider         `json:"provider"`
	InstitutionID   string           `json:"institution_id"`
	InstitutionName string           `json:"institution_name"`
	ConnectedAt     time.Time        `json:"connected_at"`
	LastSync        *time.Time       `json:"last_sync,omitempty"`
	Status          ConnectionStatus `json:"status"`
	AccountCount    int              `json:"account_count"`
}

// NewBankingConnection joins vault metadata with a live account count.
func NewBankingConnection(c *Credential, accountCount int) BankingConnection {
	return BankingConnection{
		CredentialID:    c.ID,
		Provider:        c.Provider,
		InstitutionID:   c.InstitutionID,
		InstitutionName: c.InstitutionName,
		ConnectedAt:     c.ConnectedAt,
		LastSync:        c.LastSync,
		Status:          c.Status,
		AccountCount:    accountCount,
	}
}

// Clone returns a deep copy so stores never share slices or maps with callers.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	out.AccountIDs = append([]string(nil), c.AccountIDs...)
	if c.LastSync != nil {
		t := *c.LastSync
		out.LastSync = &t
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
