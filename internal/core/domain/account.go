package domain

import "github.com/shopspring/decimal"

// AccountType is the top-level account classification shared by all providers.
type AccountType string

const (
	AccountTypeDepository AccountType = "depository"
	AccountTypeCredit     AccountType = "credit"
	AccountTypeLoan       AccountType = "loan"
	AccountTypeInvestment AccountType = "investment"
	AccountTypeOther      AccountType = "other"
)

// BankAccount is a provider account in the common shape.
// It is regenerated on every fetch and never treated as the source of truth.
type BankAccount struct {
	AccountID     string           `json:"account_id"`
	CredentialID  string           `json:"credential_id"`
	Provider      Provider         `json:"provider"`
	Name          string           `json:"name"`
	Type          AccountType      `json:"type"`
	Subtype       string           `json:"subtype,omitempty"`
	Available     *decimal.Decimal `json:"available_balance,omitempty"`
	Current       *decimal.Decimal `json:"current_balance,omitempty"`
	Limit         *decimal.Decimal `json:"limit,omitempty"`
	Currency      string           `json:"currency"`
	InstitutionID string           `json:"institution_id"`
	Mask          string           `json:"mask,omitempty"`
}

// EffectiveBalance returns the available balance, falling back to current.
func (a *BankAccount) EffectiveBalance() (decimal.Decimal, bool) {
	if a.Available != nil {
		return *a.Available, true
	}
	if a.Current != nil {
		return *a.Current, true
	}
	return decimal.Zero, false
}
