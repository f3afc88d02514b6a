package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a provider transaction in the common shape.
// Amount is signed: negative means credit/income, positive means debit/spend.
type Transaction struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	CredentialID  string          `json:"credential_id"`
	Provider      Provider        `json:"provider"`
	Amount        decimal.Decimal `json:"amount"`
	Date          time.Time       `json:"date"`
	Description   string          `json:"description"`
	MerchantName  string          `json:"merchant_name,omitempty"`
	Categories    []string        `json:"category,omitempty"`
	Pending       bool            `json:"pending"`
	Currency      string          `json:"currency"`
	Location      *Location       `json:"location,omitempty"`
}

// Location is the optional place a transaction happened.
type Location struct {
	Address    string   `json:"address,omitempty"`
	City       string   `json:"city,omitempty"`
	Region     string   `json:"region,omitempty"`
	PostalCode string   `json:"postal_code,omitempty"`
	Country    string   `json:"country,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
}

// IsCredit reports whether the transaction brings money in.
func (t *Transaction) IsCredit() bool {
	return t.Amount.IsNegative()
}
