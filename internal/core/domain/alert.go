package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertType classifies balance alerts.
type AlertType string

const (
	AlertTypeLowBalance        AlertType = "low_balance"
	AlertTypeOverdraft         AlertType = "overdraft"
	AlertTypeCreditUtilization AlertType = "high_credit_utilization"
)

// AlertSeverity is the urgency of an alert.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Alert is produced by the balance monitor.
type Alert struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	CredentialID string          `json:"credential_id"`
	AccountID    string          `json:"account_id"`
	AccountName  string          `json:"account_name"`
	Type         AlertType       `json:"type"`
	Severity     AlertSeverity   `json:"severity"`
	Message      string          `json:"message"`
	Balance      decimal.Decimal `json:"balance"`
	Threshold    decimal.Decimal `json:"threshold"`
	Currency     string          `json:"currency"`
	CreatedAt    time.Time       `json:"created_at"`
}
