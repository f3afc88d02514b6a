package monitor

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/vietddude/bankwatch/internal/core/domain"
)

// ThresholdType selects how the low-balance threshold is interpreted.
type ThresholdType string

const (
	// ThresholdFixed compares the balance against an absolute amount.
	ThresholdFixed ThresholdType = "fixed"
	// ThresholdPercent compares against a percentage of the account's reference balance.
	ThresholdPercent ThresholdType = "percent"
)

var hundred = decimal.NewFromInt(100)

// Config holds balance rule settings.
type Config struct {
	Interval time.Duration
	// LowBalanceThreshold is an amount for ThresholdFixed, a percentage for ThresholdPercent.
	LowBalanceThreshold      decimal.Decimal
	ThresholdType            ThresholdType
	CreditUtilizationPercent decimal.Decimal
}

// DefaultConfig returns the rules used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Interval:                 15 * time.Minute,
		LowBalanceThreshold:      decimal.NewFromInt(100),
		ThresholdType:            ThresholdFixed,
		CreditUtilizationPercent: decimal.NewFromInt(80),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.ThresholdType == "" {
		c.ThresholdType = def.ThresholdType
	}
	if !c.LowBalanceThreshold.IsPositive() {
		c.LowBalanceThreshold = def.LowBalanceThreshold
	}
	if !c.CreditUtilizationPercent.IsPositive() {
		c.CreditUtilizationPercent = def.CreditUtilizationPercent
	}
	return c
}

// lowBalanceThreshold resolves the threshold for one account. ok is false
// when a percentage rule has no usable reference balance.
func (c Config) lowBalanceThreshold(reference decimal.Decimal, hasReference bool) (decimal.Decimal, bool) {
	if c.ThresholdType != ThresholdPercent {
		return c.LowBalanceThreshold, true
	}
	if !hasReference || !reference.IsPositive() {
		return decimal.Zero, false
	}
	return reference.Mul(c.LowBalanceThreshold).Div(hundred), true
}

// evaluate applies every rule to one account.
func (m *Monitor) evaluate(userID string, acct *domain.BankAccount, at time.Time) []domain.Alert {
	var alerts []domain.Alert
	newAlert := func(t domain.AlertType, sev domain.AlertSeverity, bal, threshold decimal.Decimal, msg string) {
		alerts = append(alerts, domain.Alert{
			ID:           ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
			UserID:       userID,
			CredentialID: acct.CredentialID,
			AccountID:    acct.AccountID,
			AccountName:  acct.Name,
			Type:         t,
			Severity:     sev,
			Message:      msg,
			Balance:      bal,
			Threshold:    threshold,
			Currency:     acct.Currency,
			CreatedAt:    at,
		})
	}

	switch acct.Type {
	case domain.AccountTypeCredit:
		if acct.Limit == nil || !acct.Limit.IsPositive() || acct.Current == nil {
			return nil
		}
		used := acct.Current.Div(*acct.Limit).Mul(hundred)
		if used.LessThan(m.cfg.CreditUtilizationPercent) {
			return nil
		}
		sev := domain.AlertSeverityWarning
		if used.GreaterThanOrEqual(hundred) {
			sev = domain.AlertSeverityCritical
		}
		newAlert(domain.AlertTypeCreditUtilization, sev, *acct.Current, *acct.Limit,
			fmt.Sprintf("%s is at %s%% of its credit limit", acct.Name, used.Round(0)))

	case domain.AccountTypeDepository:
		if acct.Current != nil && acct.Current.IsNegative() {
			newAlert(domain.AlertTypeOverdraft, domain.AlertSeverityCritical, *acct.Current, decimal.Zero,
				fmt.Sprintf("%s is overdrawn by %s %s", acct.Name, acct.Current.Abs().StringFixed(2), acct.Currency))
			return alerts
		}
		bal, ok := acct.EffectiveBalance()
		if !ok {
			return nil
		}
		ref, hasRef := m.reference(acct, bal)
		threshold, ok := m.cfg.lowBalanceThreshold(ref, hasRef)
		if !ok || !bal.LessThan(threshold) {
			return nil
		}
		newAlert(domain.AlertTypeLowBalance, domain.AlertSeverityWarning, bal, threshold,
			fmt.Sprintf("%s balance %s %s is below %s", acct.Name, bal.StringFixed(2), acct.Currency, threshold.StringFixed(2)))
	}
	return alerts
}

// reference returns the balance percentages are measured against: the credit
// limit when present, otherwise the first balance observed for the account.
func (m *Monitor) reference(acct *domain.BankAccount, bal decimal.Decimal) (decimal.Decimal, bool) {
	if acct.Limit != nil && acct.Limit.IsPositive() {
		return *acct.Limit, true
	}
	key := acct.CredentialID + "/" + acct.AccountID

	m.refMu.Lock()
	defer m.refMu.Unlock()
	if ref, ok := m.references[key]; ok {
		return ref, true
	}
	m.references[key] = bal
	return bal, true
}
