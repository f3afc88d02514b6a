// Package analysis derives summaries from normalized accounts and transactions.
package analysis

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vietddude/bankwatch/internal/core/domain"
)

// MonthlyFlow is income and spending for one calendar month and currency.
// Income and Expenses are both non-negative; Net = Income - Expenses.
type MonthlyFlow struct {
	Month        string          `json:"month"` // YYYY-MM
	Currency     string          `json:"currency"`
	Income       decimal.Decimal `json:"income"`
	Expenses     decimal.Decimal `json:"expenses"`
	Net          decimal.Decimal `json:"net"`
	Transactions int             `json:"transactions"`
}

// CashFlow groups posted transactions by month and currency, oldest first.
// Pending transactions are skipped.
func CashFlow(txns []domain.Transaction) []MonthlyFlow {
	type key struct{ month, currency string }
	flows := make(map[key]*MonthlyFlow)

	for i := range txns {
		tx := &txns[i]
		if tx.Pending {
			continue
		}
		k := key{tx.Date.UTC().Format("2006-01"), tx.Currency}
		f, ok := flows[k]
		if !ok {
			f = &MonthlyFlow{Month: k.month, Currency: k.currency}
			flows[k] = f
		}
		if tx.IsCredit() {
			f.Income = f.Income.Add(tx.Amount.Neg())
		} else {
			f.Expenses = f.Expenses.Add(tx.Amount)
		}
		f.Transactions++
	}

	out := make([]MonthlyFlow, 0, len(flows))
	for _, f := range flows {
		f.Net = f.Income.Sub(f.Expenses)
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

// Balances sums balances per currency. Credit and loan balances count as
// liabilities and are subtracted.
func Balances(accounts []domain.BankAccount) map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for i := range accounts {
		a := &accounts[i]
		var bal decimal.Decimal
		switch {
		case a.Current != nil:
			bal = *a.Current
		case a.Available != nil:
			bal = *a.Available
		default:
			continue
		}
		if a.Type == domain.AccountTypeCredit || a.Type == domain.AccountTypeLoan {
			bal = bal.Neg()
		}
		totals[a.Currency] = totals[a.Currency].Add(bal)
	}
	return totals
}

func merchantKey(tx *domain.Transaction) string {
	name := tx.MerchantName
	if name == "" {
		name = tx.Description
	}
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
