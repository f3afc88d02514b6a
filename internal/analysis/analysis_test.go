package analysis

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vietddude/bankwatch/internal/core/domain"
)

func tx(merchant, amount string, date time.Time) domain.Transaction {
	return domain.Transaction{
		TransactionID: merchant + date.Format("20060102"),
		MerchantName:  merchant,
		Amount:        decimal.RequireFromString(amount),
		Date:          date,
		Currency:      "USD",
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCashFlow(t *testing.T) {
	pending := tx("Coffee", "4.50", date(2024, 6, 30))
	pending.Pending = true
	eur := tx("Bakery", "3", date(2024, 6, 2))
	eur.Currency = "EUR"

	flows := CashFlow([]domain.Transaction{
		tx("Employer", "-2500", date(2024, 6, 1)),
		tx("Rent", "1200", date(2024, 6, 3)),
		tx("Grocer", "80.25", date(2024, 5, 20)),
		pending,
		eur,
	})

	require.Len(t, flows, 3)
	assert.Equal(t, "2024-05", flows[0].Month)
	assert.True(t, flows[0].Expenses.Equal(decimal.RequireFromString("80.25")))
	assert.True(t, flows[0].Net.Equal(decimal.RequireFromString("-80.25")))

	assert.Equal(t, "2024-06", flows[1].Month)
	assert.Equal(t, "EUR", flows[1].Currency)

	june := flows[2]
	assert.Equal(t, "USD", june.Currency)
	assert.True(t, june.Income.Equal(decimal.NewFromInt(2500)))
	assert.True(t, june.Expenses.Equal(decimal.NewFromInt(1200)))
	assert.True(t, june.Net.Equal(decimal.NewFromInt(1300)))
	assert.Equal(t, 2, june.Transactions)
}

func TestBalances(t *testing.T) {
	cur := func(v string) *decimal.Decimal {
		d := decimal.RequireFromString(v)
		return &d
	}
	totals := Balances([]domain.BankAccount{
		{Type: domain.AccountTypeDepository, Current: cur("1000"), Currency: "USD"},
		{Type: domain.AccountTypeCredit, Current: cur("250"), Currency: "USD"},
		{Type: domain.AccountTypeDepository, Available: cur("40"), Currency: "EUR"},
		{Type: domain.AccountTypeDepository, Currency: "USD"},
	})
	assert.True(t, totals["USD"].Equal(decimal.NewFromInt(750)))
	assert.True(t, totals["EUR"].Equal(decimal.NewFromInt(40)))
}

func TestDetectRecurring(t *testing.T) {
	txns := []domain.Transaction{
		tx("Netflix", "15.49", date(2024, 4, 5)),
		tx("NETFLIX", "15.49", date(2024, 5, 5)),
		tx("Netflix ", "16.99", date(2024, 6, 5)),
		tx("Employer", "-2500", date(2024, 5, 1)),
		tx("Employer", "-2500", date(2024, 5, 15)),
		tx("Employer", "-2600", date(2024, 5, 29)),
		// Amounts vary too much to be a subscription.
		tx("Grocer", "20", date(2024, 5, 1)),
		tx("Grocer", "95", date(2024, 5, 8)),
		tx("Grocer", "40", date(2024, 5, 15)),
		// Only two occurrences.
		tx("Gym", "30", date(2024, 5, 1)),
		tx("Gym", "30", date(2024, 6, 1)),
	}

	patterns := DetectRecurring(txns)
	require.Len(t, patterns, 2)

	pay := patterns[0]
	assert.Equal(t, "employer", pay.Merchant)
	assert.True(t, pay.Income)
	assert.Equal(t, FrequencyBiweekly, pay.Frequency)
	require.NotNil(t, pay.NextExpected)
	assert.Equal(t, date(2024, 6, 12), *pay.NextExpected)

	sub := patterns[1]
	assert.Equal(t, "netflix", sub.Merchant)
	assert.False(t, sub.Income)
	assert.Equal(t, 3, sub.Occurrences)
	assert.Equal(t, FrequencyMonthly, sub.Frequency)
	assert.True(t, sub.AverageAmount.Equal(decimal.RequireFromString("15.99")))
	require.NotNil(t, sub.NextExpected)
	assert.Equal(t, date(2024, 7, 5), *sub.NextExpected)
}

func TestDetectRecurringEmpty(t *testing.T) {
	assert.Empty(t, DetectRecurring(nil))
	assert.Empty(t, CashFlow(nil))
}
