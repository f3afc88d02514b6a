package analysis

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vietddude/bankwatch/internal/core/domain"
)

const (
	minOccurrences = 3
	day            = 24 * time.Hour
)

// amountTolerance is the allowed deviation from the mean amount (10%).
var amountTolerance = decimal.NewFromFloat(0.10)

// Frequency is the detected cadence of a recurring pattern.
type Frequency string

const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyBiweekly  Frequency = "biweekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyIrregular Frequency = "irregular"
)

// RecurringPattern is a merchant charged (or paying) repeatedly with similar amounts.
type RecurringPattern struct {
	Merchant      string          `json:"merchant"`
	Currency      string          `json:"currency"`
	Income        bool            `json:"income"`
	Occurrences   int             `json:"occurrences"`
	AverageAmount decimal.Decimal `json:"average_amount"`
	Frequency     Frequency       `json:"frequency"`
	LastDate      time.Time       `json:"last_date"`
	NextExpected  *time.Time      `json:"next_expected,omitempty"`
}

// DetectRecurring groups transactions by merchant, currency and direction and
// reports groups with at least three occurrences whose amounts all sit within
// 10% of the group mean. Results are ordered by merchant.
func DetectRecurring(txns []domain.Transaction) []RecurringPattern {
	type key struct {
		merchant string
		currency string
		income   bool
	}
	groups := make(map[key][]*domain.Transaction)
	for i := range txns {
		tx := &txns[i]
		m := merchantKey(tx)
		if m == "" || tx.Amount.IsZero() {
			continue
		}
		k := key{m, tx.Currency, tx.IsCredit()}
		groups[k] = append(groups[k], tx)
	}

	var out []RecurringPattern
	for k, g := range groups {
		if len(g) < minOccurrences {
			continue
		}
		sum := decimal.Zero
		for _, tx := range g {
			sum = sum.Add(tx.Amount.Abs())
		}
		mean := sum.Div(decimal.NewFromInt(int64(len(g))))
		limit := mean.Mul(amountTolerance)

		similar := true
		for _, tx := range g {
			if tx.Amount.Abs().Sub(mean).Abs().GreaterThan(limit) {
				similar = false
				break
			}
		}
		if !similar {
			continue
		}

		sort.Slice(g, func(i, j int) bool { return g[i].Date.Before(g[j].Date) })
		p := RecurringPattern{
			Merchant:      k.merchant,
			Currency:      k.currency,
			Income:        k.income,
			Occurrences:   len(g),
			AverageAmount: mean.Round(2),
			LastDate:      g[len(g)-1].Date,
		}
		p.Frequency, p.NextExpected = cadence(g)
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Merchant != out[j].Merchant {
			return out[i].Merchant < out[j].Merchant
		}
		if out[i].Currency != out[j].Currency {
			return out[i].Currency < out[j].Currency
		}
		return !out[i].Income && out[j].Income
	})
	return out
}

// cadence classifies the mean gap between sorted occurrences.
func cadence(g []*domain.Transaction) (Frequency, *time.Time) {
	span := g[len(g)-1].Date.Sub(g[0].Date)
	gap := span / time.Duration(len(g)-1)

	var f Frequency
	switch {
	case gap >= 5*day && gap <= 9*day:
		f = FrequencyWeekly
	case gap >= 12*day && gap <= 16*day:
		f = FrequencyBiweekly
	case gap >= 27*day && gap <= 33*day:
		f = FrequencyMonthly
	case gap >= 85*day && gap <= 95*day:
		f = FrequencyQuarterly
	default:
		return FrequencyIrregular, nil
	}

	last := g[len(g)-1].Date
	var next time.Time
	switch f {
	case FrequencyMonthly:
		next = last.AddDate(0, 1, 0)
	case FrequencyQuarterly:
		next = last.AddDate(0, 3, 0)
	default:
		next = last.Add(gap)
	}
	return f, &next
}
