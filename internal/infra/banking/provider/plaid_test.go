package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/infra/banking/fault"
	"github.com/vietddude/bankwatch/internal/infra/banking/routing"
	"github.com/vietddude/bankwatch/internal/infra/storage/memory"
)

func newPlaidTest(t *testing.T, handler http.HandlerFunc) (*PlaidAdapter, *memory.Vault, *[]time.Duration) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	var sleeps []time.Duration
	vault := memory.NewVault()
	p := NewPlaidAdapter(PlaidConfig{
		ClientID: "client",
		Secret:   "secret",
		BaseURL:  server.URL,
	}, vault, testExecutor(t, routing.PlaidRetryConfig(), &sleeps), server.Client())
	p.now = func() time.Time { return time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC) }
	return p, vault, &sleeps
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

const plaidAccountsJSON = `{
	"accounts": [
		{"account_id": "chk", "name": "Plaid Checking", "mask": "0000", "type": "depository", "subtype": "checking",
		 "balances": {"available": 100.5, "current": 110, "limit": null, "iso_currency_code": "USD"}},
		{"account_id": "cc", "name": "Plaid Credit Card", "mask": "3333", "type": "credit", "subtype": "credit card",
		 "balances": {"available": null, "current": 410, "limit": 2000, "iso_currency_code": "USD"}}
	],
	"item": {"item_id": "item-1", "institution_id": "ins_109508"},
	"request_id": "req-1"
}`

func TestPlaidCreateLinkToken(t *testing.T) {
	p, _, _ := newPlaidTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/link/token/create", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, "client", body["client_id"])
		assert.Equal(t, "secret", body["secret"])
		assert.Equal(t, map[string]any{"client_user_id": "user-1"}, body["user"])
		_, _ = w.Write([]byte(`{"link_token": "link-sandbox-1", "expiration": "2024-06-30T16:00:00Z"}`))
	})

	tok, err := p.CreateLinkToken(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "link-sandbox-1", tok.Token)
	assert.Equal(t, domain.ProviderPlaid, tok.Provider)
}

func TestPlaidLink(t *testing.T) {
	p, _, _ := newPlaidTest(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/item/public_token/exchange":
			body := decodeBody(t, r)
			assert.Equal(t, "public-sandbox-1", body["public_token"])
			_, _ = w.Write([]byte(`{"access_token": "access-sandbox-1", "item_id": "item-1"}`))
		case "/accounts/balance/get":
			_, _ = w.Write([]byte(plaidAccountsJSON))
		case "/institutions/get_by_id":
			_, _ = w.Write([]byte(`{"institution": {"institution_id": "ins_109508", "name": "First Platypus Bank"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	res, err := p.Link(context.Background(), "user-1", map[string]string{"public_token": "public-sandbox-1"})
	require.NoError(t, err)

	c := res.Credential
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "access-sandbox-1", c.AccessToken)
	assert.Equal(t, "ins_109508", c.InstitutionID)
	assert.Equal(t, "First Platypus Bank", c.InstitutionName)
	assert.Equal(t, domain.ConnectionStatusPending, c.Status)
	assert.Equal(t, []string{"chk", "cc"}, c.AccountIDs)
	require.Len(t, res.Accounts, 2)
	assert.Equal(t, c.ID, res.Accounts[0].CredentialID)
}

func TestPlaidGetAccountsNormalizes(t *testing.T) {
	p, vault, _ := newPlaidTest(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		assert.Equal(t, "access-1", body["access_token"])
		_, _ = w.Write([]byte(plaidAccountsJSON))
	})
	seedCredential(t, vault, &domain.Credential{ID: "cred-1", UserID: "user-1", Provider: domain.ProviderPlaid, AccessToken: "access-1", InstitutionID: "ins_109508"})

	accounts, err := p.GetAccounts(context.Background(), "cred-1", "user-1")
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	chk := accounts[0]
	assert.Equal(t, domain.AccountTypeDepository, chk.Type)
	require.NotNil(t, chk.Available)
	assert.True(t, chk.Available.Equal(decimal.RequireFromString("100.5")))
	assert.Nil(t, chk.Limit)
	assert.Equal(t, "USD", chk.Currency)

	cc := accounts[1]
	assert.Equal(t, domain.AccountTypeCredit, cc.Type)
	assert.Nil(t, cc.Available)
	require.NotNil(t, cc.Limit)
	assert.True(t, cc.Limit.Equal(decimal.NewFromInt(2000)))
}

func TestPlaidGetTransactionsPaginates(t *testing.T) {
	var calls int32
	p, vault, _ := newPlaidTest(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		opts := body["options"].(map[string]any)
		offset := int(opts["offset"].(float64))
		atomic.AddInt32(&calls, 1)

		switch offset {
		case 0:
			_, _ = w.Write([]byte(`{"total_transactions": 3, "transactions": [
				{"transaction_id": "t1", "account_id": "chk", "amount": 12.5, "date": "2024-06-01", "name": "Coffee", "merchant_name": "Blue Bottle", "category": ["Food"], "iso_currency_code": "USD"},
				{"transaction_id": "t2", "account_id": "chk", "amount": -1500, "date": "2024-06-02", "name": "Payroll", "iso_currency_code": "USD"}
			]}`))
		case 2:
			_, _ = w.Write([]byte(`{"total_transactions": 3, "transactions": [
				{"transaction_id": "t3", "account_id": "chk", "amount": 40, "date": "2024-06-03", "name": "Gas", "pending": true,
				 "location": {"city": "Austin", "region": "TX"}}
			]}`))
		default:
			t.Errorf("unexpected offset %d", offset)
		}
	})
	seedCredential(t, vault, &domain.Credential{ID: "cred-1", UserID: "user-1", Provider: domain.ProviderPlaid, AccessToken: "access-1"})

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	txns, err := p.GetTransactions(context.Background(), "cred-1", "user-1", start, start.AddDate(0, 0, 29))
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	assert.False(t, txns[0].IsCredit())
	assert.Equal(t, "Blue Bottle", txns[0].MerchantName)
	assert.True(t, txns[1].IsCredit(), "negative Plaid amounts are income")
	assert.True(t, txns[2].Pending)
	require.NotNil(t, txns[2].Location)
	assert.Equal(t, "Austin", txns[2].Location.City)
}

func TestPlaidGetTransactionsRejectsInvertedRange(t *testing.T) {
	p, vault, _ := newPlaidTest(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	seedCredential(t, vault, &domain.Credential{ID: "cred-1", UserID: "user-1", Provider: domain.ProviderPlaid})

	now := time.Now()
	_, err := p.GetTransactions(context.Background(), "cred-1", "user-1", now, now.AddDate(0, 0, -1))
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestPlaidRetriesServerErrors(t *testing.T) {
	var calls int32
	p, vault, sleeps := newPlaidTest(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error_type": "API_ERROR", "error_code": "INTERNAL_SERVER_ERROR", "error_message": "unexpected"}`))
			return
		}
		_, _ = w.Write([]byte(plaidAccountsJSON))
	})
	seedCredential(t, vault, &domain.Credential{ID: "cred-1", UserID: "user-1", Provider: domain.ProviderPlaid, AccessToken: "access-1"})

	accounts, err := p.GetAccounts(context.Background(), "cred-1", "user-1")
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
}

func TestPlaidLoginRequiredNeedsReauth(t *testing.T) {
	var calls int32
	p, vault, sleeps := newPlaidTest(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_type": "ITEM_ERROR", "error_code": "ITEM_LOGIN_REQUIRED", "error_message": "login required", "request_id": "abc"}`))
	})
	seedCredential(t, vault, &domain.Credential{ID: "cred-1", UserID: "user-1", Provider: domain.ProviderPlaid, AccessToken: "access-1"})

	_, err := p.GetAccounts(context.Background(), "cred-1", "user-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrReauthenticationRequired))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, *sleeps)

	var pe *fault.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "abc", pe.RequestID)
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
}

func TestPlaidRemove(t *testing.T) {
	p, vault, _ := newPlaidTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/item/remove", r.URL.Path)
		_, _ = w.Write([]byte(`{"removed": true, "request_id": "r"}`))
	})
	seedCredential(t, vault, &domain.Credential{ID: "cred-1", UserID: "user-1", Provider: domain.ProviderPlaid, AccessToken: "access-1"})

	ok, err := p.Remove(context.Background(), "cred-1", "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPlaidRejectsForeignCredential(t *testing.T) {
	p, vault, _ := newPlaidTest(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	seedCredential(t, vault, &domain.Credential{ID: "cred-1", UserID: "user-1", Provider: domain.ProviderYodlee})

	_, err := p.GetAccounts(context.Background(), "cred-1", "user-1")
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestPlaidSyncAccountData(t *testing.T) {
	p, vault, _ := newPlaidTest(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/accounts/balance/get":
			_, _ = w.Write([]byte(plaidAccountsJSON))
		case "/transactions/get":
			body := decodeBody(t, r)
			assert.Equal(t, "2024-05-31", body["start_date"])
			assert.Equal(t, "2024-06-30", body["end_date"])
			_, _ = w.Write([]byte(`{"total_transactions": 1, "transactions": [
				{"transaction_id": "t1", "account_id": "chk", "amount": 5, "date": "2024-06-10", "name": "Snack"}
			]}`))
		}
	})
	seedCredential(t, vault, &domain.Credential{ID: "cred-1", UserID: "user-1", Provider: domain.ProviderPlaid, AccessToken: "access-1"})

	res, err := p.SyncAccountData(context.Background(), "cred-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.AccountsCount)
	assert.Equal(t, 1, res.TransactionsCount)
	assert.Equal(t, "USD", res.Transactions[0].Currency)
}
