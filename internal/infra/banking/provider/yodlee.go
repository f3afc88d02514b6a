package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/infra/banking/fault"
	"github.com/vietddude/bankwatch/internal/infra/banking/routing"
	"github.com/vietddude/bankwatch/internal/infra/storage"
)

const (
	yodleeSandboxURL    = "https://sandbox.api.yodlee.com/ysl"
	yodleeProductionURL = "https://production.api.yodlee.com/ysl"

	yodleePageSize = 500
	yodleeDate     = "2006-01-02"

	// Tokens are refreshed this long before Yodlee expires them.
	yodleeTokenSkew = time.Minute
)

// YodleeConfig configures the Yodlee adapter.
type YodleeConfig struct {
	ClientID     string        `yaml:"client_id"`
	Secret       string        `yaml:"secret"`
	Environment  string        `yaml:"environment"`
	BaseURL      string        `yaml:"base_url"`
	FastLinkURL  string        `yaml:"fastlink_url"`
	Timeout      time.Duration `yaml:"timeout"`
	SyncTimeout  time.Duration `yaml:"sync_timeout"`
	LookbackDays int           `yaml:"-"`
}

func (c YodleeConfig) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if strings.EqualFold(c.Environment, "production") {
		return yodleeProductionURL
	}
	return yodleeSandboxURL
}

type yodleeToken struct {
	value     string
	expiresAt time.Time
}

// YodleeAdapter implements Adapter for Yodlee. Yodlee authorizes per user, so
// the stored credential's AccessToken holds the user's Yodlee login name and
// ItemID holds the provider account id.
type YodleeAdapter struct {
	cfg    YodleeConfig
	client *jsonClient
	vault  storage.CredentialVault
	exec   *routing.Executor
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]yodleeToken
}

var _ Adapter = (*YodleeAdapter)(nil)

// NewYodleeAdapter creates a Yodlee adapter. httpClient may be nil.
func NewYodleeAdapter(cfg YodleeConfig, vault storage.CredentialVault, exec *routing.Executor, httpClient *http.Client) *YodleeAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 90 * time.Second
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 30
	}

	return &YodleeAdapter{
		cfg:    cfg,
		client: newJSONClient(string(domain.ProviderYodlee), cfg.baseURL(), httpClient, decodeYodleeError),
		vault:  vault,
		exec:   exec,
		now:    time.Now,
		tokens: make(map[string]yodleeToken),
	}
}

// ============================================================================
// Wire types
// ============================================================================

type yodleeErrorBody struct {
	ErrorCode     string `json:"errorCode"`
	ErrorMessage  string `json:"errorMessage"`
	ReferenceCode string `json:"referenceCode"`
}

func decodeYodleeError(_ int, body []byte) *fault.ProviderError {
	var e yodleeErrorBody
	if err := json.Unmarshal(body, &e); err != nil || e.ErrorCode == "" {
		return nil
	}
	return &fault.ProviderError{
		ErrorCode: e.ErrorCode,
		Message:   e.ErrorMessage,
		RequestID: e.ReferenceCode,
	}
}

type yodleeTokenResponse struct {
	Token struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
	} `json:"token"`
}

type yodleeMoney struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type yodleeAccount struct {
	ID                int64        `json:"id"`
	AccountName       string       `json:"accountName"`
	AccountType       string       `json:"accountType"`
	Container         string       `json:"CONTAINER"`
	AccountNumber     string       `json:"accountNumber"`
	ProviderID        string       `json:"providerId"`
	ProviderName      string       `json:"providerName"`
	ProviderAccountID int64        `json:"providerAccountId"`
	AvailableBalance  *yodleeMoney `json:"availableBalance"`
	CurrentBalance    *yodleeMoney `json:"currentBalance"`
	Balance           *yodleeMoney `json:"balance"`
	TotalCreditLine   *yodleeMoney `json:"totalCreditLine"`
}

type yodleeAccountsResponse struct {
	Account []yodleeAccount `json:"account"`
}

type yodleeProviderAccountResponse struct {
	ProviderAccount []struct {
		ID           int64  `json:"id"`
		ProviderID   int64  `json:"providerId"`
		ProviderName string `json:"providerName"`
		Status       string `json:"status"`
	} `json:"providerAccount"`
}

type yodleeTransaction struct {
	ID          int64       `json:"id"`
	AccountID   int64       `json:"accountId"`
	Amount      yodleeMoney `json:"amount"`
	BaseType    string      `json:"baseType"`
	Date        string      `json:"date"`
	Status      string      `json:"status"`
	Category    string      `json:"category"`
	Description struct {
		Original string `json:"original"`
		Simple   string `json:"simple"`
	} `json:"description"`
	Merchant *struct {
		Name    string `json:"name"`
		Address *struct {
			City    string `json:"city"`
			State   string `json:"state"`
			Zip     string `json:"zip"`
			Country string `json:"country"`
		} `json:"address"`
	} `json:"merchant"`
}

type yodleeTransactionsResponse struct {
	Transaction []yodleeTransaction `json:"transaction"`
}

// ============================================================================
// Auth
// ============================================================================

// userToken returns a cached or fresh user token from /auth/token.
func (y *YodleeAdapter) userToken(ctx context.Context, loginName string) (string, error) {
	y.mu.Lock()
	tok, ok := y.tokens[loginName]
	y.mu.Unlock()
	if ok && y.now().Before(tok.expiresAt) {
		return tok.value, nil
	}

	var token string
	err := y.exec.Do(ctx, routing.Call{UserID: loginName, Operation: "auth_token"}, func(ctx context.Context) error {
		var err error
		token, err = y.issueToken(ctx, loginName)
		return err
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// issueToken fetches a new user token and caches it. It does not retry.
func (y *YodleeAdapter) issueToken(ctx context.Context, loginName string) (string, error) {
	var resp yodleeTokenResponse
	err := y.client.do(ctx, request{
		Operation: "auth_token",
		Method:    http.MethodPost,
		Path:      "/auth/token",
		Form:      url.Values{"clientId": {y.cfg.ClientID}, "secret": {y.cfg.Secret}},
		Header:    http.Header{"Api-Version": {"1.1"}, "loginName": {loginName}},
		Timeout:   y.cfg.Timeout,
	}, &resp)
	if err != nil {
		return "", err
	}

	ttl := time.Duration(resp.Token.ExpiresIn)*time.Second - yodleeTokenSkew
	y.mu.Lock()
	y.tokens[loginName] = yodleeToken{value: resp.Token.AccessToken, expiresAt: y.now().Add(ttl)}
	y.mu.Unlock()
	return resp.Token.AccessToken, nil
}

// dropToken evicts a rejected token unless it was already replaced.
func (y *YodleeAdapter) dropToken(loginName, value string) {
	y.mu.Lock()
	defer y.mu.Unlock()
	if tok, ok := y.tokens[loginName]; ok && tok.value == value {
		delete(y.tokens, loginName)
	}
}

// call runs an authorized request under the retry policy. Yodlee can revoke a
// user token before it expires, so the first authentication fault refreshes
// the token and repeats the request once before it counts as a failure.
func (y *YodleeAdapter) call(ctx context.Context, call routing.Call, loginName string, req request, out any) error {
	token, err := y.userToken(ctx, loginName)
	if err != nil {
		return err
	}
	req.Operation = call.Operation
	if req.Timeout <= 0 {
		req.Timeout = y.cfg.Timeout
	}

	refreshed := false
	return y.exec.Do(ctx, call, func(ctx context.Context) error {
		err := y.client.do(ctx, authorized(req, token), out)
		if err == nil || refreshed || fault.Classify(err) != fault.CategoryAuthentication {
			return err
		}
		refreshed = true
		y.dropToken(loginName, token)
		fresh, ferr := y.issueToken(ctx, loginName)
		if ferr != nil {
			return ferr
		}
		token = fresh
		return y.client.do(ctx, authorized(req, token), out)
	})
}

func authorized(req request, token string) request {
	req.Header = http.Header{"Api-Version": {"1.1"}, "Authorization": {"Bearer " + token}}
	return req
}

// ============================================================================
// Adapter
// ============================================================================

func (y *YodleeAdapter) Name() domain.Provider { return domain.ProviderYodlee }

func (y *YodleeAdapter) RequiredFields() []string { return []string{"provider_account_id"} }

func (y *YodleeAdapter) Health() HealthStatus {
	h := y.client.health()
	h.Provider = domain.ProviderYodlee
	return h
}

// Close releases idle transport connections.
func (y *YodleeAdapter) Close() error {
	return y.client.Close()
}

// CreateLinkToken issues a user token for FastLink.
func (y *YodleeAdapter) CreateLinkToken(ctx context.Context, userID string) (*LinkToken, error) {
	token, err := y.userToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	y.mu.Lock()
	expires := y.tokens[userID].expiresAt
	y.mu.Unlock()

	return &LinkToken{
		Provider:   domain.ProviderYodlee,
		Token:      token,
		URL:        y.cfg.FastLinkURL,
		Expiration: expires,
	}, nil
}

// Link resolves the provider account FastLink created and loads its accounts.
func (y *YodleeAdapter) Link(ctx context.Context, userID string, fields map[string]string) (*LinkResult, error) {
	paID := fields["provider_account_id"]
	if _, err := strconv.ParseInt(paID, 10, 64); err != nil {
		return nil, fault.NewValidationError(string(domain.ProviderYodlee), "link",
			"provider_account_id %q is not numeric", paID)
	}

	var pa yodleeProviderAccountResponse
	err := y.call(ctx, routing.Call{UserID: userID, Operation: "get_provider_account"}, userID,
		request{Method: http.MethodGet, Path: "/providerAccounts/" + paID}, &pa)
	if err != nil {
		return nil, err
	}

	cred := &domain.Credential{
		ID:              uuid.NewString(),
		UserID:          userID,
		Provider:        domain.ProviderYodlee,
		InstitutionID:   fields["institution_id"],
		InstitutionName: fields["institution_name"],
		AccessToken:     userID,
		ItemID:          paID,
		Status:          domain.ConnectionStatusPending,
		ConnectedAt:     y.now().UTC(),
	}
	if len(pa.ProviderAccount) > 0 {
		if cred.InstitutionID == "" {
			cred.InstitutionID = strconv.FormatInt(pa.ProviderAccount[0].ProviderID, 10)
		}
		if cred.InstitutionName == "" {
			cred.InstitutionName = pa.ProviderAccount[0].ProviderName
		}
	}

	accounts, err := y.fetchAccounts(ctx, cred, y.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		cred.AccountIDs = append(cred.AccountIDs, a.AccountID)
	}
	return &LinkResult{Credential: cred, Accounts: accounts}, nil
}

func (y *YodleeAdapter) credential(ctx context.Context, credentialID, userID string) (*domain.Credential, error) {
	cred, err := y.vault.RetrieveCredentials(ctx, credentialID, userID)
	if err != nil {
		return nil, fmt.Errorf("retrieve credential %s: %w", credentialID, err)
	}
	if cred.Provider != domain.ProviderYodlee {
		return nil, fault.NewValidationError(string(domain.ProviderYodlee), "get_credential",
			"credential %s belongs to %s", credentialID, cred.Provider)
	}
	return cred, nil
}

func (y *YodleeAdapter) fetchAccounts(ctx context.Context, cred *domain.Credential, timeout time.Duration) ([]domain.BankAccount, error) {
	var resp yodleeAccountsResponse
	call := routing.Call{UserID: cred.UserID, Operation: "get_accounts", Metadata: map[string]any{"credential_id": cred.ID}}
	err := y.call(ctx, call, cred.AccessToken, request{
		Method:  http.MethodGet,
		Path:    "/accounts",
		Query:   url.Values{"providerAccountId": {cred.ItemID}},
		Timeout: timeout,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return y.normalizeAccounts(cred, resp.Account), nil
}

// GetAccounts calls GET /accounts for the credential's provider account.
func (y *YodleeAdapter) GetAccounts(ctx context.Context, credentialID, userID string) ([]domain.BankAccount, error) {
	cred, err := y.credential(ctx, credentialID, userID)
	if err != nil {
		return nil, err
	}
	return y.fetchAccounts(ctx, cred, y.cfg.Timeout)
}

// GetTransactions pages through GET /transactions with skip/top.
func (y *YodleeAdapter) GetTransactions(ctx context.Context, credentialID, userID string, start, end time.Time) ([]domain.Transaction, error) {
	cred, err := y.credential(ctx, credentialID, userID)
	if err != nil {
		return nil, err
	}
	return y.fetchTransactions(ctx, cred, cred.AccountIDs, start, end, y.cfg.Timeout)
}

func (y *YodleeAdapter) fetchTransactions(ctx context.Context, cred *domain.Credential, accountIDs []string, start, end time.Time, timeout time.Duration) ([]domain.Transaction, error) {
	if end.Before(start) {
		return nil, fault.NewValidationError(string(domain.ProviderYodlee), "get_transactions",
			"start %s is after end %s", start.Format(yodleeDate), end.Format(yodleeDate))
	}
	if len(accountIDs) == 0 {
		return nil, nil
	}

	call := routing.Call{UserID: cred.UserID, Operation: "get_transactions", Metadata: map[string]any{"credential_id": cred.ID}}

	var out []domain.Transaction
	for skip := 0; ; skip += yodleePageSize {
		var page yodleeTransactionsResponse
		err := y.call(ctx, call, cred.AccessToken, request{
			Method: http.MethodGet,
			Path:   "/transactions",
			Query: url.Values{
				"accountId": {strings.Join(accountIDs, ",")},
				"fromDate":  {start.Format(yodleeDate)},
				"toDate":    {end.Format(yodleeDate)},
				"skip":      {strconv.Itoa(skip)},
				"top":       {strconv.Itoa(yodleePageSize)},
			},
			Timeout: timeout,
		}, &page)
		if err != nil {
			return nil, err
		}

		for _, t := range page.Transaction {
			out = append(out, y.normalizeTransaction(cred.ID, t))
		}
		if len(page.Transaction) < yodleePageSize {
			break
		}
	}
	return out, nil
}

// SyncAccountData fetches accounts and the lookback window of transactions.
func (y *YodleeAdapter) SyncAccountData(ctx context.Context, credentialID, userID string) (*SyncResult, error) {
	cred, err := y.credential(ctx, credentialID, userID)
	if err != nil {
		return nil, err
	}

	accounts, err := y.fetchAccounts(ctx, cred, y.cfg.SyncTimeout)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.AccountID)
	}

	end := y.now().UTC()
	start := end.AddDate(0, 0, -y.cfg.LookbackDays)
	txns, err := y.fetchTransactions(ctx, cred, ids, start, end, y.cfg.SyncTimeout)
	if err != nil {
		return nil, err
	}

	return &SyncResult{
		AccountsCount:     len(accounts),
		TransactionsCount: len(txns),
		Accounts:          accounts,
		Transactions:      txns,
	}, nil
}

// Remove calls DELETE /providerAccounts/{id}.
func (y *YodleeAdapter) Remove(ctx context.Context, credentialID, userID string) (bool, error) {
	cred, err := y.credential(ctx, credentialID, userID)
	if err != nil {
		return false, err
	}
	return y.Revoke(ctx, cred)
}

// Revoke deletes the provider account behind cred.
func (y *YodleeAdapter) Revoke(ctx context.Context, cred *domain.Credential) (bool, error) {
	call := routing.Call{UserID: cred.UserID, Operation: "delete_provider_account", Metadata: map[string]any{"credential_id": cred.ID}}
	err := y.call(ctx, call, cred.AccessToken, request{
		Method: http.MethodDelete,
		Path:   "/providerAccounts/" + cred.ItemID,
	}, nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

// ============================================================================
// Normalization
// ============================================================================

func yodleeAccountType(container string) domain.AccountType {
	switch strings.ToLower(container) {
	case "bank":
		return domain.AccountTypeDepository
	case "creditcard":
		return domain.AccountTypeCredit
	case "loan":
		return domain.AccountTypeLoan
	case "investment":
		return domain.AccountTypeInvestment
	default:
		return domain.AccountTypeOther
	}
}

func moneyAmount(m *yodleeMoney) *decimal.Decimal {
	if m == nil {
		return nil
	}
	v := m.Amount
	return &v
}

func mask(accountNumber string) string {
	digits := strings.TrimLeft(accountNumber, "xX*")
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	return digits
}

func (y *YodleeAdapter) normalizeAccounts(cred *domain.Credential, in []yodleeAccount) []domain.BankAccount {
	out := make([]domain.BankAccount, 0, len(in))
	for _, a := range in {
		current := a.CurrentBalance
		if current == nil {
			current = a.Balance
		}
		currency := "USD"
		for _, m := range []*yodleeMoney{a.AvailableBalance, current, a.TotalCreditLine} {
			if m != nil && m.Currency != "" {
				currency = m.Currency
				break
			}
		}

		out = append(out, domain.BankAccount{
			AccountID:     strconv.FormatInt(a.ID, 10),
			CredentialID:  cred.ID,
			Provider:      domain.ProviderYodlee,
			Name:          a.AccountName,
			Type:          yodleeAccountType(a.Container),
			Subtype:       strings.ToLower(a.AccountType),
			Available:     moneyAmount(a.AvailableBalance),
			Current:       moneyAmount(current),
			Limit:         moneyAmount(a.TotalCreditLine),
			Currency:      currency,
			InstitutionID: cred.InstitutionID,
			Mask:          mask(a.AccountNumber),
		})
	}
	return out
}

// Yodlee reports unsigned amounts with a baseType; credits become negative.
func (y *YodleeAdapter) normalizeTransaction(credentialID string, t yodleeTransaction) domain.Transaction {
	date, _ := time.Parse(yodleeDate, t.Date)

	amount := t.Amount.Amount.Abs()
	if strings.EqualFold(t.BaseType, "CREDIT") {
		amount = amount.Neg()
	}

	desc := t.Description.Simple
	if desc == "" {
		desc = t.Description.Original
	}
	currency := t.Amount.Currency
	if currency == "" {
		currency = "USD"
	}

	txn := domain.Transaction{
		TransactionID: strconv.FormatInt(t.ID, 10),
		AccountID:     strconv.FormatInt(t.AccountID, 10),
		CredentialID:  credentialID,
		Provider:      domain.ProviderYodlee,
		Amount:        amount,
		Date:          date,
		Description:   desc,
		Pending:       strings.EqualFold(t.Status, "PENDING"),
		Currency:      currency,
	}
	if t.Category != "" {
		txn.Categories = []string{t.Category}
	}
	if t.Merchant != nil {
		txn.MerchantName = t.Merchant.Name
		if a := t.Merchant.Address; a != nil {
			txn.Location = &domain.Location{City: a.City, Region: a.State, PostalCode: a.Zip, Country: a.Country}
		}
	}
	return txn
}
