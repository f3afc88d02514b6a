package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/infra/banking/fault"
	"github.com/vietddude/bankwatch/internal/infra/banking/routing"
	"github.com/vietddude/bankwatch/internal/infra/storage"
)

const (
	plaidSandboxURL     = "https://sandbox.plaid.com"
	plaidDevelopmentURL = "https://development.plaid.com"
	plaidProductionURL  = "https://production.plaid.com"

	plaidPageSize = 500
	plaidDate     = "2006-01-02"
)

// PlaidConfig configures the Plaid adapter.
type PlaidConfig struct {
	ClientID     string        `yaml:"client_id"`
	Secret       string        `yaml:"secret"`
	Environment  string        `yaml:"environment"`
	BaseURL      string        `yaml:"base_url"`
	ClientName   string        `yaml:"client_name"`
	Products     []string      `yaml:"products"`
	CountryCodes []string      `yaml:"country_codes"`
	Timeout      time.Duration `yaml:"timeout"`
	SyncTimeout  time.Duration `yaml:"sync_timeout"`
	LookbackDays int           `yaml:"-"`
}

func (c PlaidConfig) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	switch strings.ToLower(c.Environment) {
	case "production":
		return plaidProductionURL
	case "development":
		return plaidDevelopmentURL
	default:
		return plaidSandboxURL
	}
}

// PlaidAdapter implements Adapter for Plaid.
type PlaidAdapter struct {
	cfg    PlaidConfig
	client *jsonClient
	vault  storage.CredentialVault
	exec   *routing.Executor
	now    func() time.Time
}

var _ Adapter = (*PlaidAdapter)(nil)

// NewPlaidAdapter creates a Plaid adapter. httpClient may be nil.
func NewPlaidAdapter(cfg PlaidConfig, vault storage.CredentialVault, exec *routing.Executor, httpClient *http.Client) *PlaidAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 60 * time.Second
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 30
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "Bankwatch"
	}
	if len(cfg.Products) == 0 {
		cfg.Products = []string{"transactions"}
	}
	if len(cfg.CountryCodes) == 0 {
		cfg.CountryCodes = []string{"US"}
	}

	return &PlaidAdapter{
		cfg:    cfg,
		client: newJSONClient(string(domain.ProviderPlaid), cfg.baseURL(), httpClient, decodePlaidError),
		vault:  vault,
		exec:   exec,
		now:    time.Now,
	}
}

// ============================================================================
// Wire types
// ============================================================================

type plaidErrorBody struct {
	ErrorType      string `json:"error_type"`
	ErrorCode      string `json:"error_code"`
	ErrorMessage   string `json:"error_message"`
	DisplayMessage string `json:"display_message"`
	RequestID      string `json:"request_id"`
}

func decodePlaidError(_ int, body []byte) *fault.ProviderError {
	var e plaidErrorBody
	if err := json.Unmarshal(body, &e); err != nil || (e.ErrorCode == "" && e.ErrorType == "") {
		return nil
	}
	return &fault.ProviderError{
		ErrorType: e.ErrorType,
		ErrorCode: e.ErrorCode,
		Message:   e.ErrorMessage,
		RequestID: e.RequestID,
	}
}

type plaidBalances struct {
	Available       *decimal.Decimal `json:"available"`
	Current         *decimal.Decimal `json:"current"`
	Limit           *decimal.Decimal `json:"limit"`
	IsoCurrencyCode string           `json:"iso_currency_code"`
	Unofficial      string           `json:"unofficial_currency_code"`
}

type plaidAccount struct {
	AccountID    string        `json:"account_id"`
	Balances     plaidBalances `json:"balances"`
	Mask         string        `json:"mask"`
	Name         string        `json:"name"`
	OfficialName string        `json:"official_name"`
	Type         string        `json:"type"`
	Subtype      string        `json:"subtype"`
}

type plaidItem struct {
	ItemID        string `json:"item_id"`
	InstitutionID string `json:"institution_id"`
}

type plaidAccountsResponse struct {
	Accounts  []plaidAccount `json:"accounts"`
	Item      plaidItem      `json:"item"`
	RequestID string         `json:"request_id"`
}

type plaidLocation struct {
	Address    string   `json:"address"`
	City       string   `json:"city"`
	Region     string   `json:"region"`
	PostalCode string   `json:"postal_code"`
	Country    string   `json:"country"`
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
}

type plaidTransaction struct {
	TransactionID   string          `json:"transaction_id"`
	AccountID       string          `json:"account_id"`
	Amount          decimal.Decimal `json:"amount"`
	IsoCurrencyCode string          `json:"iso_currency_code"`
	Unofficial      string          `json:"unofficial_currency_code"`
	Date            string          `json:"date"`
	Name            string          `json:"name"`
	MerchantName    string          `json:"merchant_name"`
	Pending         bool            `json:"pending"`
	Category        []string        `json:"category"`
	Location        *plaidLocation  `json:"location"`
}

type plaidTransactionsResponse struct {
	Transactions      []plaidTransaction `json:"transactions"`
	TotalTransactions int                `json:"total_transactions"`
	RequestID         string             `json:"request_id"`
}

type plaidLinkTokenResponse struct {
	LinkToken  string    `json:"link_token"`
	Expiration time.Time `json:"expiration"`
	RequestID  string    `json:"request_id"`
}

type plaidExchangeResponse struct {
	AccessToken string `json:"access_token"`
	ItemID      string `json:"item_id"`
	RequestID   string `json:"request_id"`
}

type plaidInstitutionResponse struct {
	Institution struct {
		InstitutionID string `json:"institution_id"`
		Name          string `json:"name"`
	} `json:"institution"`
}

type plaidRemoveResponse struct {
	Removed   *bool  `json:"removed"`
	RequestID string `json:"request_id"`
}

// ============================================================================
// Adapter
// ============================================================================

func (p *PlaidAdapter) Name() domain.Provider { return domain.ProviderPlaid }

func (p *PlaidAdapter) RequiredFields() []string { return []string{"public_token"} }

func (p *PlaidAdapter) Health() HealthStatus {
	h := p.client.health()
	h.Provider = domain.ProviderPlaid
	return h
}

// Close releases idle transport connections.
func (p *PlaidAdapter) Close() error {
	return p.client.Close()
}

// post adds client credentials and runs the call under the retry policy.
func (p *PlaidAdapter) post(ctx context.Context, call routing.Call, path string, timeout time.Duration, body map[string]any, out any) error {
	body["client_id"] = p.cfg.ClientID
	body["secret"] = p.cfg.Secret
	return p.exec.Do(ctx, call, func(ctx context.Context) error {
		return p.client.do(ctx, request{
			Operation: call.Operation,
			Method:    http.MethodPost,
			Path:      path,
			Body:      body,
			Header:    http.Header{"Plaid-Version": []string{"2020-09-14"}},
			Timeout:   timeout,
		}, out)
	})
}

// CreateLinkToken calls /link/token/create.
func (p *PlaidAdapter) CreateLinkToken(ctx context.Context, userID string) (*LinkToken, error) {
	var resp plaidLinkTokenResponse
	err := p.post(ctx, routing.Call{UserID: userID, Operation: "create_link_token"}, "/link/token/create", p.cfg.Timeout,
		map[string]any{
			"client_name":   p.cfg.ClientName,
			"language":      "en",
			"country_codes": p.cfg.CountryCodes,
			"user":          map[string]string{"client_user_id": userID},
			"products":      p.cfg.Products,
		}, &resp)
	if err != nil {
		return nil, err
	}
	return &LinkToken{Provider: domain.ProviderPlaid, Token: resp.LinkToken, Expiration: resp.Expiration}, nil
}

// Link exchanges the public token and loads the item's accounts.
func (p *PlaidAdapter) Link(ctx context.Context, userID string, fields map[string]string) (*LinkResult, error) {
	call := routing.Call{UserID: userID, Operation: "link"}

	var exchange plaidExchangeResponse
	err := p.post(ctx, call, "/item/public_token/exchange", p.cfg.Timeout,
		map[string]any{"public_token": fields["public_token"]}, &exchange)
	if err != nil {
		return nil, err
	}

	cred := &domain.Credential{
		ID:              uuid.NewString(),
		UserID:          userID,
		Provider:        domain.ProviderPlaid,
		InstitutionID:   fields["institution_id"],
		InstitutionName: fields["institution_name"],
		AccessToken:     exchange.AccessToken,
		ItemID:          exchange.ItemID,
		Status:          domain.ConnectionStatusPending,
		ConnectedAt:     p.now().UTC(),
	}

	resp, err := p.fetchAccounts(ctx, routing.Call{UserID: userID, Operation: "get_accounts"}, exchange.AccessToken)
	if err != nil {
		return nil, err
	}
	if cred.InstitutionID == "" {
		cred.InstitutionID = resp.Item.InstitutionID
	}
	if cred.InstitutionName == "" && cred.InstitutionID != "" {
		cred.InstitutionName = p.institutionName(ctx, userID, cred.InstitutionID)
	}

	accounts := p.normalizeAccounts(cred.ID, cred.InstitutionID, resp.Accounts)
	for _, a := range accounts {
		cred.AccountIDs = append(cred.AccountIDs, a.AccountID)
	}
	return &LinkResult{Credential: cred, Accounts: accounts}, nil
}

// institutionName is best effort; a failure leaves the name empty.
func (p *PlaidAdapter) institutionName(ctx context.Context, userID, institutionID string) string {
	var resp plaidInstitutionResponse
	err := p.post(ctx, routing.Call{UserID: userID, Operation: "get_institution"}, "/institutions/get_by_id", p.cfg.Timeout,
		map[string]any{"institution_id": institutionID, "country_codes": p.cfg.CountryCodes}, &resp)
	if err != nil {
		return ""
	}
	return resp.Institution.Name
}

func (p *PlaidAdapter) credential(ctx context.Context, credentialID, userID string) (*domain.Credential, error) {
	cred, err := p.vault.RetrieveCredentials(ctx, credentialID, userID)
	if err != nil {
		return nil, fmt.Errorf("retrieve credential %s: %w", credentialID, err)
	}
	if cred.Provider != domain.ProviderPlaid {
		return nil, fault.NewValidationError(string(domain.ProviderPlaid), "get_credential",
			"credential %s belongs to %s", credentialID, cred.Provider)
	}
	return cred, nil
}

func (p *PlaidAdapter) fetchAccounts(ctx context.Context, call routing.Call, accessToken string) (*plaidAccountsResponse, error) {
	var resp plaidAccountsResponse
	err := p.post(ctx, call, "/accounts/balance/get", p.cfg.Timeout,
		map[string]any{"access_token": accessToken}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAccounts calls /accounts/balance/get.
func (p *PlaidAdapter) GetAccounts(ctx context.Context, credentialID, userID string) ([]domain.BankAccount, error) {
	cred, err := p.credential(ctx, credentialID, userID)
	if err != nil {
		return nil, err
	}

	call := routing.Call{UserID: userID, Operation: "get_accounts", Metadata: map[string]any{"credential_id": credentialID}}
	resp, err := p.fetchAccounts(ctx, call, cred.AccessToken)
	if err != nil {
		return nil, err
	}
	return p.normalizeAccounts(cred.ID, cred.InstitutionID, resp.Accounts), nil
}

// GetTransactions pages through /transactions/get.
func (p *PlaidAdapter) GetTransactions(ctx context.Context, credentialID, userID string, start, end time.Time) ([]domain.Transaction, error) {
	cred, err := p.credential(ctx, credentialID, userID)
	if err != nil {
		return nil, err
	}
	return p.fetchTransactions(ctx, cred, start, end, p.cfg.Timeout)
}

func (p *PlaidAdapter) fetchTransactions(ctx context.Context, cred *domain.Credential, start, end time.Time, timeout time.Duration) ([]domain.Transaction, error) {
	if end.Before(start) {
		return nil, fault.NewValidationError(string(domain.ProviderPlaid), "get_transactions",
			"start %s is after end %s", start.Format(plaidDate), end.Format(plaidDate))
	}

	call := routing.Call{UserID: cred.UserID, Operation: "get_transactions", Metadata: map[string]any{"credential_id": cred.ID}}

	var out []domain.Transaction
	for offset := 0; ; {
		var page plaidTransactionsResponse
		err := p.post(ctx, call, "/transactions/get", timeout, map[string]any{
			"access_token": cred.AccessToken,
			"start_date":   start.Format(plaidDate),
			"end_date":     end.Format(plaidDate),
			"options":      map[string]int{"count": plaidPageSize, "offset": offset},
		}, &page)
		if err != nil {
			return nil, err
		}

		for _, t := range page.Transactions {
			out = append(out, p.normalizeTransaction(cred.ID, t))
		}
		offset += len(page.Transactions)
		if len(page.Transactions) == 0 || offset >= page.TotalTransactions {
			break
		}
	}
	return out, nil
}

// SyncAccountData fetches accounts and the lookback window of transactions.
func (p *PlaidAdapter) SyncAccountData(ctx context.Context, credentialID, userID string) (*SyncResult, error) {
	cred, err := p.credential(ctx, credentialID, userID)
	if err != nil {
		return nil, err
	}

	call := routing.Call{UserID: userID, Operation: "sync_accounts", Metadata: map[string]any{"credential_id": credentialID}}
	var resp plaidAccountsResponse
	err = p.post(ctx, call, "/accounts/balance/get", p.cfg.SyncTimeout,
		map[string]any{"access_token": cred.AccessToken}, &resp)
	if err != nil {
		return nil, err
	}
	accounts := p.normalizeAccounts(cred.ID, cred.InstitutionID, resp.Accounts)

	end := p.now().UTC()
	start := end.AddDate(0, 0, -p.cfg.LookbackDays)
	txns, err := p.fetchTransactions(ctx, cred, start, end, p.cfg.SyncTimeout)
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

// Remove calls /item/remove.
func (p *PlaidAdapter) Remove(ctx context.Context, credentialID, userID string) (bool, error) {
	cred, err := p.credential(ctx, credentialID, userID)
	if err != nil {
		return false, err
	}
	return p.Revoke(ctx, cred)
}

// Revoke removes the item behind cred.
func (p *PlaidAdapter) Revoke(ctx context.Context, cred *domain.Credential) (bool, error) {
	var resp plaidRemoveResponse
	call := routing.Call{UserID: cred.UserID, Operation: "remove_item", Metadata: map[string]any{"credential_id": cred.ID}}
	if err := p.post(ctx, call, "/item/remove", p.cfg.Timeout,
		map[string]any{"access_token": cred.AccessToken}, &resp); err != nil {
		return false, err
	}
	// Older API versions return only a request_id on success.
	return resp.Removed == nil || *resp.Removed, nil
}

// ============================================================================
// Normalization
// ============================================================================

func plaidCurrency(iso, unofficial string) string {
	if iso != "" {
		return iso
	}
	if unofficial != "" {
		return unofficial
	}
	return "USD"
}

func plaidAccountType(t string) domain.AccountType {
	switch domain.AccountType(t) {
	case domain.AccountTypeDepository, domain.AccountTypeCredit, domain.AccountTypeLoan, domain.AccountTypeInvestment:
		return domain.AccountType(t)
	case "brokerage":
		return domain.AccountTypeInvestment
	default:
		return domain.AccountTypeOther
	}
}

func (p *PlaidAdapter) normalizeAccounts(credentialID, institutionID string, in []plaidAccount) []domain.BankAccount {
	out := make([]domain.BankAccount, 0, len(in))
	for _, a := range in {
		name := a.Name
		if name == "" {
			name = a.OfficialName
		}
		out = append(out, domain.BankAccount{
			AccountID:     a.AccountID,
			CredentialID:  credentialID,
			Provider:      domain.ProviderPlaid,
			Name:          name,
			Type:          plaidAccountType(a.Type),
			Subtype:       a.Subtype,
			Available:     a.Balances.Available,
			Current:       a.Balances.Current,
			Limit:         a.Balances.Limit,
			Currency:      plaidCurrency(a.Balances.IsoCurrencyCode, a.Balances.Unofficial),
			InstitutionID: institutionID,
			Mask:          a.Mask,
		})
	}
	return out
}

// Plaid already reports debits as positive and credits as negative.
func (p *PlaidAdapter) normalizeTransaction(credentialID string, t plaidTransaction) domain.Transaction {
	date, _ := time.Parse(plaidDate, t.Date)

	txn := domain.Transaction{
		TransactionID: t.TransactionID,
		AccountID:     t.AccountID,
		CredentialID:  credentialID,
		Provider:      domain.ProviderPlaid,
		Amount:        t.Amount,
		Date:          date,
		Description:   t.Name,
		MerchantName:  t.MerchantName,
		Categories:    t.Category,
		Pending:       t.Pending,
		Currency:      plaidCurrency(t.IsoCurrencyCode, t.Unofficial),
	}
	if l := t.Location; l != nil && (l.City != "" || l.Address != "" || l.Lat != nil) {
		txn.Location = &domain.Location{
			Address:    l.Address,
			City:       l.City,
			Region:     l.Region,
			PostalCode: l.PostalCode,
			Country:    l.Country,
			Lat:        l.Lat,
			Lon:        l.Lon,
		}
	}
	return txn
}
