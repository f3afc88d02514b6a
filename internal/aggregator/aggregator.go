// Package aggregator orchestrates the banking providers for one user: provider
// failover when linking, concurrent per-connection fetches, sync bookkeeping
// and disconnects.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/bankwatch/internal/core/connection"
	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/infra/banking/fault"
	"github.com/vietddude/bankwatch/internal/infra/banking/provider"
	"github.com/vietddude/bankwatch/internal/infra/storage"
)

const (
	defaultConcurrency  = 8
	defaultLockTTL      = 10 * time.Minute
	defaultLookbackDays = 30
)

// BalanceMonitor is notified when connections come and go.
type BalanceMonitor interface {
	StartMonitoring(ctx context.Context, userID string, credentialIDs []string) error
	StopMonitoring(ctx context.Context, userID string) error
	CheckImmediateAlerts(ctx context.Context, userID string, credentialIDs []string) ([]domain.Alert, error)
}

// SyncLocker serializes syncs for a user across processes.
type SyncLocker interface {
	AcquireSyncLock(ctx context.Context, userID, token string, ttl time.Duration) error
	ReleaseSyncLock(ctx context.Context, userID, token string) error
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithSyncLocker serializes SyncAllAccounts per user.
func WithSyncLocker(l SyncLocker, ttl time.Duration) Option {
	return func(a *Aggregator) {
		a.locker = l
		if ttl > 0 {
			a.lockTTL = ttl
		}
	}
}

// WithConcurrency bounds the per-request fan-out.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithLookbackDays sets the default transaction window.
func WithLookbackDays(days int) Option {
	return func(a *Aggregator) {
		if days > 0 {
			a.lookbackDays = days
		}
	}
}

// Aggregator is the entry point for multi-provider banking operations.
type Aggregator struct {
	router       *Router
	vault        storage.CredentialVault
	monitor      BalanceMonitor
	locker       SyncLocker
	logger       *slog.Logger
	now          func() time.Time
	lockTTL      time.Duration
	concurrency  int
	lookbackDays int
}

// New creates an aggregator.
func New(router *Router, vault storage.CredentialVault, opts ...Option) *Aggregator {
	a := &Aggregator{
		router:       router,
		vault:        vault,
		logger:       slog.Default(),
		now:          time.Now,
		lockTTL:      defaultLockTTL,
		concurrency:  defaultConcurrency,
		lookbackDays: defaultLookbackDays,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AttachMonitor sets the balance monitor. The monitor usually reads accounts
// through the aggregator, so it is attached after construction.
func (a *Aggregator) AttachMonitor(m BalanceMonitor) {
	a.monitor = m
}

// Router returns the provider router.
func (a *Aggregator) Router() *Router {
	return a.router
}

// ConnectRequest carries the provider chosen by the client and the fields
// returned by its linking widget.
type ConnectRequest struct {
	Provider domain.Provider
	Fields   map[string]string
}

// ConnectResult is returned by ConnectAccount and ReconnectAccount.
type ConnectResult struct {
	Connection domain.BankingConnection `json:"connection"`
	Accounts   []domain.BankAccount     `json:"accounts"`
}

// ConnectionError reports one connection's failure inside a fan-out.
type ConnectionError struct {
	CredentialID    string          `json:"credential_id"`
	Provider        domain.Provider `json:"provider"`
	InstitutionName string          `json:"institution_name"`
	Kind            fault.Kind      `json:"kind"`
	Message         string          `json:"message"`
}

func connectionError(cred *domain.Credential, err error) ConnectionError {
	return ConnectionError{
		CredentialID:    cred.ID,
		Provider:        cred.Provider,
		InstitutionName: cred.InstitutionName,
		Kind:            fault.KindOf(err),
		Message:         err.Error(),
	}
}

// errReconnectRequired is reported for connections that cannot be used until relinked.
var errReconnectRequired = errors.New("reconnect required")

func reconnectError(cred *domain.Credential) error {
	if cred.Status == domain.ConnectionStatusExpired {
		return fault.NewReauthenticationError(string(cred.Provider), "sync", fault.CategoryAuthentication, errReconnectRequired)
	}
	return fmt.Errorf("%w: %s", errReconnectRequired, connection.StateDescription(cred.Status))
}

// ============================================================================
// Linking
// ============================================================================

// CreateLinkToken tries providers in priority order (preferred first) and
// returns the first link token obtained.
func (a *Aggregator) CreateLinkToken(ctx context.Context, userID string, preferred domain.Provider) (*provider.LinkToken, error) {
	if userID == "" {
		return nil, fault.NewValidationError("", "create_link_token", "user id is required")
	}
	if preferred != "" && !preferred.Valid() {
		return nil, fault.NewValidationError(string(preferred), "create_link_token", "unsupported provider %q", preferred)
	}

	candidates := a.router.Candidates(preferred)
	if len(candidates) == 0 {
		return nil, fault.NewUnavailableError("banking", "create_link_token", fault.CategorySystemError, fault.SeverityHigh,
			errors.New("no providers configured"))
	}

	var errs []error
	for _, ad := range candidates {
		tok, err := ad.CreateLinkToken(ctx, userID)
		if err == nil {
			if len(errs) > 0 {
				a.logger.Info("link token created by fallback provider",
					"user_id", userID,
					"provider", ad.Name(),
					"failed_providers", len(errs),
				)
			}
			return tok, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("create link token: %w", ctx.Err())
		}
		a.logger.Warn("link token failed, trying next provider",
			"user_id", userID,
			"provider", ad.Name(),
			"error", err,
		)
		errs = append(errs, fmt.Errorf("%s: %w", ad.Name(), err))
	}

	return nil, &fault.IntegrationError{
		Kind:      fault.KindUnavailable,
		Category:  fault.Classify(errs[len(errs)-1]),
		Severity:  fault.SeverityHigh,
		Provider:  "banking",
		Operation: "create_link_token",
		Message:   "no banking provider is available to link accounts, please try again later",
		Err:       errors.Join(errs...),
	}
}

func missingFields(required []string, fields map[string]string) []string {
	var missing []string
	for _, f := range required {
		if strings.TrimSpace(fields[f]) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// ConnectAccount links a new institution through the requested provider,
// stores the credential and starts balance monitoring for it.
func (a *Aggregator) ConnectAccount(ctx context.Context, userID string, req ConnectRequest) (*ConnectResult, error) {
	if userID == "" {
		return nil, fault.NewValidationError(string(req.Provider), "connect_account", "user id is required")
	}
	ad, err := a.router.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	if missing := missingFields(ad.RequiredFields(), req.Fields); len(missing) > 0 {
		return nil, fault.NewValidationError(string(req.Provider), "connect_account",
			"missing required fields: %s", strings.Join(missing, ", "))
	}

	res, err := ad.Link(ctx, userID, req.Fields)
	if err != nil {
		return nil, err
	}
	cred := res.Credential
	if err := connection.Apply(cred, connection.NewTransition(cred.Status, domain.ConnectionStatusActive, "linked", a.now())); err != nil {
		return nil, err
	}
	if err := a.vault.StoreCredentials(ctx, cred); err != nil {
		// The vendor item is live but nothing local references it.
		if _, rerr := ad.Revoke(ctx, cred); rerr != nil {
			a.logger.Warn("failed to revoke unsaved connection at vendor",
				"user_id", userID,
				"provider", cred.Provider,
				"credential_id", cred.ID,
				"error", rerr,
			)
		}
		return nil, fmt.Errorf("store credential: %w", err)
	}

	a.logger.Info("bank account connected",
		"user_id", userID,
		"provider", cred.Provider,
		"credential_id", cred.ID,
		"institution", cred.InstitutionName,
		"accounts", len(res.Accounts),
	)
	a.startMonitoring(ctx, userID, cred.ID)

	return &ConnectResult{
		Connection: domain.NewBankingConnection(cred, len(res.Accounts)),
		Accounts:   res.Accounts,
	}, nil
}

// ReconnectAccount relinks a connection in the error or expired state. The
// credential keeps its ID; only vendor tokens are replaced.
func (a *Aggregator) ReconnectAccount(ctx context.Context, userID, credentialID string, fields map[string]string) (*ConnectResult, error) {
	cred, err := a.vault.RetrieveCredentials(ctx, credentialID, userID)
	if err != nil {
		return nil, fmt.Errorf("retrieve credential %s: %w", credentialID, err)
	}
	ad, err := a.router.Get(cred.Provider)
	if err != nil {
		return nil, err
	}
	if missing := missingFields(ad.RequiredFields(), fields); len(missing) > 0 {
		return nil, fault.NewValidationError(string(cred.Provider), "reconnect_account",
			"missing required fields: %s", strings.Join(missing, ", "))
	}

	switch {
	case connection.NeedsReconnect(cred.Status):
		t := connection.NewTransition(cred.Status, domain.ConnectionStatusPending, "manual reconnect", a.now())
		if err := connection.Apply(cred, t); err != nil {
			return nil, err
		}
	case cred.Status != domain.ConnectionStatusPending:
		return nil, fault.NewValidationError(string(cred.Provider), "reconnect_account",
			"connection %s is %s and does not need reconnecting", credentialID, cred.Status)
	}

	res, err := ad.Link(ctx, userID, fields)
	if err != nil {
		a.setStatus(ctx, cred, domain.ConnectionStatusError, nil, err)
		return nil, err
	}

	cred.AccessToken = res.Credential.AccessToken
	cred.ItemID = res.Credential.ItemID
	cred.AccountIDs = res.Credential.AccountIDs
	cred.LastError = ""
	if cred.InstitutionName == "" {
		cred.InstitutionName = res.Credential.InstitutionName
	}
	if err := connection.Apply(cred, connection.NewTransition(cred.Status, domain.ConnectionStatusActive, "relinked", a.now())); err != nil {
		return nil, err
	}
	if err := a.vault.StoreCredentials(ctx, cred); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}

	// Accounts from Link reference the throwaway ID Link generated.
	for i := range res.Accounts {
		res.Accounts[i].CredentialID = cred.ID
	}

	a.logger.Info("bank account reconnected", "user_id", userID, "credential_id", cred.ID, "provider", cred.Provider)
	a.startMonitoring(ctx, userID, cred.ID)

	return &ConnectResult{
		Connection: domain.NewBankingConnection(cred, len(res.Accounts)),
		Accounts:   res.Accounts,
	}, nil
}

func (a *Aggregator) startMonitoring(ctx context.Context, userID string, credentialIDs ...string) {
	if a.monitor == nil || len(credentialIDs) == 0 {
		return
	}
	if err := a.monitor.StartMonitoring(ctx, userID, credentialIDs); err != nil {
		a.logger.Warn("failed to start balance monitoring", "user_id", userID, "error", err)
	}
}

// ============================================================================
// Queries
// ============================================================================

// GetAccounts fetches live accounts for one stored credential.
func (a *Aggregator) GetAccounts(ctx context.Context, credentialID, userID string) ([]domain.BankAccount, error) {
	cred, err := a.vault.RetrieveCredentials(ctx, credentialID, userID)
	if err != nil {
		return nil, fmt.Errorf("retrieve credential %s: %w", credentialID, err)
	}
	if connection.NeedsReconnect(cred.Status) {
		return nil, reconnectError(cred)
	}
	ad, err := a.router.Get(cred.Provider)
	if err != nil {
		return nil, err
	}
	return ad.GetAccounts(ctx, credentialID, userID)
}

// GetConnections lists the user's connections with a live account count.
// When the count cannot be fetched the stored account IDs are counted instead.
func (a *Aggregator) GetConnections(ctx context.Context, userID string) ([]domain.BankingConnection, error) {
	creds, err := a.vault.ListUserCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	results := fanOut(ctx, a.concurrency, creds, func(ctx context.Context, cred *domain.Credential) ([]domain.BankAccount, error) {
		return a.fetchAccounts(ctx, cred)
	})

	out := make([]domain.BankingConnection, len(creds))
	for i, cred := range creds {
		count := len(cred.AccountIDs)
		if results[i].err == nil {
			count = len(results[i].value)
		}
		out[i] = domain.NewBankingConnection(cred, count)
	}
	return out, nil
}

// AccountsResult is the merged output of GetAllAccounts.
type AccountsResult struct {
	Accounts []domain.BankAccount `json:"accounts"`
	Errors   []ConnectionError    `json:"errors,omitempty"`
}

// GetAllAccounts fetches accounts from every connection concurrently and
// merges them in connection order. Per-connection failures are reported in
// Errors and never fail the call.
func (a *Aggregator) GetAllAccounts(ctx context.Context, userID string) (*AccountsResult, error) {
	creds, err := a.vault.ListUserCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	results := fanOut(ctx, a.concurrency, creds, a.fetchAccounts)

	out := &AccountsResult{Accounts: []domain.BankAccount{}}
	for i, r := range results {
		if r.err != nil {
			out.Errors = append(out.Errors, connectionError(creds[i], r.err))
			continue
		}
		out.Accounts = append(out.Accounts, r.value...)
	}
	return out, nil
}

// TransactionsResult is the merged output of GetAllTransactions.
type TransactionsResult struct {
	Transactions []domain.Transaction `json:"transactions"`
	Errors       []ConnectionError    `json:"errors,omitempty"`
}

// GetAllTransactions fetches transactions in [start, end] from every
// connection concurrently and merges them in connection order.
func (a *Aggregator) GetAllTransactions(ctx context.Context, userID string, start, end time.Time) (*TransactionsResult, error) {
	if end.Before(start) {
		return nil, fault.NewValidationError("", "get_transactions", "end date %s is before start date %s",
			end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	creds, err := a.vault.ListUserCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	results := fanOut(ctx, a.concurrency, creds, func(ctx context.Context, cred *domain.Credential) ([]domain.Transaction, error) {
		return a.fetchTransactions(ctx, cred, start, end)
	})

	out := &TransactionsResult{Transactions: []domain.Transaction{}}
	for i, r := range results {
		if r.err != nil {
			out.Errors = append(out.Errors, connectionError(creds[i], r.err))
			continue
		}
		out.Transactions = append(out.Transactions, r.value...)
	}
	return out, nil
}

func (a *Aggregator) fetchAccounts(ctx context.Context, cred *domain.Credential) ([]domain.BankAccount, error) {
	if connection.NeedsReconnect(cred.Status) {
		return nil, reconnectError(cred)
	}
	ad, err := a.router.Get(cred.Provider)
	if err != nil {
		return nil, err
	}
	return ad.GetAccounts(ctx, cred.ID, cred.UserID)
}

func (a *Aggregator) fetchTransactions(ctx context.Context, cred *domain.Credential, start, end time.Time) ([]domain.Transaction, error) {
	if connection.NeedsReconnect(cred.Status) {
		return nil, reconnectError(cred)
	}
	ad, err := a.router.Get(cred.Provider)
	if err != nil {
		return nil, err
	}
	return ad.GetTransactions(ctx, cred.ID, cred.UserID, start, end)
}

// ============================================================================
// Disconnect
// ============================================================================

// DisconnectResult reports what happened at the vendor. The local credential
// is always deleted when DisconnectAccount returns without error.
type DisconnectResult struct {
	CredentialID  string          `json:"credential_id"`
	Provider      domain.Provider `json:"provider"`
	VendorRemoved bool            `json:"vendor_removed"`
	VendorError   string          `json:"vendor_error,omitempty"`
}

// DisconnectAccount revokes the credential at the vendor (best effort),
// deletes it locally and stops monitoring it.
func (a *Aggregator) DisconnectAccount(ctx context.Context, userID, credentialID string) (*DisconnectResult, error) {
	cred, err := a.vault.RetrieveCredentials(ctx, credentialID, userID)
	if err != nil {
		return nil, fmt.Errorf("retrieve credential %s: %w", credentialID, err)
	}

	res := &DisconnectResult{CredentialID: cred.ID, Provider: cred.Provider}
	ad, err := a.router.Get(cred.Provider)
	if err == nil {
		res.VendorRemoved, err = ad.Remove(ctx, credentialID, userID)
	}
	if err != nil {
		res.VendorError = err.Error()
		a.logger.Warn("vendor removal failed, deleting local credential anyway",
			"user_id", userID,
			"credential_id", credentialID,
			"provider", cred.Provider,
			"error", err,
		)
	}

	if err := a.vault.DeleteCredentials(ctx, credentialID, userID); err != nil {
		return nil, fmt.Errorf("delete credential %s: %w", credentialID, err)
	}
	a.logger.Info("bank account disconnected",
		"user_id", userID,
		"credential_id", credentialID,
		"provider", cred.Provider,
		"vendor_removed", res.VendorRemoved,
	)

	a.rescopeMonitoring(ctx, userID)
	return res, nil
}

// rescopeMonitoring restarts monitoring with the user's remaining active connections.
func (a *Aggregator) rescopeMonitoring(ctx context.Context, userID string) {
	if a.monitor == nil {
		return
	}
	if err := a.monitor.StopMonitoring(ctx, userID); err != nil {
		a.logger.Warn("failed to stop balance monitoring", "user_id", userID, "error", err)
	}
	creds, err := a.vault.ListUserCredentials(ctx, userID)
	if err != nil {
		a.logger.Warn("failed to list remaining credentials", "user_id", userID, "error", err)
		return
	}
	var ids []string
	for _, c := range creds {
		if c.Status == domain.ConnectionStatusActive {
			ids = append(ids, c.ID)
		}
	}
	a.startMonitoring(ctx, userID, ids...)
}

// ============================================================================
// Fan-out
// ============================================================================

type result[T any] struct {
	value T
	err   error
}

// fanOut runs fn for every credential concurrently and returns the results in
// input order. A failing credential never cancels the others.
func fanOut[T any](
	ctx context.Context,
	limit int,
	creds []*domain.Credential,
	fn func(ctx context.Context, cred *domain.Credential) (T, error),
) []result[T] {
	results := make([]result[T], len(creds))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, cred := range creds {
		g.Go(func() error {
			v, err := fn(ctx, cred)
			results[i] = result[T]{value: v, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func newRunID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}
