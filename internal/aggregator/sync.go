package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/bankwatch/internal/analysis"
	"github.com/vietddude/bankwatch/internal/core/connection"
	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/infra/banking/fault"
	"github.com/vietddude/bankwatch/internal/infra/banking/provider"
	"github.com/vietddude/bankwatch/internal/infra/storage"
	"github.com/vietddude/bankwatch/internal/metrics"
)

// SyncStatus is the per-connection outcome of a sync.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncError   SyncStatus = "error"
)

// ConnectionSync is one connection's line in a SyncSummary.
type ConnectionSync struct {
	CredentialID      string                  `json:"credential_id"`
	Provider          domain.Provider         `json:"provider"`
	InstitutionName   string                  `json:"institution_name"`
	Status            SyncStatus              `json:"status"`
	ConnectionStatus  domain.ConnectionStatus `json:"connection_status"`
	AccountsCount     int                     `json:"accounts_count"`
	TransactionsCount int                     `json:"transactions_count"`
	Kind              fault.Kind              `json:"kind,omitempty"`
	Error             string                  `json:"error,omitempty"`
}

// SyncSummary is returned by SyncAllAccounts. Results follow the order of the
// user's stored connections.
type SyncSummary struct {
	RunID             string           `json:"run_id"`
	UserID            string           `json:"user_id"`
	StartedAt         time.Time        `json:"started_at"`
	FinishedAt        time.Time        `json:"finished_at"`
	TotalConnections  int              `json:"total_connections"`
	Succeeded         int              `json:"succeeded"`
	Failed            int              `json:"failed"`
	TotalAccounts     int              `json:"total_accounts"`
	TotalTransactions int              `json:"total_transactions"`
	Results           []ConnectionSync `json:"results"`
	Alerts            []domain.Alert   `json:"alerts,omitempty"`
}

// SyncAllAccounts syncs every stored connection concurrently. Failures are
// recorded per connection and move it to error or expired; the call itself
// only fails when the connection list cannot be loaded or the sync lock is held.
func (a *Aggregator) SyncAllAccounts(ctx context.Context, userID string) (*SyncSummary, error) {
	if userID == "" {
		return nil, fault.NewValidationError("", "sync_all_accounts", "user id is required")
	}
	started := a.now()
	summary := &SyncSummary{RunID: newRunID(started), UserID: userID, StartedAt: started}

	if a.locker != nil {
		if err := a.locker.AcquireSyncLock(ctx, userID, summary.RunID, a.lockTTL); err != nil {
			return nil, fmt.Errorf("acquire sync lock: %w", err)
		}
		defer func() {
			if err := a.locker.ReleaseSyncLock(context.WithoutCancel(ctx), userID, summary.RunID); err != nil {
				a.logger.Warn("failed to release sync lock", "user_id", userID, "run_id", summary.RunID, "error", err)
			}
		}()
	}

	creds, err := a.vault.ListUserCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	results := fanOut(ctx, a.concurrency, creds, a.syncOne)

	summary.TotalConnections = len(creds)
	summary.Results = make([]ConnectionSync, len(creds))
	var synced []string
	for i, cred := range creds {
		line := ConnectionSync{
			CredentialID:     cred.ID,
			Provider:         cred.Provider,
			InstitutionName:  cred.InstitutionName,
			ConnectionStatus: cred.Status,
		}
		if err := results[i].err; err != nil {
			line.Status = SyncError
			line.Kind = fault.KindOf(err)
			line.Error = err.Error()
			summary.Failed++
		} else {
			res := results[i].value
			line.Status = SyncSuccess
			line.AccountsCount = res.AccountsCount
			line.TransactionsCount = res.TransactionsCount
			summary.Succeeded++
			summary.TotalAccounts += res.AccountsCount
			summary.TotalTransactions += res.TransactionsCount
			synced = append(synced, cred.ID)
		}
		metrics.SyncResults.WithLabelValues(string(cred.Provider), string(line.Status)).Inc()
		summary.Results[i] = line
	}

	if a.monitor != nil && len(synced) > 0 {
		alerts, err := a.monitor.CheckImmediateAlerts(ctx, userID, synced)
		if err != nil {
			a.logger.Warn("post-sync alert check failed", "user_id", userID, "error", err)
		}
		summary.Alerts = alerts
	}

	summary.FinishedAt = a.now()
	a.logger.Info("sync finished",
		"user_id", userID,
		"run_id", summary.RunID,
		"connections", summary.TotalConnections,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"duration", summary.FinishedAt.Sub(started),
	)
	return summary, nil
}

// syncOne syncs a single connection and records its new status. cred.Status
// is updated in place so the summary reports the post-sync state.
func (a *Aggregator) syncOne(ctx context.Context, cred *domain.Credential) (*provider.SyncResult, error) {
	if connection.NeedsReconnect(cred.Status) || cred.Status == domain.ConnectionStatusPending {
		return nil, reconnectError(cred)
	}
	ad, err := a.router.Get(cred.Provider)
	if err != nil {
		return nil, err
	}

	res, err := ad.SyncAccountData(ctx, cred.ID, cred.UserID)
	if err != nil {
		if ctx.Err() == nil {
			a.setStatus(ctx, cred, connection.AfterSync(err), nil, err)
		}
		return nil, err
	}
	at := a.now().UTC()
	a.setStatus(ctx, cred, domain.ConnectionStatusActive, &at, nil)
	return res, nil
}

// setStatus applies a lifecycle transition and persists it. Persistence
// failures are logged; they never change the caller's outcome.
func (a *Aggregator) setStatus(ctx context.Context, cred *domain.Credential, to domain.ConnectionStatus, lastSync *time.Time, cause error) {
	reason := "sync ok"
	if cause != nil {
		reason = cause.Error()
	}
	from := cred.Status
	if err := connection.Apply(cred, connection.NewTransition(from, to, reason, a.now())); err != nil {
		a.logger.Error("rejected connection transition", "credential_id", cred.ID, "error", err)
		return
	}

	update := storage.StatusUpdate{Status: to, LastSync: lastSync}
	if cause != nil {
		update.LastError = cause.Error()
	}
	if err := a.vault.UpdateStatus(ctx, cred.ID, cred.UserID, update); err != nil {
		a.logger.Error("failed to persist connection status",
			"credential_id", cred.ID,
			"status", to,
			"error", err,
		)
		return
	}
	if lastSync != nil {
		cred.LastSync = lastSync
	}
	if from != to {
		a.logger.Info("connection status changed",
			"user_id", cred.UserID,
			"credential_id", cred.ID,
			"from", from,
			"to", to,
			"reason", reason,
		)
	}
}

// FinancialDataOptions selects the window and whether analysis runs.
// A zero Start means the configured lookback before End; a zero End means now.
type FinancialDataOptions struct {
	Start           time.Time
	End             time.Time
	IncludeAnalysis bool
}

// FinancialData is the merged view across every connection.
type FinancialData struct {
	UserID       string                      `json:"user_id"`
	GeneratedAt  time.Time                   `json:"generated_at"`
	Start        time.Time                   `json:"start"`
	End          time.Time                   `json:"end"`
	Connections  []domain.BankingConnection  `json:"connections"`
	Accounts     []domain.BankAccount        `json:"accounts"`
	Transactions []domain.Transaction        `json:"transactions"`
	Balances     map[string]decimal.Decimal  `json:"balances"`
	CashFlow     []analysis.MonthlyFlow      `json:"cash_flow,omitempty"`
	Recurring    []analysis.RecurringPattern `json:"recurring,omitempty"`
	Errors       []ConnectionError           `json:"errors,omitempty"`
}

type connectionData struct {
	accounts     []domain.BankAccount
	transactions []domain.Transaction
}

// GetComprehensiveFinancialData fetches accounts and transactions from every
// connection concurrently, merges them in connection order and optionally
// runs cash-flow and recurring-payment analysis.
func (a *Aggregator) GetComprehensiveFinancialData(ctx context.Context, userID string, opts FinancialDataOptions) (*FinancialData, error) {
	end := opts.End
	if end.IsZero() {
		end = a.now().UTC()
	}
	start := opts.Start
	if start.IsZero() {
		start = end.AddDate(0, 0, -a.lookbackDays)
	}
	if end.Before(start) {
		return nil, fault.NewValidationError("", "get_financial_data", "end date %s is before start date %s",
			end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	creds, err := a.vault.ListUserCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	results := fanOut(ctx, a.concurrency, creds, func(ctx context.Context, cred *domain.Credential) (connectionData, error) {
		accounts, err := a.fetchAccounts(ctx, cred)
		if err != nil {
			return connectionData{}, err
		}
		txns, err := a.fetchTransactions(ctx, cred, start, end)
		if err != nil {
			return connectionData{accounts: accounts}, err
		}
		return connectionData{accounts: accounts, transactions: txns}, nil
	})

	data := &FinancialData{
		UserID:       userID,
		GeneratedAt:  a.now().UTC(),
		Start:        start,
		End:          end,
		Connections:  make([]domain.BankingConnection, len(creds)),
		Accounts:     []domain.BankAccount{},
		Transactions: []domain.Transaction{},
	}
	for i, cred := range creds {
		r := results[i]
		count := len(cred.AccountIDs)
		if r.value.accounts != nil {
			count = len(r.value.accounts)
		}
		data.Connections[i] = domain.NewBankingConnection(cred, count)
		data.Accounts = append(data.Accounts, r.value.accounts...)
		data.Transactions = append(data.Transactions, r.value.transactions...)
		if r.err != nil {
			data.Errors = append(data.Errors, connectionError(cred, r.err))
		}
	}

	data.Balances = analysis.Balances(data.Accounts)
	if opts.IncludeAnalysis {
		data.CashFlow = analysis.CashFlow(data.Transactions)
		data.Recurring = analysis.DetectRecurring(data.Transactions)
	}
	return data, nil
}
