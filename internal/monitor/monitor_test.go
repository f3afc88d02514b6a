package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vietddude/bankwatch/internal/core/domain"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Fakes
// =============================================================================

type fakeSource struct {
	mu       sync.Mutex
	accounts map[string][]domain.BankAccount
	errs     map[string]error
	calls    int
}

func (f *fakeSource) GetAccounts(ctx context.Context, credentialID, userID string) ([]domain.BankAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[credentialID]; err != nil {
		return nil, err
	}
	return append([]domain.BankAccount(nil), f.accounts[credentialID]...), nil
}

func (f *fakeSource) set(credentialID string, accts ...domain.BankAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accounts == nil {
		f.accounts = make(map[string][]domain.BankAccount)
	}
	f.accounts[credentialID] = accts
}

type chanSink struct {
	ch chan []domain.Alert
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan []domain.Alert, 16)}
}

func (s *chanSink) Deliver(ctx context.Context, alerts []domain.Alert) error {
	s.ch <- alerts
	return nil
}

func amount(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func checking(cred, id, current string) domain.BankAccount {
	return domain.BankAccount{
		AccountID:    id,
		CredentialID: cred,
		Name:         "Checking " + id,
		Type:         domain.AccountTypeDepository,
		Current:      amount(current),
		Currency:     "USD",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Tests
// =============================================================================

func TestRules(t *testing.T) {
	card := domain.BankAccount{
		AccountID: "card", CredentialID: "c1", Name: "Card", Type: domain.AccountTypeCredit,
		Current: amount("850"), Limit: amount("1000"), Currency: "USD",
	}
	maxed := card
	maxed.AccountID = "maxed"
	maxed.Current = amount("1200")

	src := &fakeSource{}
	src.set("c1",
		checking("c1", "low", "42.50"),
		checking("c1", "fine", "5000"),
		checking("c1", "neg", "-12"),
		card,
		maxed,
	)
	m := New(src, nil, Config{}, WithLogger(quietLogger()))

	alerts, err := m.CheckImmediateAlerts(context.Background(), "u1", []string{"c1"})
	require.NoError(t, err)

	got := make(map[string]domain.Alert)
	for _, a := range alerts {
		got[a.AccountID] = a
	}
	require.Len(t, got, 4)

	assert.Equal(t, domain.AlertTypeLowBalance, got["low"].Type)
	assert.True(t, got["low"].Threshold.Equal(decimal.NewFromInt(100)))

	assert.Equal(t, domain.AlertTypeOverdraft, got["neg"].Type)
	assert.Equal(t, domain.AlertSeverityCritical, got["neg"].Severity)

	assert.Equal(t, domain.AlertTypeCreditUtilization, got["card"].Type)
	assert.Equal(t, domain.AlertSeverityWarning, got["card"].Severity)
	assert.Equal(t, domain.AlertSeverityCritical, got["maxed"].Severity)

	for _, a := range alerts {
		assert.NotEmpty(t, a.ID)
		assert.Equal(t, "u1", a.UserID)
	}
}

func TestPercentThresholdUsesFirstObservedBalance(t *testing.T) {
	src := &fakeSource{}
	src.set("c1", checking("c1", "a", "1000"))
	m := New(src, nil, Config{
		ThresholdType:       ThresholdPercent,
		LowBalanceThreshold: decimal.NewFromInt(20),
	}, WithLogger(quietLogger()))
	ctx := context.Background()

	alerts, err := m.CheckImmediateAlerts(ctx, "u1", []string{"c1"})
	require.NoError(t, err)
	assert.Empty(t, alerts)

	// 150 is below 20% of the first observed 1000 but above the fixed $100 default.
	src.set("c1", checking("c1", "a", "150"))
	alerts, err = m.CheckImmediateAlerts(ctx, "u1", []string{"c1"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Threshold.Equal(decimal.NewFromInt(200)), "threshold %s", alerts[0].Threshold)
}

func TestPercentThresholdPrefersLimit(t *testing.T) {
	acct := checking("c1", "a", "300")
	acct.Limit = amount("2000")
	src := &fakeSource{}
	src.set("c1", acct)
	m := New(src, nil, Config{
		ThresholdType:       ThresholdPercent,
		LowBalanceThreshold: decimal.NewFromInt(25),
	}, WithLogger(quietLogger()))

	alerts, err := m.CheckImmediateAlerts(context.Background(), "u1", []string{"c1"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Threshold.Equal(decimal.NewFromInt(500)))
}

func TestCheckImmediateAlertsErrors(t *testing.T) {
	boom := errors.New("provider down")
	src := &fakeSource{errs: map[string]error{"c1": boom}}
	src.set("c2", checking("c2", "low", "1"))
	m := New(src, nil, Config{}, WithLogger(quietLogger()))
	ctx := context.Background()

	_, err := m.CheckImmediateAlerts(ctx, "u1", []string{"c1"})
	assert.ErrorIs(t, err, boom)

	// Partial failures still return what could be evaluated.
	alerts, err := m.CheckImmediateAlerts(ctx, "u1", []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestStartStopMonitoring(t *testing.T) {
	src := &fakeSource{}
	src.set("c1", checking("c1", "low", "10"))
	sink := newChanSink()
	m := New(src, sink, Config{Interval: 5 * time.Millisecond}, WithLogger(quietLogger()))
	ctx := context.Background()

	require.NoError(t, m.StartMonitoring(ctx, "u1", []string{"c1"}))
	assert.Equal(t, []string{"u1"}, m.Active())

	select {
	case alerts := <-sink.ch:
		require.Len(t, alerts, 1)
		assert.Equal(t, domain.AlertTypeLowBalance, alerts[0].Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert delivered")
	}

	// Later ticks do not repeat a condition that is still firing.
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, sink.ch)

	require.NoError(t, m.StopMonitoring(ctx, "u1"))
	assert.Empty(t, m.Active())
	require.NoError(t, m.StopMonitoring(ctx, "u1"))
}

func TestStartMonitoringMergesCredentials(t *testing.T) {
	src := &fakeSource{}
	m := New(src, newChanSink(), Config{Interval: time.Hour}, WithLogger(quietLogger()))
	ctx := context.Background()

	require.NoError(t, m.StartMonitoring(ctx, "u1", []string{"c1"}))
	require.NoError(t, m.StartMonitoring(ctx, "u1", []string{"c2"}))

	m.mu.Lock()
	ids := m.sessions["u1"].credentialIDs
	m.mu.Unlock()
	assert.Equal(t, []string{"c1", "c2"}, ids)

	require.NoError(t, m.Close(ctx))
}

func TestCloseRejectsStart(t *testing.T) {
	m := New(&fakeSource{}, nil, Config{Interval: time.Hour}, WithLogger(quietLogger()))
	ctx := context.Background()

	require.NoError(t, m.StartMonitoring(ctx, "u1", []string{"c1"}))
	require.NoError(t, m.StartMonitoring(ctx, "u2", []string{"c2"}))
	require.NoError(t, m.Close(ctx))

	assert.Empty(t, m.Active())
	assert.ErrorIs(t, m.StartMonitoring(ctx, "u3", []string{"c3"}), ErrClosed)
}

func TestStopMonitoringSurvivesCallerCancel(t *testing.T) {
	src := &fakeSource{}
	m := New(src, nil, Config{Interval: time.Hour}, WithLogger(quietLogger()))

	// The loop must outlive the request context that started it.
	reqCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.StartMonitoring(reqCtx, "u1", []string{"c1"}))
	cancel()

	assert.Equal(t, []string{"u1"}, m.Active())
	require.NoError(t, m.StopMonitoring(context.Background(), "u1"))
}
