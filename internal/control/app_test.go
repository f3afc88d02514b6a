package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/bankwatch/internal/core/config"
	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/infra/banking/provider"
	"github.com/vietddude/bankwatch/internal/monitor"
)

func TestRetryConfigs(t *testing.T) {
	tests := []struct {
		name         string
		cfg          config.BankingConfig
		plaidBase    time.Duration
		yodleeBase   time.Duration
		attempts     int
		plaidMaxWait time.Duration
	}{
		{
			name:         "presets",
			cfg:          config.BankingConfig{},
			plaidBase:    time.Second,
			yodleeBase:   2 * time.Second,
			attempts:     3,
			plaidMaxWait: 60 * time.Second,
		},
		{
			name:         "configured base below yodlee preset",
			cfg:          config.BankingConfig{MaxRetryAttempts: 5, BaseRetryDelay: 500 * time.Millisecond},
			plaidBase:    500 * time.Millisecond,
			yodleeBase:   2 * time.Second,
			attempts:     5,
			plaidMaxWait: 60 * time.Second,
		},
		{
			name:         "configured base above max delay",
			cfg:          config.BankingConfig{MaxRetryAttempts: 1, BaseRetryDelay: 90 * time.Second},
			plaidBase:    90 * time.Second,
			yodleeBase:   90 * time.Second,
			attempts:     1,
			plaidMaxWait: 90 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plaid, yodlee := retryConfigs(tt.cfg)
			assert.Equal(t, tt.plaidBase, plaid.BaseDelay)
			assert.Equal(t, tt.yodleeBase, yodlee.BaseDelay)
			assert.Equal(t, tt.attempts, plaid.MaxAttempts)
			assert.Equal(t, tt.attempts, yodlee.MaxAttempts)
			assert.Equal(t, tt.plaidMaxWait, plaid.MaxDelay)
			require.NoError(t, plaid.Validate())
			require.NoError(t, yodlee.Validate())
		})
	}
}

func TestMonitorConfig(t *testing.T) {
	got := monitorConfig(config.MonitoringConfig{
		Interval:                 5 * time.Minute,
		LowBalanceThreshold:      250.5,
		ThresholdType:            "percent",
		CreditUtilizationPercent: 75,
	})
	assert.Equal(t, 5*time.Minute, got.Interval)
	assert.True(t, got.LowBalanceThreshold.Equal(decimal.RequireFromString("250.5")))
	assert.Equal(t, monitor.ThresholdPercent, got.ThresholdType)
	assert.True(t, got.CreditUtilizationPercent.Equal(decimal.NewFromInt(75)))
}

func testConfig(plaidURL, yodleeURL string) *config.AppConfig {
	return &config.AppConfig{
		Server: config.ServerConfig{Port: 0},
		Banking: config.BankingConfig{
			PrimaryProvider:  domain.ProviderYodlee,
			FallbackProvider: domain.ProviderPlaid,
			SyncLookbackDays: 30,
			MaxRetryAttempts: 1,
			BaseRetryDelay:   time.Millisecond,
			Plaid:            provider.PlaidConfig{ClientID: "client", Secret: "secret", BaseURL: plaidURL},
			Yodlee:           provider.YodleeConfig{ClientID: "client", Secret: "secret", BaseURL: yodleeURL},
		},
		Monitoring: config.MonitoringConfig{
			Interval:                 15 * time.Minute,
			LowBalanceThreshold:      100,
			ThresholdType:            "fixed",
			CreditUtilizationPercent: 80,
		},
	}
}

func TestNewAppFailsOverToFallbackProvider(t *testing.T) {
	plaid := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/link/token/create", r.URL.Path)
		_, _ = w.Write([]byte(`{"link_token": "link-sandbox-1", "expiration": "2024-06-30T16:00:00Z"}`))
	}))
	t.Cleanup(plaid.Close)
	yodlee := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(yodlee.Close)

	ctx := context.Background()
	app, err := NewApp(ctx, testConfig(plaid.URL, yodlee.URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })

	var order []domain.Provider
	for _, ad := range app.Aggregator().Router().All() {
		order = append(order, ad.Name())
	}
	assert.Equal(t, []domain.Provider{domain.ProviderYodlee, domain.ProviderPlaid}, order)
	assert.Nil(t, app.AlertFeed())

	tok, err := app.Aggregator().CreateLinkToken(ctx, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderPlaid, tok.Provider)
	assert.Equal(t, "link-sandbox-1", tok.Token)
}

func TestNewAppHealthEndpoint(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(ok.Close)

	ctx := context.Background()
	app, err := NewApp(ctx, testConfig(ok.URL, ok.URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })

	rec := httptest.NewRecorder()
	app.healthServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	report := app.Health().CheckHealth(ctx)
	assert.Len(t, report.Providers, 2)
	assert.Empty(t, report.Dependencies)
}

func TestNewAppWithoutMonitoring(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1", "http://127.0.0.1:1")
	cfg.Monitoring.Disabled = true

	ctx := context.Background()
	app, err := NewApp(ctx, cfg)
	require.NoError(t, err)
	assert.Nil(t, app.monitor)
	require.NoError(t, app.Close(ctx))
	require.NoError(t, app.Close(ctx))
}

func TestStartResumesMonitoringForStoredConnections(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(ok.Close)

	ctx := context.Background()
	app, err := NewApp(ctx, testConfig(ok.URL, ok.URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })

	now := time.Now()
	for _, c := range []*domain.Credential{
		{ID: "c1", UserID: "alice", Provider: domain.ProviderPlaid, AccessToken: "t1", Status: domain.ConnectionStatusActive, ConnectedAt: now},
		{ID: "c2", UserID: "alice", Provider: domain.ProviderPlaid, AccessToken: "t2", Status: domain.ConnectionStatusActive, ConnectedAt: now},
		{ID: "c3", UserID: "bob", Provider: domain.ProviderYodlee, AccessToken: "bob", Status: domain.ConnectionStatusActive, ConnectedAt: now},
		{ID: "c4", UserID: "carol", Provider: domain.ProviderPlaid, AccessToken: "t4", Status: domain.ConnectionStatusExpired, ConnectedAt: now},
	} {
		require.NoError(t, app.vault.StoreCredentials(ctx, c))
	}
	assert.Empty(t, app.monitor.Active())

	require.NoError(t, app.resumeMonitoring(ctx))
	assert.Equal(t, []string{"alice", "bob"}, app.monitor.Active())
}
