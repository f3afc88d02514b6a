package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/vietddude/bankwatch/internal/aggregator"
	"github.com/vietddude/bankwatch/internal/core/config"
	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/health"
	"github.com/vietddude/bankwatch/internal/infra/banking/provider"
	"github.com/vietddude/bankwatch/internal/infra/banking/routing"
	redisclient "github.com/vietddude/bankwatch/internal/infra/redis"
	"github.com/vietddude/bankwatch/internal/infra/storage"
	"github.com/vietddude/bankwatch/internal/infra/storage/memory"
	"github.com/vietddude/bankwatch/internal/infra/storage/postgres"
	"github.com/vietddude/bankwatch/internal/monitor"
)

// App owns every long-lived component and their lifecycle.
type App struct {
	cfg          *config.AppConfig
	log          *slog.Logger
	db           *postgres.DB
	redisClient  *redisclient.Client
	alertFeed    *redisclient.AlertFeed
	tracker      *routing.Tracker
	vault        storage.CredentialVault
	closers      []func() error
	aggregator   *aggregator.Aggregator
	monitor      *monitor.Monitor
	healthMon    *health.Monitor
	healthServer *health.Server
}

// NewApp wires storage, providers, the aggregator and monitoring from cfg.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	app := &App{cfg: cfg, log: slog.Default()}

	// 1. Storage
	vault, err := app.initVault(ctx)
	if err != nil {
		return nil, err
	}
	app.vault = vault

	// 2. Redis is optional; without it syncs are not serialized across processes
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			app.log.Warn("Failed to connect to Redis, sync lock and alert feed disabled", "error", err)
		} else {
			app.redisClient = client
			app.alertFeed = redisclient.NewAlertFeed(client, cfg.Monitoring.AlertRetention)
		}
	}

	// 3. Error handling shared by every provider
	app.tracker = routing.NewTracker()
	handler := routing.NewHandler(app.tracker, routing.WithLogger(app.log))
	plaidRetry, yodleeRetry := retryConfigs(cfg.Banking)

	// 4. Providers
	router := aggregator.NewRouter()
	if cfg.Banking.PlaidEnabled() {
		exec, err := routing.NewExecutor(handler, plaidRetry)
		if err != nil {
			_ = app.closeAll()
			return nil, fmt.Errorf("plaid retry config: %w", err)
		}
		plaid := provider.NewPlaidAdapter(cfg.Banking.Plaid, vault, exec, nil)
		router.Register(plaid)
		app.closers = append(app.closers, plaid.Close)
		app.log.Info("Provider registered", "provider", domain.ProviderPlaid, "environment", cfg.Banking.Plaid.Environment)
	}
	if cfg.Banking.YodleeEnabled() {
		exec, err := routing.NewExecutor(handler, yodleeRetry)
		if err != nil {
			_ = app.closeAll()
			return nil, fmt.Errorf("yodlee retry config: %w", err)
		}
		yodlee := provider.NewYodleeAdapter(cfg.Banking.Yodlee, vault, exec, nil)
		router.Register(yodlee)
		app.closers = append(app.closers, yodlee.Close)
		app.log.Info("Provider registered", "provider", domain.ProviderYodlee)
	}
	router.SetPriority(cfg.Banking.PrimaryProvider, cfg.Banking.FallbackProvider)

	// 5. Aggregator and balance monitoring
	aggOpts := []aggregator.Option{
		aggregator.WithLogger(app.log),
		aggregator.WithLookbackDays(cfg.Banking.SyncLookbackDays),
	}
	if app.redisClient != nil {
		aggOpts = append(aggOpts, aggregator.WithSyncLocker(app.redisClient, 0))
	}
	app.aggregator = aggregator.New(router, vault, aggOpts...)

	if !cfg.Monitoring.Disabled {
		var sink monitor.AlertSink = monitor.LogSink{Logger: app.log}
		if app.alertFeed != nil {
			sink = monitor.MultiSink{sink, app.alertFeed}
		}
		app.monitor = monitor.New(app.aggregator, sink, monitorConfig(cfg.Monitoring), monitor.WithLogger(app.log))
		app.aggregator.AttachMonitor(app.monitor)
	}

	// 6. Health
	deps := make(map[string]health.Pinger)
	if app.db != nil {
		deps["postgres"] = app.db.Health
	}
	if app.redisClient != nil {
		deps["redis"] = app.redisClient.Ping
	}
	app.healthMon = health.NewMonitor(router, app.tracker, deps)
	app.healthServer = health.NewServer(app.healthMon, cfg.Server.Port)

	return app, nil
}

func (a *App) initVault(ctx context.Context) (storage.CredentialVault, error) {
	if a.cfg.Database.URL == "" {
		a.log.Warn("Using memory storage, connections are lost on restart")
		return memory.NewVault(), nil
	}

	sealer, err := storage.NewSealer(a.cfg.Vault.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init sealer: %w", err)
	}
	db, err := postgres.NewDB(ctx, a.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	a.db = db
	a.log.Info("Using PostgreSQL storage")
	return postgres.NewVaultRepo(db, sealer), nil
}

// retryConfigs applies the configured attempts and base delay to the vendor
// presets. Yodlee keeps its slower preset unless the configured base is larger.
func retryConfigs(c config.BankingConfig) (plaid, yodlee routing.RetryConfig) {
	plaid = routing.PlaidRetryConfig()
	yodlee = routing.YodleeRetryConfig()

	if c.MaxRetryAttempts > 0 {
		plaid.MaxAttempts = c.MaxRetryAttempts
		yodlee.MaxAttempts = c.MaxRetryAttempts
	}
	if c.BaseRetryDelay > 0 {
		plaid.BaseDelay = c.BaseRetryDelay
		yodlee.BaseDelay = max(yodlee.BaseDelay, c.BaseRetryDelay)
	}
	plaid.MaxDelay = max(plaid.MaxDelay, plaid.BaseDelay)
	yodlee.MaxDelay = max(yodlee.MaxDelay, yodlee.BaseDelay)
	return plaid, yodlee
}

func monitorConfig(c config.MonitoringConfig) monitor.Config {
	return monitor.Config{
		Interval:                 c.Interval,
		LowBalanceThreshold:      decimal.NewFromFloat(c.LowBalanceThreshold),
		ThresholdType:            monitor.ThresholdType(c.ThresholdType),
		CreditUtilizationPercent: decimal.NewFromFloat(c.CreditUtilizationPercent),
	}
}

// Aggregator returns the banking aggregator.
func (a *App) Aggregator() *aggregator.Aggregator {
	return a.aggregator
}

// AlertFeed returns the Redis alert feed, or nil without Redis.
func (a *App) AlertFeed() *redisclient.AlertFeed {
	return a.alertFeed
}

// Health returns the health monitor.
func (a *App) Health() *health.Monitor {
	return a.healthMon
}

// Start launches the health server and background collectors.
func (a *App) Start(ctx context.Context) error {
	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}
	if err := a.resumeMonitoring(ctx); err != nil {
		return err
	}

	var providers []string
	for _, ad := range a.aggregator.Router().All() {
		providers = append(providers, ad.Name().String())
	}
	a.log.Info("Bankwatch started",
		"port", a.cfg.Server.Port,
		"providers", providers,
		"monitoring", a.monitor != nil,
	)
	return nil
}

// resumeMonitoring restarts balance monitoring for every active connection
// stored before this process started.
func (a *App) resumeMonitoring(ctx context.Context) error {
	if a.monitor == nil {
		return nil
	}
	creds, err := a.vault.ListActiveCredentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active connections: %w", err)
	}

	byUser := make(map[string][]string)
	var users []string
	for _, c := range creds {
		if _, ok := byUser[c.UserID]; !ok {
			users = append(users, c.UserID)
		}
		byUser[c.UserID] = append(byUser[c.UserID], c.ID)
	}
	for _, u := range users {
		if err := a.monitor.StartMonitoring(ctx, u, byUser[u]); err != nil {
			a.log.Warn("Failed to resume monitoring", "user_id", u, "error", err)
		}
	}
	if len(users) > 0 {
		a.log.Info("Monitoring resumed", "users", len(users), "connections", len(creds))
	}
	return nil
}

// Stop shuts down monitoring and the health server, then releases connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping Bankwatch...")

	var errs []error
	if a.monitor != nil {
		if err := a.monitor.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("monitor: %w", err))
		}
	}
	if err := a.healthServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("health server: %w", err))
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases connections without stopping servers. Used by one-shot commands.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.monitor != nil {
		if err := a.monitor.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("monitor: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
		a.redisClient = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
		a.db = nil
	}
	return errors.Join(errs...)
}
