package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/infra/banking/provider"
	redisclient "github.com/vietddude/bankwatch/internal/infra/redis"
	"github.com/vietddude/bankwatch/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Database   postgres.Config    `yaml:"database"`
	Redis      redisclient.Config `yaml:"redis"`
	Vault      VaultConfig        `yaml:"vault"`
	Banking    BankingConfig      `yaml:"banking"`
	Monitoring MonitoringConfig   `yaml:"monitoring"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// VaultConfig holds the key used to seal access tokens at rest.
type VaultConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // 32 bytes, hex or base64
}

// BankingConfig holds provider selection, retry and per-vendor settings.
type BankingConfig struct {
	PrimaryProvider  domain.Provider       `yaml:"primary_provider"`
	FallbackProvider domain.Provider       `yaml:"fallback_provider"`
	SyncLookbackDays int                   `yaml:"sync_lookback_days"`
	MaxRetryAttempts int                   `yaml:"max_retry_attempts"`
	BaseRetryDelay   time.Duration         `yaml:"base_retry_delay"`
	Plaid            provider.PlaidConfig  `yaml:"plaid"`
	Yodlee           provider.YodleeConfig `yaml:"yodlee"`
}

// PlaidEnabled reports whether Plaid credentials are configured.
func (c BankingConfig) PlaidEnabled() bool { return c.Plaid.ClientID != "" }

// YodleeEnabled reports whether Yodlee credentials are configured.
func (c BankingConfig) YodleeEnabled() bool { return c.Yodlee.ClientID != "" }

// MonitoringConfig holds balance alert rules.
type MonitoringConfig struct {
	Disabled                 bool          `yaml:"disabled"`
	Interval                 time.Duration `yaml:"interval"`
	LowBalanceThreshold      float64       `yaml:"low_balance_threshold"`
	ThresholdType            string        `yaml:"threshold_type"` // fixed, percent
	CreditUtilizationPercent float64       `yaml:"credit_utilization_percent"`
	AlertRetention           time.Duration `yaml:"alert_retention"`
}

// Validate reports every configuration problem at once.
func (c *AppConfig) Validate() error {
	var errs []error

	for _, p := range []domain.Provider{c.Banking.PrimaryProvider, c.Banking.FallbackProvider} {
		if p != "" && !p.Valid() {
			errs = append(errs, fmt.Errorf("banking: unsupported provider %q", p))
		}
	}
	if !c.Banking.PlaidEnabled() && !c.Banking.YodleeEnabled() {
		errs = append(errs, errors.New("banking: no provider credentials configured"))
	}
	if c.Banking.MaxRetryAttempts < 1 {
		errs = append(errs, errors.New("banking: max_retry_attempts must be at least 1"))
	}
	if c.Database.URL != "" && c.Vault.EncryptionKey == "" {
		errs = append(errs, errors.New("vault: encryption_key is required with a database"))
	}
	switch c.Monitoring.ThresholdType {
	case "fixed", "percent":
	default:
		errs = append(errs, fmt.Errorf("monitoring: unknown threshold_type %q", c.Monitoring.ThresholdType))
	}
	if c.Monitoring.ThresholdType == "percent" && c.Monitoring.LowBalanceThreshold > 100 {
		errs = append(errs, errors.New("monitoring: percent threshold must be at most 100"))
	}

	return errors.Join(errs...)
}
