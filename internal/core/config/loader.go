package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/bankwatch/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, applies defaults and validates the result.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	b := &cfg.Banking
	if b.PrimaryProvider == "" {
		b.PrimaryProvider = domain.ProviderPlaid
	}
	if b.FallbackProvider == "" && b.PrimaryProvider == domain.ProviderPlaid {
		b.FallbackProvider = domain.ProviderYodlee
	}
	if b.FallbackProvider == "" && b.PrimaryProvider == domain.ProviderYodlee {
		b.FallbackProvider = domain.ProviderPlaid
	}
	if b.SyncLookbackDays == 0 {
		b.SyncLookbackDays = 30
	}
	if b.MaxRetryAttempts == 0 {
		b.MaxRetryAttempts = 3
	}
	if b.BaseRetryDelay == 0 {
		b.BaseRetryDelay = time.Second
	}
	if b.Plaid.Timeout == 0 {
		b.Plaid.Timeout = 10 * time.Second
	}
	if b.Plaid.SyncTimeout == 0 {
		b.Plaid.SyncTimeout = 60 * time.Second
	}
	if b.Yodlee.Timeout == 0 {
		b.Yodlee.Timeout = 15 * time.Second
	}
	if b.Yodlee.SyncTimeout == 0 {
		b.Yodlee.SyncTimeout = 90 * time.Second
	}
	b.Plaid.LookbackDays = b.SyncLookbackDays
	b.Yodlee.LookbackDays = b.SyncLookbackDays

	m := &cfg.Monitoring
	if m.Interval == 0 {
		m.Interval = 15 * time.Minute
	}
	if m.ThresholdType == "" {
		m.ThresholdType = "fixed"
	}
	if m.LowBalanceThreshold == 0 {
		m.LowBalanceThreshold = 100
	}
	if m.CreditUtilizationPercent == 0 {
		m.CreditUtilizationPercent = 80
	}
}
