// Package routing decides what happens after a provider call fails.
//
// This package contains:
//   - RetryConfig: per-provider retry policy and delay calculation
//   - Tracker: per-(provider, category) circuit breaker counters
//   - Handler: classify, grade and decide for a single fault
//   - Executor: the retry loop wrapping a unit of work
package routing

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/vietddude/bankwatch/internal/infra/banking/fault"
)

// RateLimitFloor is the minimum wait after a rate_limit fault.
const RateLimitFloor = 60 * time.Second

// RetryConfig defines retry behavior for one provider.
type RetryConfig struct {
	Provider          string
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	ExponentialFactor float64
	Jitter            bool

	// RetryOn narrows the retryable categories. Empty means the default rules apply.
	RetryOn []fault.Category
}

// PlaidRetryConfig is the default policy for Plaid calls.
func PlaidRetryConfig() RetryConfig {
	return RetryConfig{
		Provider:          "plaid",
		MaxAttempts:       3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          60 * time.Second,
		ExponentialFactor: 2.0,
		Jitter:            true,
	}
}

// YodleeRetryConfig is the default policy for Yodlee calls.
func YodleeRetryConfig() RetryConfig {
	return RetryConfig{
		Provider:          "yodlee",
		MaxAttempts:       3,
		BaseDelay:         2 * time.Second,
		MaxDelay:          120 * time.Second,
		ExponentialFactor: 2.0,
		Jitter:            true,
	}
}

// Validate checks the config invariants.
func (c RetryConfig) Validate() error {
	var errs []error
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be >= 1, got %d", c.MaxAttempts))
	}
	if c.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("base delay must be > 0, got %s", c.BaseDelay))
	}
	if c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("max delay %s is below base delay %s", c.MaxDelay, c.BaseDelay))
	}
	if c.ExponentialFactor <= 1 {
		errs = append(errs, fmt.Errorf("exponential factor must be > 1, got %g", c.ExponentialFactor))
	}
	if len(errs) > 0 {
		return fmt.Errorf("retry config %q: %w", c.Provider, errors.Join(errs...))
	}
	return nil
}

// Allows reports whether the config permits retrying the category at all.
func (c RetryConfig) Allows(category fault.Category) bool {
	return len(c.RetryOn) == 0 || slices.Contains(c.RetryOn, category)
}

// Calculator computes backoff delays. The random source is injectable for tests.
type Calculator struct {
	rand func() float64
}

// NewCalculator returns a calculator drawing jitter from rnd, or math/rand when nil.
func NewCalculator(rnd func() float64) *Calculator {
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Calculator{rand: rnd}
}

var defaultCalculator = NewCalculator(nil)

// CalculateDelay returns the wait before the attempt after the given 1-based attempt.
func CalculateDelay(attempt int, category fault.Category, cfg RetryConfig) time.Duration {
	return defaultCalculator.Delay(attempt, category, cfg)
}

// Delay is base*factor^(attempt-1) capped at MaxDelay, optionally scaled into
// [0.5, 1.0) by jitter. A rate_limit fault never waits less than RateLimitFloor.
func (c *Calculator) Delay(attempt int, category fault.Category, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(cfg.BaseDelay) * math.Pow(cfg.ExponentialFactor, float64(attempt-1))
	if math.IsNaN(delay) || delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}

	if cfg.Jitter {
		delay *= 0.5 + 0.5*c.rand()
	}

	d := time.Duration(delay)
	if category == fault.CategoryRateLimit && d < RateLimitFloor {
		d = RateLimitFloor
	}
	return d
}
