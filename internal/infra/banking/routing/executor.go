package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/bankwatch/internal/infra/banking/fault"
	"github.com/vietddude/bankwatch/internal/metrics"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Call names the unit of work for logging and breaker keys.
type Call struct {
	UserID    string
	Operation string
	Metadata  map[string]any
}

// Executor runs a unit of work under one provider's retry policy.
type Executor struct {
	handler *Handler
	cfg     RetryConfig
	sleep   SleepFunc
	now     func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSleep replaces the backoff sleep.
func WithSleep(fn SleepFunc) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

// WithExecutorClock replaces the timestamp source for error contexts.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor validates cfg and returns an executor.
func NewExecutor(h *Handler, cfg RetryConfig, opts ...ExecutorOption) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		handler: h,
		cfg:     cfg,
		sleep:   sleepContext,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the executor's retry policy.
func (e *Executor) Config() RetryConfig {
	return e.cfg
}

// Do runs fn until it succeeds or the handler stops the loop.
func (e *Executor) Do(ctx context.Context, call Call, fn func(ctx context.Context) error) error {
	_, err := Run(ctx, e, call, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Run is Do for work that returns a value. Terminal failures come back as a
// single *fault.IntegrationError.
func Run[T any](ctx context.Context, e *Executor, call Call, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("%s %s: %w", e.cfg.Provider, call.Operation, ctxErr)
		}

		d := e.handler.Handle(err, ErrorContext{
			UserID:    call.UserID,
			Provider:  e.cfg.Provider,
			Operation: call.Operation,
			Attempt:   attempt,
			Timestamp: e.now(),
			Metadata:  call.Metadata,
		}, e.cfg)

		if d.Action != ActionRetry || attempt >= e.cfg.MaxAttempts {
			return zero, e.normalize(call, d, err)
		}

		metrics.RetriesTotal.WithLabelValues(e.cfg.Provider, call.Operation).Inc()
		if err := e.sleep(ctx, d.RetryDelay); err != nil {
			return zero, fmt.Errorf("%s %s: retry aborted: %w", e.cfg.Provider, call.Operation, err)
		}
	}
}

func (e *Executor) normalize(call Call, d Decision, err error) error {
	var ie *fault.IntegrationError
	if errors.As(err, &ie) {
		return ie
	}

	provider, op := e.cfg.Provider, call.Operation
	switch {
	case d.Action == ActionCircuitBreak:
		return fault.NewCircuitOpenError(provider, op, d.Category, d.Severity, err)
	case d.Action == ActionReauthRequired:
		return fault.NewReauthenticationError(provider, op, d.Category, err)
	case d.Category == fault.CategoryValidation:
		return &fault.IntegrationError{
			Kind:      fault.KindValidation,
			Category:  d.Category,
			Severity:  d.Severity,
			Provider:  provider,
			Operation: op,
			Message:   "invalid request: " + err.Error(),
			Err:       err,
		}
	default:
		return fault.NewUnavailableError(provider, op, d.Category, d.Severity, err)
	}
}
