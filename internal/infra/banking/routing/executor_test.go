package routing

import (
	"context"
	"errors"
	"log/slog"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/bankwatch/internal/infra/banking/fault"
)

func newTestExecutor(t *testing.T, cfg RetryConfig) (*Executor, *captureHandler, *recordingSleep) {
	t.Helper()
	capture := &captureHandler{}
	sleeper := &recordingSleep{}
	h := NewHandler(NewTracker(), WithLogger(slog.New(capture)))
	e, err := NewExecutor(h, cfg, WithSleep(sleeper.Sleep))
	require.NoError(t, err)
	return e, capture, sleeper
}

func TestRunRecoversFromNetworkFaults(t *testing.T) {
	e, capture, sleeper := newTestExecutor(t, noJitterConfig())

	calls := 0
	got, err := Run(context.Background(), e, Call{UserID: "u1", Operation: "get_accounts"},
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("dial tcp: connection refused")
			}
			return "accounts", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "accounts", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
	assert.Len(t, capture.levels(), 2)
}

func TestRunAuthenticationFailsImmediately(t *testing.T) {
	e, capture, sleeper := newTestExecutor(t, noJitterConfig())

	calls := 0
	err := e.Do(context.Background(), Call{UserID: "u1", Operation: "get_accounts"},
		func(ctx context.Context) error {
			calls++
			return &fault.ProviderError{Provider: "plaid", ErrorCode: "INVALID_CREDENTIALS", StatusCode: 400}
		})

	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrReauthenticationRequired))
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.delays)
	assert.Equal(t, []slog.Level{LevelCritical}, capture.levels())

	var ie *fault.IntegrationError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, fault.CategoryAuthentication, ie.Category)
	assert.Equal(t, "plaid", ie.Provider)
}

func TestRunExhaustsBudget(t *testing.T) {
	e, _, sleeper := newTestExecutor(t, noJitterConfig())

	calls := 0
	err := e.Do(context.Background(), Call{Operation: "sync"}, func(ctx context.Context) error {
		calls++
		return syscall.ECONNRESET
	})

	assert.Equal(t, 3, calls)
	assert.Len(t, sleeper.delays, 2)
	assert.True(t, errors.Is(err, fault.ErrServiceUnavailable))
	assert.True(t, errors.Is(err, syscall.ECONNRESET))
}

func TestRunValidationNotRetried(t *testing.T) {
	e, _, sleeper := newTestExecutor(t, noJitterConfig())

	err := e.Do(context.Background(), Call{Operation: "get_transactions"}, func(ctx context.Context) error {
		return &fault.HTTPError{StatusCode: 400, Body: "start_date after end_date"}
	})

	assert.True(t, errors.Is(err, fault.ErrValidation))
	assert.Empty(t, sleeper.delays)
}

func TestRunCircuitBreak(t *testing.T) {
	e, _, _ := newTestExecutor(t, noJitterConfig())
	call := Call{Operation: "get_accounts"}
	unauthorized := func(ctx context.Context) error { return &fault.HTTPError{StatusCode: 401} }

	_ = e.Do(context.Background(), call, unauthorized)
	_ = e.Do(context.Background(), call, unauthorized)
	err := e.Do(context.Background(), call, unauthorized)

	require.True(t, errors.Is(err, fault.ErrServiceUnavailable))
	assert.Equal(t, "service temporarily unavailable for plaid", err.Error())
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	h := NewHandler(NewTracker(), WithLogger(slog.New(&captureHandler{})))
	e, err := NewExecutor(h, noJitterConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- e.Do(ctx, Call{Operation: "sync"}, func(ctx context.Context) error {
			calls++
			return errors.New("connection reset by peer")
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls, "no attempt fires after cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not stop after cancel")
	}
}

func TestRunReturnsNestedIntegrationError(t *testing.T) {
	e, _, sleeper := newTestExecutor(t, noJitterConfig())
	inner := fault.NewValidationError("plaid", "connect", "missing %s", "public_token")

	err := e.Do(context.Background(), Call{Operation: "connect"}, func(ctx context.Context) error {
		return inner
	})

	assert.Same(t, inner, err)
	assert.Empty(t, sleeper.delays)
}

func TestNewExecutorRejectsInvalidConfig(t *testing.T) {
	_, err := NewExecutor(NewHandler(nil), RetryConfig{Provider: "plaid"})
	assert.Error(t, err)
}
