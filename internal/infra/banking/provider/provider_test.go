package provider

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/infra/banking/routing"
	"github.com/vietddude/bankwatch/internal/infra/storage/memory"
)

// ============================================================================
// Test helpers
// ============================================================================

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

func testExecutor(t *testing.T, cfg routing.RetryConfig, sleeps *[]time.Duration) *routing.Executor {
	t.Helper()
	cfg.Jitter = false
	h := routing.NewHandler(routing.NewTracker(), routing.WithLogger(slog.New(discardHandler{})))
	exec, err := routing.NewExecutor(h, cfg, routing.WithSleep(func(ctx context.Context, d time.Duration) error {
		if sleeps != nil {
			*sleeps = append(*sleeps, d)
		}
		return nil
	}))
	require.NoError(t, err)
	return exec
}

func seedCredential(t *testing.T, v *memory.Vault, c *domain.Credential) {
	t.Helper()
	require.NoError(t, v.StoreCredentials(context.Background(), c))
}
