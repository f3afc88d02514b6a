package monitor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vietddude/bankwatch/internal/core/domain"
)

// AlertSink receives alerts produced by the monitor.
type AlertSink interface {
	Deliver(ctx context.Context, alerts []domain.Alert) error
}

// LogSink writes alerts to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(ctx context.Context, alerts []domain.Alert) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, a := range alerts {
		level := slog.LevelWarn
		if a.Severity == domain.AlertSeverityCritical {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "balance alert",
			"alert_id", a.ID,
			"user_id", a.UserID,
			"account_id", a.AccountID,
			"type", a.Type,
			"severity", a.Severity,
			"message", a.Message,
		)
	}
	return nil
}

// MultiSink fans alerts out to several sinks and joins their errors.
type MultiSink []AlertSink

func (m MultiSink) Deliver(ctx context.Context, alerts []domain.Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, alerts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
