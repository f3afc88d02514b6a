package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/bankwatch/internal/infra/banking/fault"
	"github.com/vietddude/bankwatch/internal/metrics"
)

// LevelCritical sits above slog.LevelError and marks faults that need a human.
const LevelCritical = slog.LevelError + 4

// Action is the handler's verdict for a single fault.
type Action string

const (
	ActionRetry          Action = "retry"
	ActionFail           Action = "fail"
	ActionReauthRequired Action = "reauth_required"
	ActionEscalate       Action = "escalate"
	ActionCircuitBreak   Action = "circuit_break"
)

// ErrorContext describes the call that failed. Attempt is 1-based.
type ErrorContext struct {
	UserID    string
	Provider  string
	Operation string
	Attempt   int
	Timestamp time.Time
	Metadata  map[string]any
}

// Decision is the handler output. RetryDelay is zero unless Action is ActionRetry.
type Decision struct {
	Action               Action         `json:"action"`
	Category             fault.Category `json:"category"`
	Severity             fault.Severity `json:"severity"`
	Retryable            bool           `json:"retryable"`
	RetryDelay           time.Duration  `json:"retry_delay,omitempty"`
	CircuitBreakerActive bool           `json:"circuit_breaker_active"`
	Message              string         `json:"message"`
	Recommendations      []string       `json:"recommendations"`
}

// Handler turns a fault into a Decision. It never panics.
type Handler struct {
	tracker *Tracker
	calc    *Calculator
	logger  *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger used for classification records.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithCalculator sets the delay calculator.
func WithCalculator(c *Calculator) HandlerOption {
	return func(h *Handler) { h.calc = c }
}

// NewHandler creates a handler backed by the shared tracker.
func NewHandler(tracker *Tracker, opts ...HandlerOption) *Handler {
	if tracker == nil {
		tracker = NewTracker()
	}
	h := &Handler{
		tracker: tracker,
		calc:    defaultCalculator,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Tracker exposes the breaker counters for health reporting.
func (h *Handler) Tracker() *Tracker {
	return h.tracker
}

// Handle runs classify, assess, retryability, breaker check and decide.
func (h *Handler) Handle(err error, ec ErrorContext, cfg RetryConfig) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = Decision{
				Action:          ActionFail,
				Category:        fault.CategorySystemError,
				Severity:        fault.SeverityHigh,
				Message:         fmt.Sprintf("error handling failed for %s %s", ec.Provider, ec.Operation),
				Recommendations: recommendations[fault.CategorySystemError],
			}
			h.logger.Error("error handler recovered from panic",
				"panic", r,
				"provider", ec.Provider,
				"operation", ec.Operation,
			)
		}
	}()

	category := fault.Classify(err)
	severity := fault.AssessSeverity(category, ec.Attempt, cfg.MaxAttempts)

	h.tracker.Record(ec.Provider, category, severity)
	metrics.ErrorsClassified.WithLabelValues(ec.Provider, string(category), severity.String()).Inc()

	d = h.decide(category, severity, ec, cfg)
	h.log(err, ec, d)
	return d
}

func (h *Handler) decide(category fault.Category, severity fault.Severity, ec ErrorContext, cfg RetryConfig) Decision {
	retryable := fault.IsRetryable(category, ec.Attempt, cfg.MaxAttempts) && cfg.Allows(category)

	d := Decision{
		Category:  category,
		Severity:  severity,
		Retryable: retryable,
	}

	switch {
	case h.tracker.ShouldBreak(ec.Provider, category):
		metrics.CircuitBreaksTotal.WithLabelValues(ec.Provider, string(category)).Inc()
		d.Action = ActionCircuitBreak
		d.Retryable = false
		d.CircuitBreakerActive = true
		d.Message = fmt.Sprintf("circuit open for %s after repeated %s errors", ec.Provider, category)
	case !retryable || ec.Attempt >= cfg.MaxAttempts:
		d.Action = ActionFail
		if category.IsCredentialFailure() {
			d.Action = ActionReauthRequired
		} else if severity == fault.SeverityCritical {
			d.Action = ActionEscalate
		}
		d.Message = fmt.Sprintf("%s %s failed with %s error after %d attempt(s)",
			ec.Provider, ec.Operation, category, ec.Attempt)
	default:
		d.Action = ActionRetry
		d.RetryDelay = h.calc.Delay(ec.Attempt, category, cfg)
		d.Message = fmt.Sprintf("%s %s hit %s error, retrying in %s (attempt %d/%d)",
			ec.Provider, ec.Operation, category, d.RetryDelay, ec.Attempt, cfg.MaxAttempts)
	}

	d.Recommendations = recommend(d, ec.Provider)
	return d
}

var recommendations = map[fault.Category][]string{
	fault.CategoryAuthentication: {
		"Ask the user to relink their bank account",
		"Verify the stored credentials are still current",
	},
	fault.CategoryAuthorization: {
		"Check that the access token has not been revoked",
		"Confirm the required products are enabled for the institution",
	},
	fault.CategoryRateLimit: {
		"Reduce request frequency for this provider",
		"Wait at least 60 seconds before the next call",
	},
	fault.CategoryNetwork: {
		"Check network connectivity to the provider",
	},
	fault.CategoryTimeout: {
		"Check provider latency and consider a longer timeout",
	},
	fault.CategoryAPIError: {
		"Check the provider status page for incidents",
	},
	fault.CategoryDataError: {
		"Resync the account to refresh provider data",
	},
	fault.CategoryValidation: {
		"Check the request parameters",
	},
	fault.CategorySystemError: {
		"Inspect application logs for the failing operation",
	},
}

func recommend(d Decision, provider string) []string {
	var out []string
	switch d.Action {
	case ActionCircuitBreak:
		out = append(out, fmt.Sprintf("Pause calls to %s until the breaker window resets", provider))
	case ActionEscalate:
		out = append(out, "Escalate to the on-call engineer")
	}
	return append(out, recommendations[d.Category]...)
}

func levelFor(s fault.Severity) slog.Level {
	switch s {
	case fault.SeverityCritical:
		return LevelCritical
	case fault.SeverityHigh:
		return slog.LevelError
	case fault.SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func (h *Handler) log(err error, ec ErrorContext, d Decision) {
	attrs := []slog.Attr{
		slog.String("error_type", fmt.Sprintf("%T", err)),
		slog.String("category", string(d.Category)),
		slog.String("severity", d.Severity.String()),
		slog.String("action", string(d.Action)),
		slog.String("user_id", ec.UserID),
		slog.String("provider", ec.Provider),
		slog.String("operation", ec.Operation),
		slog.Int("attempt", ec.Attempt),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	if d.Action == ActionRetry {
		attrs = append(attrs, slog.Duration("retry_delay", d.RetryDelay))
	}
	if len(ec.Metadata) > 0 {
		meta := make([]any, 0, len(ec.Metadata))
		for k, v := range ec.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}

	h.logger.LogAttrs(context.Background(), levelFor(d.Severity), "banking error classified", attrs...)
}
