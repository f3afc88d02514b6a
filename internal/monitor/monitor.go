// Package monitor watches linked account balances and raises alerts.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/metrics"
)

// AccountSource fetches current account balances for a credential.
type AccountSource interface {
	GetAccounts(ctx context.Context, credentialID, userID string) ([]domain.BankAccount, error)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithClock overrides the time source used for alert timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

type session struct {
	credentialIDs []string
	cancel        context.CancelFunc
	done          chan struct{}
}

// Monitor runs one background loop per monitored user.
type Monitor struct {
	source AccountSource
	sink   AlertSink
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	refMu      sync.Mutex
	references map[string]decimal.Decimal

	// firing holds conditions already delivered so a loop only reports changes.
	firingMu sync.Mutex
	firing   map[string]struct{}
}

// ErrClosed is returned by StartMonitoring after Close.
var ErrClosed = errors.New("monitor closed")

// New creates a balance monitor.
func New(source AccountSource, sink AlertSink, cfg Config, opts ...Option) *Monitor {
	if sink == nil {
		sink = LogSink{}
	}
	m := &Monitor{
		source:     source,
		sink:       sink,
		cfg:        cfg.withDefaults(),
		logger:     slog.Default(),
		now:        time.Now,
		sessions:   make(map[string]*session),
		references: make(map[string]decimal.Decimal),
		firing:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartMonitoring begins (or extends) monitoring for userID. Credential IDs
// already monitored are kept; the loop restarts with the union.
func (m *Monitor) StartMonitoring(ctx context.Context, userID string, credentialIDs []string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ids := slices.Clone(credentialIDs)
	old := m.sessions[userID]
	if old != nil {
		ids = append(ids, old.credentialIDs...)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	if old != nil && slices.Equal(ids, old.credentialIDs) {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, userID)
	m.mu.Unlock()

	if old != nil {
		if err := old.stop(ctx); err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		m.updateGauge()
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{credentialIDs: ids, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return ErrClosed
	}
	if prev := m.sessions[userID]; prev != nil {
		// A concurrent start won the race; keep it and fold our IDs into the next start.
		m.mu.Unlock()
		cancel()
		return m.StartMonitoring(ctx, userID, ids)
	}
	m.sessions[userID] = s
	m.mu.Unlock()

	go m.run(loopCtx, userID, s)
	m.updateGauge()

	m.logger.Info("balance monitoring started", "user_id", userID, "credentials", len(ids))
	return nil
}

// StopMonitoring cancels the user's loop and waits for it to exit.
func (m *Monitor) StopMonitoring(ctx context.Context, userID string) error {
	m.mu.Lock()
	s := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	err := s.stop(ctx)
	m.updateGauge()
	m.clearFiring(userID)
	m.logger.Info("balance monitoring stopped", "user_id", userID)
	return err
}

// CheckImmediateAlerts evaluates the rules once and returns every alert that
// currently applies. Nothing is delivered to the sink.
func (m *Monitor) CheckImmediateAlerts(ctx context.Context, userID string, credentialIDs []string) ([]domain.Alert, error) {
	var (
		alerts []domain.Alert
		errs   []error
	)
	at := m.now()
	for _, id := range credentialIDs {
		accounts, err := m.source.GetAccounts(ctx, id, userID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for i := range accounts {
			alerts = append(alerts, m.evaluate(userID, &accounts[i], at)...)
		}
	}
	if len(alerts) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return alerts, nil
}

// Active returns the users currently monitored, sorted.
func (m *Monitor) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.sessions))
	for u := range m.sessions {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Close stops every loop and rejects further starts.
func (m *Monitor) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.updateGauge()
	return errors.Join(errs...)
}

func (s *session) stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run(ctx context.Context, userID string, s *session) {
	defer close(s.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	// Initial check
	m.check(ctx, userID, s.credentialIDs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, userID, s.credentialIDs)
		}
	}
}

func (m *Monitor) check(ctx context.Context, userID string, credentialIDs []string) {
	at := m.now()
	seen := make(map[string]struct{})
	var fresh []domain.Alert

	for _, id := range credentialIDs {
		accounts, err := m.source.GetAccounts(ctx, id, userID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("balance check failed",
				"user_id", userID,
				"credential_id", id,
				"error", err,
			)
			m.keepFiring(userID+"|"+id+"|", seen)
			continue
		}
		for i := range accounts {
			for _, a := range m.evaluate(userID, &accounts[i], at) {
				key := firingKey(a)
				seen[key] = struct{}{}
				if m.markFiring(key) {
					fresh = append(fresh, a)
				}
			}
		}
	}
	m.resolveFiring(userID, seen)

	if len(fresh) == 0 {
		return
	}
	for _, a := range fresh {
		metrics.AlertsRaised.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	}
	if err := m.sink.Deliver(ctx, fresh); err != nil {
		m.logger.Error("alert delivery failed", "user_id", userID, "alerts", len(fresh), "error", err)
	}
}

func firingKey(a domain.Alert) string {
	return a.UserID + "|" + a.CredentialID + "|" + a.AccountID + "|" + string(a.Type)
}

func (m *Monitor) markFiring(key string) bool {
	m.firingMu.Lock()
	defer m.firingMu.Unlock()
	if _, ok := m.firing[key]; ok {
		return false
	}
	m.firing[key] = struct{}{}
	return true
}

// resolveFiring forgets conditions for userID that no longer hold.
func (m *Monitor) resolveFiring(userID string, seen map[string]struct{}) {
	prefix := userID + "|"
	m.firingMu.Lock()
	defer m.firingMu.Unlock()
	for key := range m.firing {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := seen[key]; !ok {
			delete(m.firing, key)
		}
	}
}

// keepFiring carries existing conditions under prefix into seen, so a failed
// fetch does not re-raise them on the next successful one.
func (m *Monitor) keepFiring(prefix string, seen map[string]struct{}) {
	m.firingMu.Lock()
	defer m.firingMu.Unlock()
	for key := range m.firing {
		if strings.HasPrefix(key, prefix) {
			seen[key] = struct{}{}
		}
	}
}

func (m *Monitor) clearFiring(userID string) {
	m.resolveFiring(userID, nil)
}

func (m *Monitor) updateGauge() {
	m.mu.Lock()
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.MonitoredUsers.Set(float64(n))
}
