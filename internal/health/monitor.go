package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/bankwatch/internal/infra/banking/provider"
	"github.com/vietddude/bankwatch/internal/infra/banking/routing"
)

// ProviderSource reports transport health for every registered provider.
type ProviderSource interface {
	Health() []provider.HealthStatus
}

// CircuitSource reports tripped circuit breakers.
type CircuitSource interface {
	OpenCircuits() []routing.BreakerState
}

// Pinger checks a backing service such as the database or Redis.
type Pinger func(ctx context.Context) error

// Monitor aggregates health status from various system components.
type Monitor struct {
	providers    ProviderSource
	circuits     CircuitSource
	dependencies map[string]Pinger
	cacheFor     time.Duration
	now          func() time.Time

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a new health monitor. dependencies may be nil.
func NewMonitor(providers ProviderSource, circuits CircuitSource, dependencies map[string]Pinger) *Monitor {
	return &Monitor{
		providers:    providers,
		circuits:     circuits,
		dependencies: dependencies,
		cacheFor:     10 * time.Second,
		now:          time.Now,
	}
}

// CheckHealth builds a report. Results are cached briefly so probes don't
// hammer the database.
func (m *Monitor) CheckHealth(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.lastReport != nil && now.Sub(m.lastCheck) < m.cacheFor {
		return m.lastReport
	}

	report := &Report{
		SystemStatus: StatusHealthy,
		CheckedAt:    now,
		Providers:    make(map[string]ProviderHealth),
	}

	open := make(map[string][]routing.BreakerState)
	if m.circuits != nil {
		for _, s := range m.circuits.OpenCircuits() {
			open[s.Provider] = append(open[s.Provider], s)
		}
	}

	available := 0
	for _, h := range m.providers.Health() {
		ph := ProviderHealth{
			Provider:     string(h.Provider),
			Status:       StatusHealthy,
			Transport:    h.Status,
			Available:    h.Available,
			OpenCircuits: open[string(h.Provider)],
			Stats:        h.MonitorStats,
		}
		switch {
		case !h.Available:
			ph.Status = StatusCritical
		case len(ph.OpenCircuits) > 0 || h.Status != provider.StatusHealthy.String():
			ph.Status = StatusDegraded
		}
		if h.Available {
			available++
		}
		report.Providers[ph.Provider] = ph
		report.SystemStatus = worst(report.SystemStatus, ph.Status)
	}

	// One provider down is survivable through failover; all of them is not.
	if len(report.Providers) > 0 && available > 0 && report.SystemStatus == StatusCritical {
		report.SystemStatus = StatusDegraded
	}

	for name, ping := range m.dependencies {
		dh := DependencyHealth{Name: name, Status: StatusHealthy}
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := ping(pctx); err != nil {
			dh.Status = StatusCritical
			dh.Error = err.Error()
		}
		cancel()
		report.Dependencies = append(report.Dependencies, dh)
		report.SystemStatus = worst(report.SystemStatus, dh.Status)
	}

	m.lastCheck = now
	m.lastReport = report
	return report
}

func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
