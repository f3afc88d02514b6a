// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/bankwatch/internal/infra/banking/provider"
	"github.com/vietddude/bankwatch/internal/infra/banking/routing"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ProviderHealth contains health details for one banking provider.
type ProviderHealth struct {
	Provider     string                 `json:"provider"`
	Status       SystemStatus           `json:"status"`
	Transport    string                 `json:"transport"`
	Available    bool                   `json:"available"`
	OpenCircuits []routing.BreakerState `json:"open_circuits,omitempty"`
	Stats        provider.MonitorStats  `json:"stats"`
}

// DependencyHealth is the result of pinging a backing service.
type DependencyHealth struct {
	Name   string       `json:"name"`
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// Report contains the full system health report.
type Report struct {
	SystemStatus SystemStatus              `json:"system_status"`
	CheckedAt    time.Time                 `json:"checked_at"`
	Providers    map[string]ProviderHealth `json:"providers"`
	Dependencies []DependencyHealth        `json:"dependencies,omitempty"`
}
