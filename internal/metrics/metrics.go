package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderCallsTotal tracks outbound calls per provider and operation
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankwatch_provider_calls_total",
			Help: "Total number of provider API calls",
		},
		[]string{"provider", "operation"},
	)

	// ProviderLatency tracks provider call latency
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bankwatch_provider_latency_seconds",
			Help:    "Provider API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// ErrorsClassified tracks every error that went through the handler
	ErrorsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankwatch_errors_classified_total",
			Help: "Total number of classified provider errors",
		},
		[]string{"provider", "category", "severity"},
	)

	// RetriesTotal tracks scheduled retries
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankwatch_retries_total",
			Help: "Total number of retries scheduled",
		},
		[]string{"provider", "operation"},
	)

	// CircuitBreaksTotal tracks circuit_break decisions
	CircuitBreaksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankwatch_circuit_breaks_total",
			Help: "Total number of calls short-circuited by the breaker",
		},
		[]string{"provider", "category"},
	)

	// SyncResults tracks per-connection sync outcomes
	SyncResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankwatch_sync_results_total",
			Help: "Per-connection sync outcomes",
		},
		[]string{"provider", "status"},
	)

	// AlertsRaised tracks balance alerts by type
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankwatch_alerts_total",
			Help: "Total number of balance alerts raised",
		},
		[]string{"type", "severity"},
	)

	// MonitoredUsers tracks active balance monitors
	MonitoredUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bankwatch_monitored_users",
			Help: "Number of users with an active balance monitor",
		},
	)

	// DBConnections tracks vault pool usage
	DBConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bankwatch_db_connections",
			Help: "Credential vault database connections",
		},
		[]string{"state"},
	)
)
