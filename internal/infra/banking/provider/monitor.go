package provider

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProviderStatus represents the health state of a provider.
type ProviderStatus int

const (
	StatusHealthy   ProviderStatus = iota // Provider is working normally
	StatusDegraded                        // Provider is slow or failing often
	StatusThrottled                       // Provider is rate limiting
	StatusBlocked                         // Provider has refused this client
)

func (s ProviderStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// MonitorStats holds monitoring statistics for a provider.
type MonitorStats struct {
	Status            string        `json:"status"`
	AverageLatency    time.Duration `json:"average_latency"`
	ErrorRate         float64       `json:"error_rate"`
	ThrottleCount429  int           `json:"throttle_count_429"`
	ThrottleCount403  int           `json:"throttle_count_403"`
	RequestsLast1Hour int           `json:"requests_last_1h"`
	RetryAfter        time.Duration `json:"retry_after"`
	LastSuccessAt     time.Time     `json:"last_success_at"`
	LastFailureAt     time.Time     `json:"last_failure_at"`
}

type outcome struct {
	at time.Time
	ok bool
}

// ProviderMonitor tracks provider health and rate limiting.
type ProviderMonitor struct {
	mu  sync.RWMutex
	now func() time.Time

	// Response time tracking
	recentLatencies  []time.Duration
	maxLatencyWindow int

	// Throttle tracking
	status429Count   int
	status403Count   int
	throttlePatterns []string
	lastThrottleTime time.Time
	retryAfter       time.Duration

	// Sliding window of call outcomes
	outcomes       []outcome
	windowDuration time.Duration
	lastSuccessAt  time.Time
	lastFailureAt  time.Time

	// Thresholds
	slowResponseThreshold time.Duration
	degradedErrorRate     float64
	throttleAfter429      int
}

// NewProviderMonitor creates a new monitor with default settings.
func NewProviderMonitor() *ProviderMonitor {
	return &ProviderMonitor{
		now:              time.Now,
		recentLatencies:  make([]time.Duration, 0, 100),
		maxLatencyWindow: 100,
		throttlePatterns: []string{
			"rate limit exceeded",
			"too many requests",
			"rate_limit_exceeded",
		},
		windowDuration:        time.Hour,
		slowResponseThreshold: 5 * time.Second,
		degradedErrorRate:     0.5,
		throttleAfter429:      3,
	}
}

func (pm *ProviderMonitor) prune(now time.Time) {
	cutoff := now.Add(-pm.windowDuration)
	i := 0
	for i < len(pm.outcomes) && !pm.outcomes[i].at.After(cutoff) {
		i++
	}
	pm.outcomes = pm.outcomes[i:]
}

// RecordRequest records a successful request with its latency.
func (pm *ProviderMonitor) RecordRequest(latency time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	now := pm.now()
	pm.recentLatencies = append(pm.recentLatencies, latency)
	if len(pm.recentLatencies) > pm.maxLatencyWindow {
		pm.recentLatencies = pm.recentLatencies[1:]
	}
	pm.outcomes = append(pm.outcomes, outcome{at: now, ok: true})
	pm.lastSuccessAt = now
	pm.prune(now)
}

// RecordFailure records a failed request.
func (pm *ProviderMonitor) RecordFailure() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	now := pm.now()
	pm.outcomes = append(pm.outcomes, outcome{at: now, ok: false})
	pm.lastFailureAt = now
	pm.prune(now)
}

// RecordThrottle records a 429 or 403 response. retryAfter is the raw
// Retry-After header in seconds, if any.
func (pm *ProviderMonitor) RecordThrottle(statusCode int, retryAfter string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.lastThrottleTime = pm.now()

	switch statusCode {
	case 429:
		pm.status429Count++
		pm.retryAfter = 60 * time.Second
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs > 0 {
			pm.retryAfter = time.Duration(secs) * time.Second
		}
	case 403:
		pm.status403Count++
		pm.retryAfter = 10 * time.Minute
	}
}

// DetectThrottlePattern checks if a message contains throttle patterns.
func (pm *ProviderMonitor) DetectThrottlePattern(message string) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	lowerMsg := strings.ToLower(message)
	for _, pattern := range pm.throttlePatterns {
		if strings.Contains(lowerMsg, pattern) {
			return true
		}
	}
	return false
}

// CheckProviderStatus returns the current status of the provider.
func (pm *ProviderMonitor) CheckProviderStatus() ProviderStatus {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.statusLocked(pm.now())
}

func (pm *ProviderMonitor) statusLocked(now time.Time) ProviderStatus {
	cooling := now.Sub(pm.lastThrottleTime) < pm.retryAfter

	if pm.status403Count > 0 && cooling {
		return StatusBlocked
	}
	if pm.status429Count >= pm.throttleAfter429 && cooling {
		return StatusThrottled
	}

	if len(pm.recentLatencies) > 10 && pm.averageLatencyLocked() > pm.slowResponseThreshold {
		return StatusDegraded
	}
	if len(pm.outcomes) >= 5 && pm.errorRateLocked() >= pm.degradedErrorRate {
		return StatusDegraded
	}

	return StatusHealthy
}

func (pm *ProviderMonitor) averageLatencyLocked() time.Duration {
	if len(pm.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range pm.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(pm.recentLatencies))
}

func (pm *ProviderMonitor) errorRateLocked() float64 {
	if len(pm.outcomes) == 0 {
		return 0
	}
	failed := 0
	for _, o := range pm.outcomes {
		if !o.ok {
			failed++
		}
	}
	return float64(failed) / float64(len(pm.outcomes))
}

// GetRetryAfter returns remaining time before calls are allowed again.
func (pm *ProviderMonitor) GetRetryAfter() time.Duration {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.retryAfterLocked(pm.now())
}

func (pm *ProviderMonitor) retryAfterLocked(now time.Time) time.Duration {
	if pm.retryAfter > 0 {
		if remaining := pm.retryAfter - now.Sub(pm.lastThrottleTime); remaining > 0 {
			return remaining
		}
	}
	return 0
}

// GetStats returns current monitoring statistics.
func (pm *ProviderMonitor) GetStats() MonitorStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	now := pm.now()
	cutoff := now.Add(-time.Hour)
	lastHour := 0
	for _, o := range pm.outcomes {
		if o.at.After(cutoff) {
			lastHour++
		}
	}

	return MonitorStats{
		Status:            pm.statusLocked(now).String(),
		AverageLatency:    pm.averageLatencyLocked(),
		ErrorRate:         pm.errorRateLocked(),
		ThrottleCount429:  pm.status429Count,
		ThrottleCount403:  pm.status403Count,
		RequestsLast1Hour: lastHour,
		RetryAfter:        pm.retryAfterLocked(now),
		LastSuccessAt:     pm.lastSuccessAt,
		LastFailureAt:     pm.lastFailureAt,
	}
}
