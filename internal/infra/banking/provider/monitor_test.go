package provider

import (
	"testing"
	"time"
)

func TestMonitorHealthyByDefault(t *testing.T) {
	m := NewProviderMonitor()
	if got := m.CheckProviderStatus(); got != StatusHealthy {
		t.Errorf("expected healthy, got %s", got)
	}

	m.RecordRequest(100 * time.Millisecond)
	stats := m.GetStats()
	if stats.RequestsLast1Hour != 1 {
		t.Errorf("expected 1 request, got %d", stats.RequestsLast1Hour)
	}
	if stats.AverageLatency != 100*time.Millisecond {
		t.Errorf("expected 100ms average latency, got %s", stats.AverageLatency)
	}
}

func TestMonitorThrottleAndCooldown(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	m := NewProviderMonitor()
	m.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		m.RecordThrottle(429, "30")
	}
	if got := m.CheckProviderStatus(); got != StatusThrottled {
		t.Fatalf("expected throttled, got %s", got)
	}
	if got := m.GetRetryAfter(); got != 30*time.Second {
		t.Errorf("expected 30s retry after, got %s", got)
	}

	now = now.Add(31 * time.Second)
	if got := m.CheckProviderStatus(); got != StatusHealthy {
		t.Errorf("expected healthy after cooldown, got %s", got)
	}
}

func TestMonitorBlockedOn403(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	m := NewProviderMonitor()
	m.now = func() time.Time { return now }

	m.RecordThrottle(403, "")
	if got := m.CheckProviderStatus(); got != StatusBlocked {
		t.Errorf("expected blocked, got %s", got)
	}

	now = now.Add(11 * time.Minute)
	if got := m.CheckProviderStatus(); got != StatusHealthy {
		t.Errorf("expected healthy after block window, got %s", got)
	}
}

func TestMonitorDegradedOnErrorRate(t *testing.T) {
	m := NewProviderMonitor()
	m.RecordRequest(10 * time.Millisecond)
	m.RecordRequest(10 * time.Millisecond)
	m.RecordFailure()
	m.RecordFailure()
	m.RecordFailure()

	if got := m.CheckProviderStatus(); got != StatusDegraded {
		t.Errorf("expected degraded, got %s", got)
	}
	if rate := m.GetStats().ErrorRate; rate != 0.6 {
		t.Errorf("expected error rate 0.6, got %f", rate)
	}
}

func TestMonitorWindowPrunes(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	m := NewProviderMonitor()
	m.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		m.RecordFailure()
	}
	now = now.Add(2 * time.Hour)
	m.RecordRequest(time.Millisecond)

	stats := m.GetStats()
	if stats.RequestsLast1Hour != 1 {
		t.Errorf("expected old outcomes pruned, got %d", stats.RequestsLast1Hour)
	}
	if stats.ErrorRate != 0 {
		t.Errorf("expected error rate 0, got %f", stats.ErrorRate)
	}
}

func TestDetectThrottlePattern(t *testing.T) {
	m := NewProviderMonitor()
	if !m.DetectThrottlePattern("Too Many Requests for this client") {
		t.Error("expected throttle pattern match")
	}
	if m.DetectThrottlePattern("institution down") {
		t.Error("unexpected throttle pattern match")
	}
}
