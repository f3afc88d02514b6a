package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/vietddude/bankwatch/internal/infra/banking/fault"
)

// DefaultWindow is the rolling window for breaker counters.
const DefaultWindow = time.Hour

// BreakerKey identifies one breaker counter.
type BreakerKey struct {
	Provider string
	Category fault.Category
}

type window struct {
	mu         sync.Mutex
	start      time.Time
	count      int
	bySeverity map[fault.Severity]int
}

// resetIfStale must be called with w.mu held.
func (w *window) resetIfStale(now time.Time, size time.Duration) {
	if now.Sub(w.start) >= size {
		w.start = now
		w.count = 0
		clear(w.bySeverity)
	}
}

// BreakerState is a point-in-time copy of one counter.
type BreakerState struct {
	Provider    string         `json:"provider"`
	Category    fault.Category `json:"category"`
	Count       int            `json:"count"`
	Critical    int            `json:"critical"`
	High        int            `json:"high"`
	WindowStart time.Time      `json:"window_start"`
	Open        bool           `json:"open"`
}

// Tracker holds process-wide breaker counters. Each key has its own lock so
// concurrent failures against different providers never contend.
type Tracker struct {
	mu      sync.Mutex
	windows map[BreakerKey]*window
	size    time.Duration
	now     func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithWindow overrides the rolling window size.
func WithWindow(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.size = d
		}
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		windows: make(map[BreakerKey]*window),
		size:    DefaultWindow,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) get(key BreakerKey, create bool) *window {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[key]
	if !ok && create {
		w = &window{start: t.now(), bySeverity: make(map[fault.Severity]int)}
		t.windows[key] = w
	}
	return w
}

// Record counts one classified fault.
func (t *Tracker) Record(provider string, category fault.Category, severity fault.Severity) {
	w := t.get(BreakerKey{provider, category}, true)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.resetIfStale(t.now(), t.size)
	w.count++
	w.bySeverity[severity]++
}

// ShouldBreak reports whether calls for the key should be short-circuited.
func (t *Tracker) ShouldBreak(provider string, category fault.Category) bool {
	w := t.get(BreakerKey{provider, category}, false)
	if w == nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.resetIfStale(t.now(), t.size)
	return tripped(category, w.count, w.bySeverity)
}

func tripped(category fault.Category, count int, bySeverity map[fault.Severity]int) bool {
	switch category {
	case fault.CategoryAuthentication, fault.CategoryAuthorization:
		return count >= 3
	case fault.CategoryRateLimit:
		return count >= 5
	case fault.CategoryAPIError, fault.CategorySystemError:
		return bySeverity[fault.SeverityCritical] >= 2 || bySeverity[fault.SeverityHigh] >= 5
	default:
		return false
	}
}

// Snapshot returns all live counters sorted by provider then category.
func (t *Tracker) Snapshot() []BreakerState {
	t.mu.Lock()
	keys := make([]BreakerKey, 0, len(t.windows))
	ws := make([]*window, 0, len(t.windows))
	for k, w := range t.windows {
		keys = append(keys, k)
		ws = append(ws, w)
	}
	t.mu.Unlock()

	now := t.now()
	out := make([]BreakerState, 0, len(keys))
	for i, k := range keys {
		w := ws[i]
		w.mu.Lock()
		w.resetIfStale(now, t.size)
		out = append(out, BreakerState{
			Provider:    k.Provider,
			Category:    k.Category,
			Count:       w.count,
			Critical:    w.bySeverity[fault.SeverityCritical],
			High:        w.bySeverity[fault.SeverityHigh],
			WindowStart: w.start,
			Open:        tripped(k.Category, w.count, w.bySeverity),
		})
		w.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// OpenCircuits returns only the tripped counters.
func (t *Tracker) OpenCircuits() []BreakerState {
	var open []BreakerState
	for _, s := range t.Snapshot() {
		if s.Open {
			open = append(open, s)
		}
	}
	return open
}

// Reset zeroes the counter for a key and restarts its window. The window is
// cleared in place so a Record racing with Reset is never lost.
func (t *Tracker) Reset(provider string, category fault.Category) {
	w := t.get(BreakerKey{provider, category}, false)
	if w == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.start = t.now()
	w.count = 0
	clear(w.bySeverity)
}
