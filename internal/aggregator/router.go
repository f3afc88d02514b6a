package aggregator

import (
	"slices"
	"sync"

	"github.com/vietddude/bankwatch/internal/core/domain"
	"github.com/vietddude/bankwatch/internal/infra/banking/fault"
	"github.com/vietddude/bankwatch/internal/infra/banking/provider"
)

// Router holds the registered adapters in priority order and picks candidates
// for linking based on preference and transport health.
type Router struct {
	mu       sync.RWMutex
	adapters map[domain.Provider]provider.Adapter
	order    []domain.Provider
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{adapters: make(map[domain.Provider]provider.Adapter)}
}

// Register adds an adapter. Registration order is the default priority.
func (r *Router) Register(a provider.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, ok := r.adapters[name]; !ok {
		r.order = append(r.order, name)
	}
	r.adapters[name] = a
}

// SetPriority moves the named providers to the front, in the given order.
// Unknown names are ignored.
func (r *Router) SetPriority(providers ...domain.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order := make([]domain.Provider, 0, len(r.order))
	for _, p := range providers {
		if _, ok := r.adapters[p]; ok && !slices.Contains(order, p) {
			order = append(order, p)
		}
	}
	for _, p := range r.order {
		if !slices.Contains(order, p) {
			order = append(order, p)
		}
	}
	r.order = order
}

// Get returns the adapter for p.
func (r *Router) Get(p domain.Provider) (provider.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[p]
	if !ok {
		return nil, fault.NewValidationError(string(p), "route", "unsupported provider %q", p)
	}
	return a, nil
}

// Candidates returns every adapter in the order linking should try them:
// available providers before unavailable ones, each group by priority with
// the preferred provider at its front.
func (r *Router) Candidates(preferred domain.Provider) []provider.Adapter {
	r.mu.RLock()
	all := make([]provider.Adapter, 0, len(r.order))
	for _, p := range r.order {
		all = append(all, r.adapters[p])
	}
	r.mu.RUnlock()

	var available, unavailable []provider.Adapter
	for _, a := range all {
		if a.Health().Available {
			available = append(available, a)
		} else {
			unavailable = append(unavailable, a)
		}
	}

	return append(preferFirst(available, preferred), preferFirst(unavailable, preferred)...)
}

func preferFirst(as []provider.Adapter, preferred domain.Provider) []provider.Adapter {
	if preferred == "" {
		return as
	}
	for i, a := range as {
		if a.Name() == preferred {
			return append([]provider.Adapter{a}, slices.Delete(as, i, i+1)...)
		}
	}
	return as
}

// All returns the adapters in priority order.
func (r *Router) All() []provider.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]provider.Adapter, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.adapters[p])
	}
	return out
}

// Health returns the transport health of every adapter in priority order.
func (r *Router) Health() []provider.HealthStatus {
	adapters := r.All()
	out := make([]provider.HealthStatus, 0, len(adapters))
	for _, a := range adapters {
		h := a.Health()
		h.Provider = a.Name()
		out = append(out, h)
	}
	return out
}
