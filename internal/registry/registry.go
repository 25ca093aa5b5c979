// Package registry provides a named circuit breaker registry so each
// logical downstream dependency gets an independently tracked breaker.
// The registry exclusively owns breaker lifetimes; it is constructed in
// main and passed by injection, never held as a package-level global.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/dskow/breaker-core/internal/breaker"
)

// Registry maps breaker names to breaker instances.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*breaker.Breaker
	logger   *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers: make(map[string]*breaker.Breaker),
		logger:   logger,
	}
}

// GetBreaker returns the breaker for name, constructing and starting one
// with opts if none exists. Get-or-create is atomic: concurrent callers
// racing on the same unseen name receive the same instance. opts is
// ignored when the breaker already exists (configuration is immutable
// after construction).
func (r *Registry) GetBreaker(name string, opts breaker.Options) *breaker.Breaker {
	// Fast path: read-lock for existing breakers (the common case).
	r.mu.RLock()
	if b, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if b, ok := r.breakers[name]; ok {
		return b
	}

	opts.Name = name
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	b := breaker.New(opts)
	b.Start()
	r.breakers[name] = b

	r.logger.Info("circuit breaker created", "breaker", name)
	return b
}

// Get returns the breaker for name, or nil if none exists.
func (r *Registry) Get(name string) *breaker.Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// GetAllBreakers returns all registered breakers, sorted by name.
func (r *Registry) GetAllBreakers() []*breaker.Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*breaker.Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
	return all
}

// GetAllStatuses returns a status snapshot per breaker, sorted by name.
func (r *Registry) GetAllStatuses() []breaker.Status {
	breakers := r.GetAllBreakers()
	statuses := make([]breaker.Status, len(breakers))
	for i, b := range breakers {
		statuses[i] = b.Status()
	}
	return statuses
}

// Names returns the registered breaker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResetAll forces every breaker to closed and clears its counters.
func (r *Registry) ResetAll() {
	for _, b := range r.GetAllBreakers() {
		b.Reset()
	}
	r.logger.Info("all circuit breakers reset")
}

// RemoveBreaker evicts the named breaker and stops its background
// timers. Returns false if no such breaker exists. In-flight calls
// already holding the evicted breaker complete normally against it.
func (r *Registry) RemoveBreaker(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	if ok {
		delete(r.breakers, name)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	b.Stop()
	r.logger.Info("circuit breaker removed", "breaker", name)
	return true
}

// StopAll stops every breaker's background timers. Called on shutdown.
func (r *Registry) StopAll() {
	for _, b := range r.GetAllBreakers() {
		b.Stop()
	}
}
