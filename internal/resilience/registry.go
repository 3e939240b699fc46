package resilience

import (
	"strings"
	"sync"
)

// Registry keeps one CircuitBreaker per provider name. It is owned by the
// streaming service and lives for the process lifetime; breakers are pure
// in-memory counters with no teardown.
type Registry struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry applying cfg to every breaker it builds.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{
		config:   cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for provider, creating it on first use.
func (r *Registry) Get(provider string) *CircuitBreaker {
	key := strings.ToLower(strings.TrimSpace(provider))
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(key, r.config)
		r.breakers[key] = cb
	}
	return cb
}
