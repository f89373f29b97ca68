// Package registry holds the capability-typed provider registry the buses
// resolve services from. Providers register under a service type with a
// priority; lookups filter by health and required capabilities.
package registry

import (
	"sort"
	"sync"

	"github.com/dotcommander/ciris/internal/models"
)

// Provider is the minimal surface every registered service exposes.
type Provider interface {
	Name() string
	Capabilities() []string
	IsHealthy() bool
}

type registration struct {
	provider Provider
	priority int
	order    int
}

// Registry maps service types to prioritised providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[models.ServiceType][]registration
	nextOrder int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{providers: make(map[models.ServiceType][]registration)}
}

// Register adds a provider for a service type. Lower priority wins;
// ties resolve by registration order.
func (r *Registry) Register(service models.ServiceType, p Provider, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[service] = append(r.providers[service], registration{
		provider: p,
		priority: priority,
		order:    r.nextOrder,
	})
	r.nextOrder++
	sort.SliceStable(r.providers[service], func(i, j int) bool {
		a, b := r.providers[service][i], r.providers[service][j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.order < b.order
	})
}

// Get returns the highest-priority healthy provider advertising all
// required capabilities, or a typed NoProviderError.
func (r *Registry) Get(service models.ServiceType, requiredCapabilities []string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.providers[service] {
		if !reg.provider.IsHealthy() {
			continue
		}
		if hasCapabilities(reg.provider, requiredCapabilities) {
			return reg.provider, nil
		}
	}
	return nil, &models.NoProviderError{Service: string(service), Capabilities: requiredCapabilities}
}

// All returns every registered provider for a service type in priority
// order, healthy or not.
func (r *Registry) All(service models.ServiceType) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers[service]))
	for _, reg := range r.providers[service] {
		out = append(out, reg.provider)
	}
	return out
}

func hasCapabilities(p Provider, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(p.Capabilities()))
	for _, c := range p.Capabilities() {
		have[c] = true
	}
	for _, c := range required {
		if !have[c] {
			return false
		}
	}
	return true
}
