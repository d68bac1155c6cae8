package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coachpo/subhub/internal/infra/config"
)

// Factory constructs an exchange connection from its manifest settings.
type Factory func(ctx context.Context, deps Dependencies, cfg map[string]any) (Instance, error)

// Registry maintains exchange factories keyed by adapter name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]registration
}

type registration struct {
	factory Factory
	public  []string
}

// NewRegistry creates a new factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]registration)}
}

// Register registers a factory for the given adapter name. public lists the setting
// keys that may be shown to operators; every other setting stays private.
func (r *Registry) Register(adapter string, factory Factory, public ...string) {
	if factory == nil {
		panic("exchange factory required")
	}
	r.mu.Lock()
	r.factories[adapter] = registration{factory: factory, public: append([]string(nil), public...)}
	r.mu.Unlock()
}

// PublicSettings returns the subset of cfg the adapter declared public.
func (r *Registry) PublicSettings(adapter string, cfg map[string]any) map[string]any {
	r.mu.RLock()
	reg, ok := r.factories[adapter]
	r.mu.RUnlock()
	if !ok || len(cfg) == 0 {
		return nil
	}
	out := make(map[string]any, len(reg.public))
	for _, key := range reg.public {
		if value, ok := cfg[key]; ok {
			out[key] = value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Adapters lists the registered adapter names.
func (r *Registry) Adapters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Create builds an exchange connection from the specification.
func (r *Registry) Create(ctx context.Context, deps Dependencies, spec config.ExchangeSpec) (Instance, error) {
	r.mu.RLock()
	reg, ok := r.factories[spec.Adapter]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("exchange adapter %q not registered", spec.Adapter)
	}
	deps.Name = spec.Name
	instance, err := reg.factory(ctx, deps, spec.Config)
	if err != nil {
		return nil, fmt.Errorf("instantiate exchange %s(%s): %w", spec.Name, spec.Adapter, err)
	}
	return instance, nil
}
