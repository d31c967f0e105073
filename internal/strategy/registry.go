package strategy

import (
	"sync"

	"github.com/gridflow-lab/gridflow/pkg/errors"
)

// Factory builds a strategy instance from its YAML configuration string.
type Factory func(config string) (Strategy, error)

// Registry maps strategy-type strings to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory for the given strategy type, replacing any
// existing registration.
func (r *Registry) Register(strategyType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strategyType] = factory
}

// Create instantiates a strategy of the given type with the given config.
func (r *Registry) Create(strategyType, config string) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[strategyType]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrCodeStrategyNotRegistered, "unknown strategy type %q", strategyType)
	}

	return factory(config)
}

// Types lists the registered strategy types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registered := make([]string, 0, len(r.factories))
	for strategyType := range r.factories {
		registered = append(registered, strategyType)
	}

	return registered
}
