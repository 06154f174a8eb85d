// Package strategy defines the contract every trading strategy implements and
// a Registry of named strategy factories. Strategies are selected by explicit
// registration; each run receives a fresh instance.
package strategy

import (
	"context"
	"fmt"
	"sort"

	"barsim/internal/domain"
)

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Setup performs one-time initialization from named parameters. It is
	// called once before the first bar.
	Setup(params Params) error

	// OnBar is called once per symbol per bar. history ends at the current
	// bar and portfolio is a copy of the account state. The strategy must
	// not retain either argument. Returning domain.Hold() places no order.
	OnBar(ctx context.Context, history History, portfolio domain.PortfolioSnapshot) (domain.Signal, error)
}

// Factory creates a new, unconfigured strategy instance.
type Factory func() Strategy

// Registry holds named strategy factories for lookup and enumeration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name. Registering the same name twice
// replaces the earlier factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Get retrieves a factory by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Factory, bool) {
	f, ok := r.factories[name]
	return f, ok
}

// New creates a fresh instance of the named strategy and runs Setup with
// params.
func (r *Registry) New(name string, params Params) (Strategy, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (registered: %v)", name, r.List())
	}
	s := f()
	if err := s.Setup(params); err != nil {
		return nil, fmt.Errorf("setting up strategy %s: %w", name, err)
	}
	return s, nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
