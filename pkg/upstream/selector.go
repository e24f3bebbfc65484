package upstream

import (
	"math/rand/v2"
)

// Selector picks a server with probability proportional to its weight.
// It keeps no state between calls.
type Selector struct {
	registry *Registry
	random   func() float64
}

// SelectorOption configures a Selector
type SelectorOption func(*Selector)

// WithRandom replaces the source of uniform values in [0, 1)
func WithRandom(fn func() float64) SelectorOption {
	return func(s *Selector) {
		s.random = fn
	}
}

// NewSelector creates a selector over registry
func NewSelector(registry *Registry, opts ...SelectorOption) *Selector {
	s := &Selector{
		registry: registry,
		random:   rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select draws one server
func (s *Selector) Select() Server {
	servers := s.registry.servers

	remainder := s.random() * s.registry.totalWeight
	for _, server := range servers {
		remainder -= server.Weight
		if remainder <= 0 {
			return server
		}
	}

	// Only reachable through floating point rounding
	return servers[0]
}

// Registry returns the registry the selector draws from
func (s *Selector) Registry() *Registry {
	return s.registry
}
