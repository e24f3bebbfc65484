// Package upstream holds the fixed set of upstream resolvers and the
// weighted-random selection over them.
package upstream

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"

	"doh-gateway/pkg/config"
)

var (
	// ErrEmptyRegistry is returned when no servers are supplied
	ErrEmptyRegistry = errors.New("upstream registry must not be empty")

	// ErrInvalidWeight is returned for a server with weight <= 0, or when
	// the weights do not sum to a finite total
	ErrInvalidWeight = errors.New("upstream weight must be positive and finite")
)

// Server is one upstream resolver. Values are immutable once registered.
type Server struct {
	Address string
	Port    int
	Weight  float64
}

// String returns the host:port dial address
func (s Server) String() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// Registry is an ordered, read-only list of servers
type Registry struct {
	servers     []Server
	totalWeight float64
}

// NewRegistry validates servers and copies them into a registry
func NewRegistry(servers []Server) (*Registry, error) {
	if len(servers) == 0 {
		return nil, ErrEmptyRegistry
	}

	r := &Registry{servers: make([]Server, len(servers))}
	for i, s := range servers {
		if !(s.Weight > 0) {
			return nil, fmt.Errorf("%w: %s has weight %v", ErrInvalidWeight, s, s.Weight)
		}
		if s.Address == "" {
			return nil, fmt.Errorf("upstream %d: address cannot be empty", i)
		}
		if s.Port < 1 || s.Port > 65535 {
			return nil, fmt.Errorf("upstream %s: port out of range", s)
		}
		r.servers[i] = s
		r.totalWeight += s.Weight
	}
	if math.IsInf(r.totalWeight, 0) {
		return nil, fmt.Errorf("%w: total weight overflows", ErrInvalidWeight)
	}

	return r, nil
}

// FromConfig builds a registry from the upstreams section
func FromConfig(upstreams []config.UpstreamConfig) (*Registry, error) {
	servers := make([]Server, 0, len(upstreams))
	for _, u := range upstreams {
		servers = append(servers, Server{Address: u.Address, Port: u.Port, Weight: u.Weight})
	}
	return NewRegistry(servers)
}

// Servers returns a copy of the registered servers in registry order
func (r *Registry) Servers() []Server {
	out := make([]Server, len(r.servers))
	copy(out, r.servers)
	return out
}

// Len returns the number of servers
func (r *Registry) Len() int {
	return len(r.servers)
}

// TotalWeight returns the sum of all weights
func (r *Registry) TotalWeight() float64 {
	return r.totalWeight
}
