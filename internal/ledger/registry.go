package ledger

import (
	"fmt"
	"sync"
)

// Factory builds a client for a named network.
type Factory func(network string) (Client, error)

// Registry hands out one client per network, built lazily on first use.
// It is constructed once in main and passed to the engine explicitly.
type Registry struct {
	mu      sync.Mutex
	factory Factory
	clients map[string]Client
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		clients: make(map[string]Client),
	}
}

func (r *Registry) Get(network string) (Client, error) {
	if network == "" {
		return nil, fmt.Errorf("network is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[network]; ok {
		return c, nil
	}
	c, err := r.factory(network)
	if err != nil {
		return nil, fmt.Errorf("failed to build ledger client for network %s: %w", network, err)
	}
	r.clients[network] = c
	return c, nil
}
