package gateway

import (
	"fmt"
	"sync"
)

// Registration describes one backend gateway: its schema, immutable
// capability set, service URI, and a factory producing the gateway.
// External tooling populates the registry at startup; there is no
// automatic discovery.
type Registration struct {
	Schema       string
	Capabilities Capabilities
	ServiceURI   string
	Factory      func() Gateway

	once sync.Once
	gw   Gateway
}

// Gateway returns the registration's gateway, constructing it on
// first use. The factory runs at most once.
func (r *Registration) Gateway() Gateway {
	r.once.Do(func() {
		r.gw = r.Factory()
	})

	return r.gw
}

// Require fails fast with ErrNotSupported when the capability is not
// declared, before any backend call is issued.
func (r *Registration) Require(c Capability) error {
	if !r.Capabilities.Has(c) {
		return fmt.Errorf("%s: %s: %w", r.Schema, c, ErrNotSupported)
	}

	return nil
}

// Registry maps schema strings to gateway registrations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Registration)}
}

// Register adds a backend registration. Registering a duplicate
// schema or a nil factory is a programming error and fails.
func (g *Registry) Register(reg *Registration) error {
	if reg.Schema == "" {
		return fmt.Errorf("registry: empty schema")
	}

	if reg.Factory == nil {
		return fmt.Errorf("registry: %s: nil factory", reg.Schema)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.entries[reg.Schema]; exists {
		return fmt.Errorf("registry: schema %q already registered", reg.Schema)
	}

	g.entries[reg.Schema] = reg

	return nil
}

// Lookup returns the registration for a schema.
func (g *Registry) Lookup(schema string) (*Registration, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	reg, ok := g.entries[schema]
	if !ok {
		return nil, fmt.Errorf("registry: unknown schema %q: %w", schema, ErrNotSupported)
	}

	return reg, nil
}

// Schemas returns the registered schema names.
func (g *Registry) Schemas() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	schemas := make([]string, 0, len(g.entries))
	for s := range g.entries {
		schemas = append(schemas, s)
	}

	return schemas
}
