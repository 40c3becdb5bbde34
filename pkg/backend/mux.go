package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownProvider is returned when a persona names a provider that was
// never registered and no default is set.
var ErrUnknownProvider = errors.New("backend: unknown provider")

// Mux fans a single Generate capability out to named providers, dispatching
// on the persona's Provider field. It lets one conversation mix agents that
// speak through different backends.
type Mux struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

var _ Provider = (*Mux)(nil)

// NewMux returns an empty mux.
func NewMux() *Mux {
	return &Mux{providers: make(map[string]Provider)}
}

// Register adds a named provider. The first registration becomes the default
// until SetDefault overrides it. Re-registering a name replaces it.
func (m *Mux) Register(name string, p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.providers) == 0 {
		m.defaultName = name
	}
	m.providers[name] = p
}

// SetDefault selects the provider used by personas that name none.
func (m *Mux) SetDefault(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[name]; !ok {
		return fmt.Errorf("backend: set default %q: %w", name, ErrUnknownProvider)
	}
	m.defaultName = name
	return nil
}

// Names returns the registered provider names in sorted order.
func (m *Mux) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate implements [Provider] by delegating to the provider the persona
// names, or to the default.
func (m *Mux) Generate(ctx context.Context, req Request) (*Response, error) {
	name := req.Persona.Provider
	m.mu.RLock()
	if name == "" {
		name = m.defaultName
	}
	p, ok := m.providers[name]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("backend: generate for %q via %q: %w", req.AgentID, name, ErrUnknownProvider)
	}
	return p.Generate(ctx, req)
}
