// Package script provides a deterministic backend that replays canned
// replies per agent. It needs no network or credentials, which makes it the
// provider of choice for demos, local runs, and orchestration rehearsals.
package script

import (
	"context"
	"fmt"
	"sync"

	"github.com/confabhq/confab/pkg/backend"
)

// Option is a functional option for configuring a [Provider].
type Option func(*Provider)

// WithFallback sets the reply used when an agent's script is exhausted or
// when no script exists for it. Without a fallback such calls fail.
func WithFallback(text string) Option {
	return func(p *Provider) {
		p.fallback = text
		p.hasFallback = true
	}
}

// Provider replays scripted replies in order, one per Generate call, keyed
// by agent ID. Safe for concurrent use.
type Provider struct {
	mu          sync.Mutex
	scripts     map[string][]string
	pos         map[string]int
	fallback    string
	hasFallback bool
}

var _ backend.Provider = (*Provider)(nil)

// New returns a provider with no scripts loaded.
func New(opts ...Option) *Provider {
	p := &Provider{
		scripts: make(map[string][]string),
		pos:     make(map[string]int),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Add appends replies to the agent's script.
func (p *Provider) Add(agentID string, replies ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[agentID] = append(p.scripts[agentID], replies...)
}

// Generate implements [backend.Provider], returning the agent's next
// scripted reply.
func (p *Provider) Generate(_ context.Context, req backend.Request) (*backend.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	script := p.scripts[req.AgentID]
	at := p.pos[req.AgentID]
	if at >= len(script) {
		if p.hasFallback {
			return &backend.Response{Content: p.fallback}, nil
		}
		return nil, fmt.Errorf("script: agent %q has no reply at position %d", req.AgentID, at)
	}
	p.pos[req.AgentID] = at + 1
	return &backend.Response{Content: script[at]}, nil
}
