// Package mock provides a configurable test double for [backend.Provider].
//
// Tests configure the exported fields, run the code under test, then assert
// on the recorded calls.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/confabhq/confab/pkg/backend"
)

// GenerateCall records a single Generate invocation.
type GenerateCall struct {
	Ctx context.Context
	Req backend.Request
}

// Provider is a mock backend. All methods are safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// Script holds replies consumed in order, one per successful call. When
	// exhausted, Response is returned instead.
	Script []string

	// Response is the fixed reply once Script is exhausted.
	Response string

	// FailFirst makes the first N calls fail with FailErr before any reply
	// is produced. A nil FailErr fails with a generic error.
	FailFirst int

	// FailErr is the error returned for the FailFirst window.
	FailErr error

	// GenerateErr, when set, makes every call fail.
	GenerateErr error

	// GenerateFunc, when set, overrides all other behavior.
	GenerateFunc func(ctx context.Context, req backend.Request) (*backend.Response, error)

	// GenerateCalls records every invocation in order.
	GenerateCalls []GenerateCall

	scriptPos int
	failures  int
}

// Generate implements [backend.Provider].
func (p *Provider) Generate(ctx context.Context, req backend.Request) (*backend.Response, error) {
	p.mu.Lock()
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Ctx: ctx, Req: req})

	if p.GenerateFunc != nil {
		fn := p.GenerateFunc
		p.mu.Unlock()
		return fn(ctx, req)
	}

	if p.failures < p.FailFirst {
		p.failures++
		err := p.FailErr
		p.mu.Unlock()
		if err == nil {
			err = errors.New("mock: configured failure")
		}
		return nil, err
	}

	if p.GenerateErr != nil {
		err := p.GenerateErr
		p.mu.Unlock()
		return nil, err
	}

	content := p.Response
	if p.scriptPos < len(p.Script) {
		content = p.Script[p.scriptPos]
		p.scriptPos++
	}
	p.mu.Unlock()

	return &backend.Response{Content: content}, nil
}

// Calls returns a copy of the recorded invocations.
func (p *Provider) Calls() []GenerateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]GenerateCall, len(p.GenerateCalls))
	copy(out, p.GenerateCalls)
	return out
}

// Reset clears recorded calls and replay positions but keeps configuration.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = nil
	p.scriptPos = 0
	p.failures = 0
}

var _ backend.Provider = (*Provider)(nil)
