package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/confabhq/confab/pkg/backend"
)

// ErrAllFailed is returned when every backend in a [Failover] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all backends failed")

// failoverEntry pairs a backend with its dedicated circuit breaker.
type failoverEntry struct {
	name    string
	backend backend.Provider
	breaker *Breaker
}

// Failover implements [backend.Provider] with automatic failover across
// multiple generation backends. Each backend has its own circuit breaker;
// when the primary fails or its breaker is open, the next healthy alternate
// is tried in registration order.
//
// Failover entries must be registered before the first Generate call; the
// entry list itself is not mutex-protected.
type Failover struct {
	entries []failoverEntry
	cfg     BreakerConfig
}

// Compile-time interface assertion.
var _ backend.Provider = (*Failover)(nil)

// NewFailover creates a [Failover] with primary as the preferred backend.
// cfg.Name is ignored; each entry's breaker is named after the entry.
func NewFailover(primary backend.Provider, primaryName string, cfg BreakerConfig) *Failover {
	f := &Failover{cfg: cfg}
	f.add(primaryName, primary)
	return f
}

// AddFallback registers an additional backend. Fallbacks are tried in the
// order they are added, after the primary.
func (f *Failover) AddFallback(name string, p backend.Provider) {
	f.add(name, p)
}

func (f *Failover) add(name string, p backend.Provider) {
	cfg := f.cfg
	cfg.Name = name
	f.entries = append(f.entries, failoverEntry{
		name:    name,
		backend: p,
		breaker: NewBreaker(cfg),
	})
}

// Generate sends the request to the first healthy backend and returns its
// response. Entries with an open breaker are skipped. Returns [ErrAllFailed]
// wrapped with the last error if every entry fails.
func (f *Failover) Generate(ctx context.Context, req backend.Request) (*backend.Response, error) {
	var lastErr error
	for i := range f.entries {
		entry := &f.entries[i]

		var resp *backend.Response
		err := entry.breaker.Execute(func() error {
			var innerErr error
			resp, innerErr = entry.backend.Generate(ctx, req)
			return innerErr
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend (circuit open)", "backend", entry.name)
		} else {
			slog.Warn("backend failed, trying next",
				"backend", entry.name, "error", err)
		}

		// A dead context dooms every remaining entry too.
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
