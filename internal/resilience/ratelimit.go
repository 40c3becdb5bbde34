package resilience

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/confabhq/confab/pkg/backend"
)

// Limiter applies a local token-bucket rate limit in front of a generation
// backend, so bursts of turns across many conversations cannot exceed the
// upstream quota. When the request's context expires before a token becomes
// available, Generate fails with [backend.ClassRateLimited] without touching
// the network.
type Limiter struct {
	next backend.Provider
	name string
	lim  *rate.Limiter
}

// Compile-time interface assertion.
var _ backend.Provider = (*Limiter)(nil)

// NewLimiter wraps next with a token bucket refilled at rps requests per
// second and a capacity of burst. Non-positive rps disables limiting;
// non-positive burst defaults to 1.
func NewLimiter(next backend.Provider, name string, rps float64, burst int) *Limiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		next: next,
		name: name,
		lim:  rate.NewLimiter(limit, burst),
	}
}

// Generate waits for a token and then delegates to the wrapped backend.
func (l *Limiter) Generate(ctx context.Context, req backend.Request) (*backend.Response, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return nil, &backend.Error{
			Class:    backend.ClassRateLimited,
			Provider: l.name,
			Err:      fmt.Errorf("local rate limit: %w", err),
		}
	}
	return l.next.Generate(ctx, req)
}
