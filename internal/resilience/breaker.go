// Package resilience protects generation backends from cascading failures.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open)
// sized for chat-completion traffic. [Failover] chains several backends with
// per-entry breakers so a dead primary is bypassed in favour of healthy
// alternates, and [Limiter] applies a local token-bucket rate limit before
// requests ever reach the network.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker is open and its cool-down has not
// yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately with [ErrCircuitOpen] until the cool-down elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cool-down. A limited
	// number of calls are allowed through; if they all succeed the breaker
	// closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in log messages, usually the backend name.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 3.
	MaxFailures int

	// CoolDown is how long the breaker stays open before probing again.
	// Default: 20s.
	CoolDown time.Duration

	// ProbeMax is the number of consecutive successful probes required in the
	// half-open state before the breaker closes. Default: 2.
	ProbeMax int
}

// Breaker implements the three-state circuit breaker pattern around a
// generation backend. It is safe for concurrent use.
type Breaker struct {
	name        string
	maxFailures int
	coolDown    time.Duration
	probeMax    int

	mu       sync.Mutex
	state    State
	fails    int
	openedAt time.Time
	probes   int
	probeOKs int
}

// NewBreaker creates a [Breaker] from cfg. Zero-value fields are replaced
// with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 20 * time.Second
	}
	if cfg.ProbeMax <= 0 {
		cfg.ProbeMax = 2
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		coolDown:    cfg.CoolDown,
		probeMax:    cfg.ProbeMax,
		state:       StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state a limited
// number of probe calls are permitted.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.coolDown {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeOKs = 0
		slog.Info("circuit breaker probing backend",
			"backend", b.name)

	case StateHalfOpen:
		if b.probes >= b.probeMax {
			// Probe budget spent; wait for an outcome.
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	probing := b.state == StateHalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.recordFailure(probing)
	} else {
		b.recordSuccess(probing)
	}
	return err
}

// recordFailure handles failure accounting. Must be called with b.mu held.
func (b *Breaker) recordFailure(probing bool) {
	if probing {
		// Any probe failure re-opens immediately.
		b.state = StateOpen
		b.openedAt = time.Now()
		b.fails = b.maxFailures
		slog.Warn("circuit breaker re-opened after failed probe",
			"backend", b.name)
		return
	}

	b.fails++
	if b.state == StateClosed && b.fails >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = time.Now()
		slog.Warn("circuit breaker opened",
			"backend", b.name,
			"consecutive_failures", b.fails)
	}
}

// recordSuccess handles success accounting. Must be called with b.mu held.
func (b *Breaker) recordSuccess(probing bool) {
	if probing {
		b.probeOKs++
		if b.probeOKs >= b.probeMax {
			b.state = StateClosed
			b.fails = 0
			b.probes = 0
			b.probeOKs = 0
			slog.Info("circuit breaker closed after successful probes",
				"backend", b.name)
		}
		return
	}

	b.fails = 0
}

// State returns the current [State]. If the breaker is open and the cool-down
// has elapsed, the returned state is [StateHalfOpen]; the actual transition
// happens on the next [Breaker.Execute] call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.coolDown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed], clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.fails = 0
	b.probes = 0
	b.probeOKs = 0
	slog.Info("circuit breaker manually reset", "backend", b.name)
}
