// Package bridge implements the human-input suspension point between the
// turn loop and an external input producer.
//
// The turn loop is pull-based: when the human participant's round comes up it
// must block until text is available. The producer (a UI, a gateway client)
// is push-based: it delivers text whenever the operator submits it. The
// Bridge reconciles the two with a single-slot handoff: at most one
// outstanding request exists per conversation, the producer can always find
// that slot, and only the first fulfillment within a request window is
// honored. A new slot is never created until the previous one is resolved,
// which rules out lost wakeups and cross-cycle binding.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrConcurrentRequest reports a second Request issued while one is
	// already awaiting input. The turn loop never overlaps requests, so this
	// is a contract violation and fatal to the conversation.
	ErrConcurrentRequest = errors.New("bridge: input request already pending")

	// ErrInputTimeout reports that no fulfillment arrived within the request
	// window. Cancellation of the requesting context resolves the same way.
	ErrInputTimeout = errors.New("bridge: input request timed out")
)

// State describes where the bridge is in its request cycle.
type State int

const (
	// StateIdle means no request is outstanding.
	StateIdle State = iota

	// StateAwaitingInput means a request is suspended waiting for Fulfill.
	StateAwaitingInput

	// StateFulfilled means input has been bound to the outstanding request
	// but the requester has not yet consumed it.
	StateFulfilled
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingInput:
		return "awaiting_input"
	case StateFulfilled:
		return "fulfilled"
	default:
		return "unknown"
	}
}

// pendingInput is the suspension slot for one request cycle. The result
// channel is scoped to the slot, so a fulfillment racing a later request can
// only ever reach the cycle it was issued against.
type pendingInput struct {
	prompt    string
	result    chan string
	fulfilled bool
}

// Bridge is the single-slot suspension point. One goroutine (the turn loop)
// calls Request; any other goroutine may call Fulfill and RequestPending.
type Bridge struct {
	mu   sync.Mutex
	slot *pendingInput
}

// New returns an idle bridge.
func New() *Bridge {
	return &Bridge{}
}

// Request suspends the caller until Fulfill delivers text, the timeout
// elapses, or ctx is canceled. A non-positive timeout disables the timer and
// leaves ctx as the only deadline.
//
// Returns ErrConcurrentRequest when a request is already awaiting input; the
// pending request's eventual resolution is not disturbed. Returns an error
// matching ErrInputTimeout on timeout and on cancellation.
func (b *Bridge) Request(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	b.mu.Lock()
	if b.slot != nil && !b.slot.fulfilled {
		b.mu.Unlock()
		return "", ErrConcurrentRequest
	}
	slot := &pendingInput{prompt: prompt, result: make(chan string, 1)}
	b.slot = slot
	b.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case text := <-slot.result:
		b.release(slot)
		return text, nil
	case <-expired:
		b.release(slot)
		return "", fmt.Errorf("bridge: no input within %v: %w", timeout, ErrInputTimeout)
	case <-ctx.Done():
		b.release(slot)
		return "", fmt.Errorf("bridge: canceled while awaiting input: %w", ErrInputTimeout)
	}
}

// Fulfill binds text to the outstanding request. Exactly the first call
// within an awaiting window is honored; without an awaiting request the text
// is dropped and logged, never queued for a later cycle.
func (b *Bridge) Fulfill(text string) {
	b.mu.Lock()
	slot := b.slot
	if slot == nil || slot.fulfilled {
		b.mu.Unlock()
		slog.Warn("human input dropped", "reason", "no request awaiting input")
		return
	}
	slot.fulfilled = true
	b.mu.Unlock()

	// Buffered send: the requester may already be resolving a timeout, in
	// which case the text is simply never consumed.
	slot.result <- text
}

// RequestPending reports whether a request is currently awaiting input.
// Producers may poll it to decide whether to prompt the operator.
func (b *Bridge) RequestPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slot != nil && !b.slot.fulfilled
}

// PendingPrompt returns the prompt of the request awaiting input, if any.
func (b *Bridge) PendingPrompt() (prompt string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.slot == nil || b.slot.fulfilled {
		return "", false
	}
	return b.slot.prompt, true
}

// State returns the current point in the request cycle.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.slot == nil:
		return StateIdle
	case b.slot.fulfilled:
		return StateFulfilled
	default:
		return StateAwaitingInput
	}
}

// release returns the bridge to idle once the given cycle is resolved. The
// slot comparison keeps a stale cycle from clearing a successor.
func (b *Bridge) release(slot *pendingInput) {
	b.mu.Lock()
	if b.slot == slot {
		b.slot = nil
	}
	b.mu.Unlock()
}
