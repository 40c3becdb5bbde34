// Package termination decides when a conversation must stop.
//
// The rule is purely syntactic: a message whose trimmed content ends with the
// configured sentinel token terminates the conversation, regardless of which
// participant produced it. Semantic judgment of task completion belongs to
// the participant emitting the sentinel, not to this package.
package termination

import (
	"github.com/confabhq/confab/pkg/types"
)

// DefaultSentinel is the termination marker used when none is configured.
const DefaultSentinel = "TERMINATE"

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithSentinel overrides the termination sentinel. The match is an exact,
// case-sensitive suffix comparison on trimmed message content.
func WithSentinel(sentinel string) Option {
	return func(d *Detector) {
		d.sentinel = sentinel
		d.matches = types.SuffixPredicate(sentinel)
	}
}

// Detector evaluates the termination rule. It is deterministic and
// side-effect-free; the zero cost of a check is what lets the orchestrator
// run it after every single append.
type Detector struct {
	sentinel string
	matches  types.Predicate
}

// New returns a Detector configured with the supplied options. The default
// sentinel is [DefaultSentinel].
func New(opts ...Option) *Detector {
	d := &Detector{
		sentinel: DefaultSentinel,
		matches:  types.SuffixPredicate(DefaultSentinel),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Sentinel returns the configured termination marker.
func (d *Detector) Sentinel() string {
	return d.sentinel
}

// Check inspects the latest message and the round budget. The sentinel check
// runs before the round-limit check, so a terminating message on the final
// round reports [types.ReasonMarker] rather than [types.ReasonRoundLimit].
//
// Returns [types.ReasonNone] when the conversation may continue.
func (d *Detector) Check(msg types.Message, roundCount, maxRounds int) types.TerminationReason {
	if d.matches(msg.Content) {
		return types.ReasonMarker
	}
	if roundCount >= maxRounds {
		return types.ReasonRoundLimit
	}
	return types.ReasonNone
}
