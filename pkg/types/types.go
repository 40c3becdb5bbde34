// Package types defines the shared types used across all confab packages.
//
// These types form the lingua franca between the orchestrator, speaker
// selection, generation backends, and frontends. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import (
	"strings"
	"time"
)

// Message is a single immutable entry in a conversation transcript.
type Message struct {
	// SpeakerID identifies the participant that produced this message.
	SpeakerID string

	// Content is the message text.
	Content string

	// Seq is the message's position in the transcript. Sequence numbers are
	// assigned only by the transcript on append; they start at 0 and are
	// strictly increasing without gaps, giving the conversation its total
	// order.
	Seq int64

	// Timestamp is when the message was appended.
	Timestamp time.Time
}

// AgentKind distinguishes how a participant produces its contributions.
type AgentKind int

const (
	// AgentAutomated participants reply synchronously through a generation
	// backend call.
	AgentAutomated AgentKind = iota

	// AgentHuman participants reply asynchronously through the human-input
	// bridge.
	AgentHuman
)

// String returns the human-readable name of the agent kind.
func (k AgentKind) String() string {
	switch k {
	case AgentAutomated:
		return "automated"
	case AgentHuman:
		return "human"
	default:
		return "unknown"
	}
}

// Predicate is a pure function over message text. Predicates must be
// deterministic and side-effect-free; they are evaluated by speaker selection
// on every round.
type Predicate func(text string) bool

// SuffixPredicate returns a Predicate that reports whether the trimmed text
// ends with the given sentinel. The match is an exact, case-sensitive suffix
// comparison.
func SuffixPredicate(sentinel string) Predicate {
	return func(text string) bool {
		return strings.HasSuffix(strings.TrimSpace(text), sentinel)
	}
}

// Persona is the opaque configuration handed to a generation backend together
// with the transcript. The orchestrator never interprets it.
type Persona struct {
	// SystemPrompt is the persona's standing instruction text.
	SystemPrompt string

	// Provider names the backend provider this persona speaks through.
	// Resolved by the backend mux; empty selects the default provider.
	Provider string

	// Model is the provider-specific model identifier.
	Model string

	// Temperature controls sampling randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero means provider default.
	MaxTokens int
}

// AgentDescriptor describes one conversation participant. Descriptors are
// configuration data, not behavior, and are immutable after conversation
// start.
type AgentDescriptor struct {
	// ID uniquely identifies the participant within a conversation.
	ID string

	// Kind selects the contribution path (backend call or input bridge).
	Kind AgentKind

	// TerminatesOn reports whether a message text signals this agent's intent
	// to stop. Speaker selection skips an agent whose predicate matched the
	// prior message. A nil predicate never matches.
	TerminatesOn Predicate

	// RequiresApproval requests a human review of this agent's replies before
	// they are appended to the transcript.
	RequiresApproval bool

	// Persona is passed verbatim to the generation backend for automated
	// agents.
	Persona Persona
}

// Status is the lifecycle state of a conversation.
type Status int

const (
	// StatusRunning means the turn loop is still executing rounds.
	StatusRunning Status = iota

	// StatusTerminated means the conversation stopped for a reason other
	// than the round budget (see TerminationReason).
	StatusTerminated

	// StatusRoundLimit means the configured round budget was exhausted
	// before any termination marker appeared.
	StatusRoundLimit
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusTerminated:
		return "terminated"
	case StatusRoundLimit:
		return "round_limit_exceeded"
	default:
		return "unknown"
	}
}

// TerminationReason says why a conversation stopped.
type TerminationReason int

const (
	// ReasonNone means the conversation has not stopped.
	ReasonNone TerminationReason = iota

	// ReasonMarker means a message matched the termination sentinel.
	ReasonMarker

	// ReasonRoundLimit means the round budget was exhausted.
	ReasonRoundLimit

	// ReasonBackendFailure means a generation backend failed twice for the
	// same turn.
	ReasonBackendFailure

	// ReasonInputTimeout means human input did not arrive within the window,
	// twice.
	ReasonInputTimeout

	// ReasonInternalError means a component violated its contract; this is a
	// programming error, not an operational condition.
	ReasonInternalError

	// ReasonCanceled means the conversation was canceled from outside.
	ReasonCanceled
)

// String returns the wire name of the reason.
func (r TerminationReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonMarker:
		return "marker"
	case ReasonRoundLimit:
		return "round_limit"
	case ReasonBackendFailure:
		return "backend_failure"
	case ReasonInputTimeout:
		return "input_timeout"
	case ReasonInternalError:
		return "internal_error"
	case ReasonCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Status maps the reason onto the terminal conversation status.
func (r TerminationReason) Status() Status {
	switch r {
	case ReasonNone:
		return StatusRunning
	case ReasonRoundLimit:
		return StatusRoundLimit
	default:
		return StatusTerminated
	}
}
