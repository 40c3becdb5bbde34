package types

// EventKind discriminates the notifications emitted by a running
// conversation.
type EventKind int

const (
	// EventMessage is emitted synchronously after every transcript append,
	// in append order.
	EventMessage EventKind = iota

	// EventInputRequested is emitted just before the orchestrator suspends
	// on the human-input bridge, so push-style frontends know to prompt.
	EventInputRequested

	// EventStatus is emitted exactly once, when the conversation reaches a
	// terminal status.
	EventStatus
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventInputRequested:
		return "input_requested"
	case EventStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Event is a single conversation notification. Only the fields relevant to
// the Kind are populated.
type Event struct {
	// Kind selects which fields below carry meaning.
	Kind EventKind

	// SpeakerID is the message author (EventMessage) or the participant
	// whose input is awaited (EventInputRequested).
	SpeakerID string

	// Content is the appended message text (EventMessage).
	Content string

	// Seq is the appended message's sequence number (EventMessage).
	Seq int64

	// Prompt is the text to show the human operator (EventInputRequested).
	Prompt string

	// Status and Reason describe the terminal state (EventStatus).
	Status Status
	Reason TerminationReason
}

// Listener receives conversation events. Notify is called synchronously from
// the turn loop; implementations must not block for long and must tolerate
// being called from a different goroutine per conversation. A panicking or
// failing listener never affects the loop.
type Listener interface {
	Notify(ev Event)
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(ev Event)

// Notify implements Listener.
func (f ListenerFunc) Notify(ev Event) { f(ev) }
