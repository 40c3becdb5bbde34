package gateway

import (
	"fmt"
	"time"

	"github.com/confabhq/confab/internal/conversation"
	"github.com/confabhq/confab/pkg/types"
)

// ── Client commands ───────────────────────────────────────────────────────────

// command is one frame received from a connected client. Type selects the
// operation; the remaining fields are read per operation.
type command struct {
	// Type is one of: start, cancel, status, messages, fulfill, list,
	// watch, unwatch.
	Type string `json:"type"`

	// ID is echoed on the matching result frame so clients can pair
	// replies with in-flight commands.
	ID string `json:"id,omitempty"`

	// Handle names the target conversation for every operation except
	// start and list.
	Handle string `json:"handle,omitempty"`

	// Text carries the input for fulfill.
	Text string `json:"text,omitempty"`

	// Start carries the parameters for start.
	Start *startPayload `json:"start,omitempty"`
}

// startPayload describes the conversation a start command launches. Omitted
// fields fall back to the manager defaults; an empty participant list uses
// the server's configured roster.
type startPayload struct {
	Participants   []participantPayload `json:"participants,omitempty"`
	InitialMessage string               `json:"initial_message"`
	Initiator      string               `json:"initiator,omitempty"`
	MaxRounds      int                  `json:"max_rounds,omitempty"`
	Sentinel       string               `json:"sentinel,omitempty"`
	InputTimeout   string               `json:"input_timeout,omitempty"`
	Selector       string               `json:"selector,omitempty"`
}

// participantPayload mirrors the participants block of the config file.
type participantPayload struct {
	ID               string  `json:"id"`
	Kind             string  `json:"kind,omitempty"`
	SystemPrompt     string  `json:"system_prompt,omitempty"`
	Provider         string  `json:"provider,omitempty"`
	Model            string  `json:"model,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	MaxTokens        int     `json:"max_tokens,omitempty"`
	TerminatesOn     string  `json:"terminates_on,omitempty"`
	RequiresApproval bool    `json:"requires_approval,omitempty"`
}

// descriptor converts the payload into a roster entry.
func (p participantPayload) descriptor() (types.AgentDescriptor, error) {
	d := types.AgentDescriptor{
		ID:               p.ID,
		RequiresApproval: p.RequiresApproval,
		Persona: types.Persona{
			SystemPrompt: p.SystemPrompt,
			Provider:     p.Provider,
			Model:        p.Model,
			Temperature:  p.Temperature,
			MaxTokens:    p.MaxTokens,
		},
	}
	switch p.Kind {
	case "", "automated":
		d.Kind = types.AgentAutomated
	case "human":
		d.Kind = types.AgentHuman
	default:
		return types.AgentDescriptor{}, fmt.Errorf("gateway: participant %q: unknown kind %q", p.ID, p.Kind)
	}
	if p.TerminatesOn != "" {
		d.TerminatesOn = types.SuffixPredicate(p.TerminatesOn)
	}
	return d, nil
}

// ── Server frames ─────────────────────────────────────────────────────────────

const (
	// frameResult marks a direct reply to one client command.
	frameResult = "result"

	// frameEvent marks a streamed conversation event.
	frameEvent = "event"
)

// resultFrame answers exactly one command. Error is empty on success; which
// of the remaining fields are set depends on the command answered.
type resultFrame struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	Error     string            `json:"error,omitempty"`
	Handle    string            `json:"handle,omitempty"`
	Snapshot  *snapshotPayload  `json:"snapshot,omitempty"`
	Snapshots []snapshotPayload `json:"snapshots,omitempty"`
	Messages  []messagePayload  `json:"messages,omitempty"`
}

// eventFrame streams one conversation event to a watching client.
type eventFrame struct {
	Type   string       `json:"type"`
	Handle string       `json:"handle"`
	Event  eventPayload `json:"event"`
}

// snapshotPayload is the wire form of a conversation snapshot.
type snapshotPayload struct {
	Handle        string     `json:"handle"`
	Status        string     `json:"status"`
	Reason        string     `json:"reason"`
	Rounds        int        `json:"rounds"`
	Messages      int        `json:"messages"`
	Participants  []string   `json:"participants"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	PendingPrompt string     `json:"pending_prompt,omitempty"`
}

func toSnapshotPayload(s conversation.Snapshot) snapshotPayload {
	out := snapshotPayload{
		Handle:       string(s.Handle),
		Status:       s.Status.String(),
		Reason:       s.Reason.String(),
		Rounds:       s.Rounds,
		Messages:     s.Messages,
		Participants: s.Participants,
		StartedAt:    s.StartedAt,
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		out.EndedAt = &ended
	}
	return out
}

// messagePayload is the wire form of a transcript message.
type messagePayload struct {
	SpeakerID string    `json:"speaker_id"`
	Content   string    `json:"content"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

func toMessagePayloads(msgs []types.Message) []messagePayload {
	out := make([]messagePayload, len(msgs))
	for i, m := range msgs {
		out[i] = messagePayload{
			SpeakerID: m.SpeakerID,
			Content:   m.Content,
			Seq:       m.Seq,
			Timestamp: m.Timestamp,
		}
	}
	return out
}

// eventPayload is the wire form of a conversation event. Seq is meaningful
// for message events only.
type eventPayload struct {
	Kind      string `json:"kind"`
	SpeakerID string `json:"speaker_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Seq       int64  `json:"seq"`
	Prompt    string `json:"prompt,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func toEventPayload(ev types.Event) eventPayload {
	out := eventPayload{
		Kind:      ev.Kind.String(),
		SpeakerID: ev.SpeakerID,
		Content:   ev.Content,
		Seq:       ev.Seq,
		Prompt:    ev.Prompt,
	}
	if ev.Kind == types.EventStatus {
		out.Status = ev.Status.String()
		out.Reason = ev.Reason.String()
	}
	return out
}
