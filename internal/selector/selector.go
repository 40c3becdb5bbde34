// Package selector implements speaker-selection policies for the turn loop.
//
// A selector is a pure policy: given the transcript and the participant set
// it returns the participant that speaks next. The default [RoundRobin]
// policy is deterministic and side-effect-free; calling it twice with the
// same transcript yields the same speaker. [Addressed] layers content-based
// routing on top of any fallback policy.
package selector

import (
	"errors"

	"github.com/confabhq/confab/pkg/types"
)

// ErrNoParticipants is returned when selection runs against an empty
// participant set.
var ErrNoParticipants = errors.New("selector: no participants")

// Selector chooses the next speaker. Implementations must be deterministic
// for identical inputs and must not mutate the transcript or the participant
// set.
type Selector interface {
	Next(transcript []types.Message, participants []types.AgentDescriptor) (types.AgentDescriptor, error)
}

// RoundRobin selects participants in declaration order, one per round,
// deriving its position purely from the transcript so repeated calls with
// the same inputs agree.
//
// A participant whose TerminatesOn predicate matched the prior message is
// skipped, so an agent that just asked to stop is not immediately handed the
// floor again. If that rule disqualifies every participant, selection falls
// back to plain declaration order to keep the conversation live.
type RoundRobin struct{}

var _ Selector = RoundRobin{}

// NewRoundRobin returns the default round-robin policy.
func NewRoundRobin() RoundRobin {
	return RoundRobin{}
}

// Next implements [Selector].
func (RoundRobin) Next(transcript []types.Message, participants []types.AgentDescriptor) (types.AgentDescriptor, error) {
	if len(participants) == 0 {
		return types.AgentDescriptor{}, ErrNoParticipants
	}
	if len(transcript) == 0 {
		return participants[0], nil
	}

	last := transcript[len(transcript)-1]
	start := nextIndex(last.SpeakerID, participants)

	for offset := range len(participants) {
		cand := participants[(start+offset)%len(participants)]
		if cand.TerminatesOn != nil && cand.TerminatesOn(last.Content) {
			continue
		}
		return cand, nil
	}

	// Everyone is flagged; ignore the flags rather than stall.
	return participants[start], nil
}

// nextIndex returns the declaration-order index after the given speaker, or
// 0 when the speaker is not a participant (e.g. a seed attributed to an
// outside initiator).
func nextIndex(speakerID string, participants []types.AgentDescriptor) int {
	for i, p := range participants {
		if p.ID == speakerID {
			return (i + 1) % len(participants)
		}
	}
	return 0
}
