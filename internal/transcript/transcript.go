// Package transcript implements the append-only conversation log.
//
// A Transcript owns the total order of a single conversation: sequence
// numbers start at 0 and are assigned exclusively by [Transcript.Append],
// strictly increasing and gap-free. Messages are never mutated or reordered
// after append. The running orchestrator holds the sole append capability;
// everything else reads through snapshots.
package transcript

import (
	"sync"
	"time"

	"github.com/confabhq/confab/pkg/types"
)

// Transcript is an append-only ordered message log. All methods are safe for
// concurrent use; readers observe a stable prefix of the log at the moment
// they read.
type Transcript struct {
	mu   sync.RWMutex
	msgs []types.Message
}

// New returns an empty transcript.
func New() *Transcript {
	return &Transcript{}
}

// Append records a new message, assigning it the next sequence number and
// the current timestamp, and returns the stored message.
func (t *Transcript) Append(speakerID, content string) types.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := types.Message{
		SpeakerID: speakerID,
		Content:   content,
		Seq:       int64(len(t.msgs)),
		Timestamp: time.Now(),
	}
	t.msgs = append(t.msgs, msg)
	return msg
}

// Len returns the number of appended messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

// Last returns the most recently appended message. ok is false when the
// transcript is empty.
func (t *Transcript) Last() (msg types.Message, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.msgs) == 0 {
		return types.Message{}, false
	}
	return t.msgs[len(t.msgs)-1], true
}

// Snapshot returns a copy of the log in append order. The copy is detached:
// later appends do not show through, and callers may not affect the
// transcript by modifying it.
func (t *Transcript) Snapshot() []types.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}
