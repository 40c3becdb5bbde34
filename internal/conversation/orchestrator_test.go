package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/confabhq/confab/internal/bridge"
	"github.com/confabhq/confab/pkg/backend"
	"github.com/confabhq/confab/pkg/backend/mock"
	"github.com/confabhq/confab/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func automated(id string) types.AgentDescriptor {
	return types.AgentDescriptor{ID: id, Kind: types.AgentAutomated}
}

func human(id string) types.AgentDescriptor {
	return types.AgentDescriptor{ID: id, Kind: types.AgentHuman}
}

// recorder collects every event it is notified about.
type recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recorder) Notify(ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Event, len(r.events))
	copy(out, r.events)
	return out
}

// fulfill feeds the orchestrator's bridge in a background goroutine, waiting
// for each request to actually be pending before answering it.
func fulfill(o *Orchestrator, replies ...string) {
	go func() {
		for _, text := range replies {
			for range 5000 {
				if o.Bridge().RequestPending() {
					break
				}
				time.Sleep(time.Millisecond)
			}
			o.Bridge().Fulfill(text)
		}
	}()
}

// ── construction ─────────────────────────────────────────────────────────────

func TestNew_NoParticipants(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, &mock.Provider{}); err == nil {
		t.Fatal("expected error for empty participant list")
	}
}

func TestNew_EmptyParticipantID(t *testing.T) {
	t.Parallel()

	_, err := New([]types.AgentDescriptor{automated("")}, &mock.Provider{})
	if err == nil {
		t.Fatal("expected error for empty participant id")
	}
}

func TestNew_DuplicateParticipantID(t *testing.T) {
	t.Parallel()

	_, err := New([]types.AgentDescriptor{automated("a"), automated("a")}, &mock.Provider{})
	if err == nil {
		t.Fatal("expected error for duplicate participant id")
	}
	if !strings.Contains(err.Error(), `"a"`) {
		t.Fatalf("error should name the duplicate id, got: %v", err)
	}
}

func TestNew_AutomatedNeedsProvider(t *testing.T) {
	t.Parallel()

	if _, err := New([]types.AgentDescriptor{automated("bot")}, nil); err == nil {
		t.Fatal("expected error for automated participant without provider")
	}
}

func TestNew_HumansOnlyWithoutProvider(t *testing.T) {
	t.Parallel()

	if _, err := New([]types.AgentDescriptor{human("pm")}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ── scripted conversations ───────────────────────────────────────────────────

// TestRun_SentinelEndsConversation walks a two-agent conversation through a
// canned script and checks that the third reply's marker ends it after
// exactly three rounds.
func TestRun_SentinelEndsConversation(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Script: []string{"ok", "ok", "done TERMINATE"}}
	rec := &recorder{}
	o, err := New(
		[]types.AgentDescriptor{automated("planner"), automated("critic")},
		provider,
		WithMaxRounds(10),
		WithListener(rec),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reason, err := o.Run(context.Background(), "draft the plan")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != types.ReasonMarker {
		t.Fatalf("reason = %v, want %v", reason, types.ReasonMarker)
	}
	if got := o.Rounds(); got != 3 {
		t.Fatalf("rounds = %d, want 3", got)
	}
	if got := o.Status(); got != types.StatusTerminated {
		t.Fatalf("status = %v, want %v", got, types.StatusTerminated)
	}

	msgs := o.Messages()
	if len(msgs) != 4 {
		t.Fatalf("len(messages) = %d, want 4", len(msgs))
	}
	wantSpeakers := []string{"planner", "critic", "planner", "critic"}
	for i, m := range msgs {
		if m.Seq != int64(i) {
			t.Fatalf("messages[%d].Seq = %d, want %d", i, m.Seq, i)
		}
		if m.SpeakerID != wantSpeakers[i] {
			t.Fatalf("messages[%d].SpeakerID = %q, want %q", i, m.SpeakerID, wantSpeakers[i])
		}
	}
	if msgs[3].Content != "done TERMINATE" {
		t.Fatalf("final message = %q, want the terminating reply", msgs[3].Content)
	}
	if calls := provider.Calls(); len(calls) != 3 {
		t.Fatalf("backend calls = %d, want 3", len(calls))
	}

	events := rec.Events()
	if len(events) != 5 {
		t.Fatalf("len(events) = %d, want 5 (4 messages + status)", len(events))
	}
	last := events[len(events)-1]
	if last.Kind != types.EventStatus || last.Reason != types.ReasonMarker {
		t.Fatalf("final event = %+v, want terminal status with marker reason", last)
	}
	for i, ev := range events[:4] {
		if ev.Kind != types.EventMessage {
			t.Fatalf("events[%d].Kind = %v, want %v", i, ev.Kind, types.EventMessage)
		}
		if ev.Seq != int64(i) {
			t.Fatalf("events[%d].Seq = %d, want %d", i, ev.Seq, i)
		}
	}
}

// TestRun_RoundLimit checks that a conversation that never produces the
// sentinel stops when the round budget is spent.
func TestRun_RoundLimit(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Response: "keep going"}
	o, err := New(
		[]types.AgentDescriptor{automated("a"), automated("b")},
		provider,
		WithMaxRounds(2),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reason, err := o.Run(context.Background(), "start")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != types.ReasonRoundLimit {
		t.Fatalf("reason = %v, want %v", reason, types.ReasonRoundLimit)
	}
	if got := o.Status(); got != types.StatusRoundLimit {
		t.Fatalf("status = %v, want %v", got, types.StatusRoundLimit)
	}
	if got := o.Rounds(); got != 2 {
		t.Fatalf("rounds = %d, want 2", got)
	}
	if got := len(o.Messages()); got != 3 {
		t.Fatalf("len(messages) = %d, want 3 (seed + 2 rounds)", got)
	}
}

// TestRun_SeedSentinel checks that a seed message carrying the marker ends
// the conversation before any turn executes.
func TestRun_SeedSentinel(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Response: "unused"}
	o, err := New([]types.AgentDescriptor{automated("a")}, provider)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reason, err := o.Run(context.Background(), "nothing to do TERMINATE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != types.ReasonMarker {
		t.Fatalf("reason = %v, want %v", reason, types.ReasonMarker)
	}
	if got := o.Rounds(); got != 0 {
		t.Fatalf("rounds = %d, want 0", got)
	}
	if calls := provider.Calls(); len(calls) != 0 {
		t.Fatalf("backend calls = %d, want 0", len(calls))
	}
}

// TestRun_ZeroMaxRounds checks that a zero budget permits no turns at all.
func TestRun_ZeroMaxRounds(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Response: "unused"}
	o, err := New([]types.AgentDescriptor{automated("a")}, provider, WithMaxRounds(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reason, err := o.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != types.ReasonRoundLimit {
		t.Fatalf("reason = %v, want %v", reason, types.ReasonRoundLimit)
	}
	if got := len(o.Messages()); got != 1 {
		t.Fatalf("len(messages) = %d, want 1 (seed only)", got)
	}
	if calls := provider.Calls(); len(calls) != 0 {
		t.Fatalf("backend calls = %d, want 0", len(calls))
	}
}

func TestRun_Twice(t *testing.T) {
	t.Parallel()

	o, err := New([]types.AgentDescriptor{automated("a")}, &mock.Provider{Response: "x TERMINATE"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := o.Run(context.Background(), "go"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := len(o.Messages())
	reason, err := o.Run(context.Background(), "again")
	if !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("err = %v, want ErrAlreadyRun", err)
	}
	if reason != types.ReasonNone {
		t.Fatalf("reason = %v, want %v", reason, types.ReasonNone)
	}
	if got := len(o.Messages()); got != msgs {
		t.Fatalf("second Run changed the transcript: %d -> %d messages", msgs, got)
	}
}

func TestRun_CustomInitiator(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Response: "fine TERMINATE"}
	o, err := New(
		[]types.AgentDescriptor{automated("a"), automated("b")},
		provider,
		WithInitiator("moderator"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := o.Run(context.Background(), "begin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := o.Messages()
	if msgs[0].SpeakerID != "moderator" {
		t.Fatalf("seed speaker = %q, want %q", msgs[0].SpeakerID, "moderator")
	}
	// An outside initiator is not in the roster, so round one falls to the
	// first participant.
	if msgs[1].SpeakerID != "a" {
		t.Fatalf("first turn speaker = %q, want %q", msgs[1].SpeakerID, "a")
	}
}

// ── backend failures ─────────────────────────────────────────────────────────

// TestRun_BackendRetrySucceeds checks that one failed generation call is
// retried with the same transcript context and the conversation continues.
func TestRun_BackendRetrySucceeds(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		FailFirst: 1,
		FailErr:   errors.New("boom"),
		Response:  "recovered TERMINATE",
	}
	o, err := New([]types.AgentDescriptor{automated("a"), automated("b")}, provider)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reason, err := o.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != types.ReasonMarker {
		t.Fatalf("reason = %v, want %v", reason, types.ReasonMarker)
	}

	calls := provider.Calls()
	if len(calls) != 2 {
		t.Fatalf("backend calls = %d, want 2 (failure + retry)", len(calls))
	}
	if len(calls[0].Req.Transcript) != len(calls[1].Req.Transcript) {
		t.Fatalf("retry transcript length %d != original %d",
			len(calls[1].Req.Transcript), len(calls[0].Req.Transcript))
	}
	if calls[0].Req.AgentID != calls[1].Req.AgentID {
		t.Fatalf("retry agent %q != original %q", calls[1].Req.AgentID, calls[0].Req.AgentID)
	}
}

// TestRun_BackendFailureTerminates checks that a second consecutive failure
// ends the conversation with a backend failure status.
func TestRun_BackendFailureTerminates(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{GenerateErr: errors.New("provider down")}
	o, err := New([]types.AgentDescriptor{automated("a"), automated("b")}, provider)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reason, err := o.Run(context.Background(), "go")
	if err == nil {
		t.Fatal("expected an error for a permanent backend failure")
	}
	if reason != types.ReasonBackendFailure {
		t.Fatalf("reason = %v, want %v", reason, types.ReasonBackendFailure)
	}
	if got := o.Status(); got != types.StatusTerminated {
		t.Fatalf("status = %v, want %v", got, types.StatusTerminated)
	}
	if calls := provider.Calls(); len(calls) != 2 {
		t.Fatalf("backend calls = %d, want 2", len(calls))
	}
	// The seed survives; only the failed turn produced nothing.
	if got := len(o.Messages()); got != 1 {
		t.Fatalf("len(messages) = %d, want 1", got)
	}
}

// ── human input ──────────────────────────────────────────────────────────────

// TestRun_HumanTurnFulfilled checks that a human participant's turn pauses
// the loop until the bridge is fulfilled and the reply lands verbatim.
func TestRun_HumanTurnFulfilled(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Response: "noted"}
	rec := &recorder{}
	o, err := New(
		[]types.AgentDescriptor{automated("bot"), human("pm")},
		provider,
		WithInputTimeout(5*time.Second),
		WithListener(rec),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fulfill(o, "ship it TERMINATE")

	reason, err := o.Run(context.Background(), "status update")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != types.ReasonMarker {
		t.Fatalf("reason = %v, want %v", reason, types.ReasonMarker)
	}

	msgs := o.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(msgs))
	}
	if msgs[1].SpeakerID != "pm" || msgs[1].Content != "ship it TERMINATE" {
		t.Fatalf("human turn = %q from %q, want fulfilled text from pm",
			msgs[1].Content, msgs[1].SpeakerID)
	}

	var sawPrompt bool
	for _, ev := range rec.Events() {
		if ev.Kind == types.EventInputRequested {
			sawPrompt = true
			if ev.SpeakerID != "pm" {
				t.Fatalf("input request speaker = %q, want %q", ev.SpeakerID, "pm")
			}
			if !strings.Contains(ev.Prompt, "pm") {
				t.Fatalf("prompt %q should name the participant", ev.Prompt)
			}
		}
	}
	if !sawPrompt {
		t.Fatal("no input_requested event observed")
	}
}

// TestRun_InputTimeoutRetriesOnce checks the two-strike rule: a timed-out
// request is reissued fresh exactly once, and a second timeout ends the
// conversation with an input timeout status.
func TestRun_InputTimeoutRetriesOnce(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	o, err := New(
		[]types.AgentDescriptor{automated("bot"), human("pm")},
		&mock.Provider{Response: "noted"},
		WithInputTimeout(30*time.Millisecond),
		WithListener(rec),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reason, err := o.Run(context.Background(), "status update")
	if err == nil {
		t.Fatal("expected an error after repeated input timeouts")
	}
	if !errors.Is(err, bridge.ErrInputTimeout) {
		t.Fatalf("err = %v, want wrapped ErrInputTimeout", err)
	}
	if reason != types.ReasonInputTimeout {
		t.Fatalf("reason = %v, want %v", reason, types.ReasonInputTimeout)
	}

	var requests int
	for _, ev := range rec.Events() {
		if ev.Kind == types.EventInputRequested {
			requests++
		}
	}
	if requests != 2 {
		t.Fatalf("input requests = %d, want 2 (original + one retry)", requests)
	}
}

// TestRun_CancelDuringWait checks that canceling the context while a human
// turn is pending resolves the request as a timeout: the conversation ends
// Terminated(input_timeout) without discarding the transcript.
func TestRun_CancelDuringWait(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	o, err := New(
		[]types.AgentDescriptor{automated("bot"), human("pm")},
		&mock.Provider{Response: "noted"},
		WithInputTimeout(time.Minute),
		WithListener(rec),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var reason types.TerminationReason
	var runErr error
	go func() {
		reason, runErr = o.Run(ctx, "status update")
		close(done)
	}()

	for range 5000 {
		if o.Bridge().RequestPending() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if reason != types.ReasonInputTimeout {
		t.Fatalf("reason = %v, want %v", reason, types.ReasonInputTimeout)
	}
	if !errors.Is(runErr, bridge.ErrInputTimeout) {
		t.Fatalf("err = %v, want wrapped ErrInputTimeout", runErr)
	}
	if got := len(o.Messages()); got != 1 {
		t.Fatalf("len(messages) = %d, want 1 (seed kept)", got)
	}

	// The retry reissues a fresh request, which fails at once on the dead
	// context; both cycles announce themselves.
	var requests int
	for _, ev := range rec.Events() {
		if ev.Kind == types.EventInputRequested {
			requests++
		}
	}
	if requests != 2 {
		t.Fatalf("input requests = %d, want 2 (original + failed retry)", requests)
	}
}

// TestRun_CancelDuringBackendCall checks that a cancel observed inside a
// generation call ends the conversation as canceled, not as a backend
// failure, and skips the retry.
func TestRun_CancelDuringBackendCall(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		GenerateFunc: func(ctx context.Context, _ backend.Request) (*backend.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	o, err := New([]types.AgentDescriptor{human("pm"), automated("bot")}, provider)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var reason types.TerminationReason
	go func() {
		reason, _ = o.Run(ctx, "kick off")
		close(done)
	}()

	for range 5000 {
		if len(provider.Calls()) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if reason != types.ReasonCanceled {
		t.Fatalf("reason = %v, want %v", reason, types.ReasonCanceled)
	}
	if calls := len(provider.Calls()); calls != 1 {
		t.Fatalf("generate calls = %d, want 1 (no retry on cancel)", calls)
	}
}

// ── approval ─────────────────────────────────────────────────────────────────

// TestRun_ApprovalKeepsDraft checks that an empty review accepts the
// generated draft unchanged.
func TestRun_ApprovalKeepsDraft(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Script: []string{"draft reply TERMINATE"}}
	writer := automated("writer")
	writer.RequiresApproval = true
	o, err := New([]types.AgentDescriptor{writer}, provider, WithInputTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fulfill(o, "   ")

	reason, err := o.Run(context.Background(), "write the reply")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != types.ReasonMarker {
		t.Fatalf("reason = %v, want %v", reason, types.ReasonMarker)
	}

	msgs := o.Messages()
	if got := msgs[len(msgs)-1].Content; got != "draft reply TERMINATE" {
		t.Fatalf("final message = %q, want the unmodified draft", got)
	}
}

// TestRun_ApprovalReplacesDraft checks that a non-empty review replaces the
// generated draft entirely.
func TestRun_ApprovalReplacesDraft(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Script: []string{"weak draft"}}
	writer := automated("writer")
	writer.RequiresApproval = true
	o, err := New([]types.AgentDescriptor{writer}, provider, WithInputTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fulfill(o, "stronger reply TERMINATE")

	reason, err := o.Run(context.Background(), "write the reply")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != types.ReasonMarker {
		t.Fatalf("reason = %v, want %v", reason, types.ReasonMarker)
	}

	msgs := o.Messages()
	last := msgs[len(msgs)-1]
	if last.Content != "stronger reply TERMINATE" {
		t.Fatalf("final message = %q, want the reviewer's replacement", last.Content)
	}
	if last.SpeakerID != "writer" {
		t.Fatalf("final speaker = %q, want %q", last.SpeakerID, "writer")
	}
}

// ── listeners ────────────────────────────────────────────────────────────────

type panicker struct{}

func (panicker) Notify(types.Event) { panic("listener bug") }

// TestRun_ListenerPanicIsolated checks that one faulty listener neither stops
// the conversation nor starves the listeners after it.
func TestRun_ListenerPanicIsolated(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	o, err := New(
		[]types.AgentDescriptor{automated("a")},
		&mock.Provider{Response: "x TERMINATE"},
		WithListener(panicker{}),
		WithListener(rec),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reason, err := o.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != types.ReasonMarker {
		t.Fatalf("reason = %v, want %v", reason, types.ReasonMarker)
	}

	events := rec.Events()
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3 (2 messages + status)", len(events))
	}
}
