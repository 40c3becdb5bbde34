// Package conversation drives multi-agent conversations: the turn loop that
// selects a speaker, obtains its contribution, appends to the transcript, and
// evaluates termination, plus the [Manager] control surface for running many
// independent conversations.
//
// One [Orchestrator] owns exactly one conversation for its lifetime. The loop
// itself is single-threaded and cooperative; the only genuine concurrency is
// between the loop and the external producer feeding the input bridge.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/confabhq/confab/internal/bridge"
	"github.com/confabhq/confab/internal/observe"
	"github.com/confabhq/confab/internal/selector"
	"github.com/confabhq/confab/internal/termination"
	"github.com/confabhq/confab/internal/transcript"
	"github.com/confabhq/confab/pkg/backend"
	"github.com/confabhq/confab/pkg/types"
)

const (
	// DefaultMaxRounds is the round budget used when none is configured.
	DefaultMaxRounds = 10

	// DefaultInputTimeout is how long a human turn may take before the
	// request times out.
	DefaultInputTimeout = 2 * time.Minute
)

// ErrAlreadyRun is returned by [Orchestrator.Run] on any call after the
// first. An orchestrator drives exactly one conversation.
var ErrAlreadyRun = errors.New("conversation: orchestrator already run")

// Orchestrator owns one conversation: its transcript, its participants, and
// the turn loop over them. Construct with [New], drive with [Orchestrator.Run].
//
// Accessors are safe for concurrent use while the loop runs; configuration is
// immutable after construction.
type Orchestrator struct {
	participants []types.AgentDescriptor
	provider     backend.Provider
	sel          selector.Selector
	det          *termination.Detector
	input        *bridge.Bridge
	listeners    []types.Listener
	maxRounds    int
	inputTimeout time.Duration
	initiator    string
	metrics      *observe.Metrics

	transcript *transcript.Transcript

	mu      sync.Mutex
	started bool
	rounds  int
	reason  types.TerminationReason
}

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithSelector replaces the default round-robin speaker policy.
func WithSelector(s selector.Selector) Option {
	return func(o *Orchestrator) {
		o.sel = s
	}
}

// WithDetector replaces the default termination detector.
func WithDetector(d *termination.Detector) Option {
	return func(o *Orchestrator) {
		o.det = d
	}
}

// WithMaxRounds sets the round budget. Values below zero are clamped to
// zero, which terminates the conversation right after the seed message.
func WithMaxRounds(n int) Option {
	return func(o *Orchestrator) {
		o.maxRounds = max(n, 0)
	}
}

// WithInputTimeout sets the per-request window for human input. A
// non-positive value waits indefinitely (until fulfilled or canceled).
func WithInputTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.inputTimeout = d
	}
}

// WithBridge injects the input bridge, letting the caller hold the producer
// side before the conversation starts.
func WithBridge(b *bridge.Bridge) Option {
	return func(o *Orchestrator) {
		o.input = b
	}
}

// WithListener registers an event listener. Listeners are notified
// synchronously in registration order; repeated use accumulates.
func WithListener(l types.Listener) Option {
	return func(o *Orchestrator) {
		o.listeners = append(o.listeners, l)
	}
}

// WithInitiator sets the participant ID the seed message is attributed to.
// The default is the first participant. The ID is attribution only and does
// not need to name a roster member.
func WithInitiator(id string) Option {
	return func(o *Orchestrator) {
		o.initiator = id
	}
}

// WithMetrics injects the metrics instance, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an Orchestrator for the given participants. provider supplies
// replies for automated participants and may be nil when the roster has none.
//
// Participant IDs must be unique; the roster order is the round-robin order.
func New(participants []types.AgentDescriptor, provider backend.Provider, opts ...Option) (*Orchestrator, error) {
	if len(participants) == 0 {
		return nil, errors.New("conversation: at least one participant required")
	}
	seen := make(map[string]struct{}, len(participants))
	needsProvider := false
	for _, p := range participants {
		if p.ID == "" {
			return nil, errors.New("conversation: participant with empty id")
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("conversation: duplicate participant id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Kind == types.AgentAutomated {
			needsProvider = true
		}
	}
	if needsProvider && provider == nil {
		return nil, errors.New("conversation: backend provider required for automated participants")
	}

	roster := make([]types.AgentDescriptor, len(participants))
	copy(roster, participants)

	o := &Orchestrator{
		participants: roster,
		provider:     provider,
		sel:          selector.NewRoundRobin(),
		det:          termination.New(),
		input:        bridge.New(),
		maxRounds:    DefaultMaxRounds,
		inputTimeout: DefaultInputTimeout,
		transcript:   transcript.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.initiator == "" {
		o.initiator = roster[0].ID
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// Run drives the conversation to its terminal status and returns the
// termination reason. The seed message is appended and checked before the
// first round; each iteration then executes exactly one round.
//
// The returned error is nil for the two normal endings (sentinel match and
// round limit) and carries the underlying cause for abnormal ones. Run may
// be called once; later calls fail with [ErrAlreadyRun].
func (o *Orchestrator) Run(ctx context.Context, initialMessage string) (types.TerminationReason, error) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return types.ReasonNone, ErrAlreadyRun
	}
	o.started = true
	o.mu.Unlock()

	start := time.Now()
	reason, err := o.loop(ctx, initialMessage)

	o.mu.Lock()
	o.reason = reason
	rounds := o.rounds
	o.mu.Unlock()

	// The final status event, exactly once, after the last message event.
	o.emit(types.Event{Kind: types.EventStatus, Status: reason.Status(), Reason: reason})
	o.metrics.RecordTermination(ctx, reason.String(), rounds, time.Since(start))

	observe.Logger(ctx).Info("conversation finished",
		"status", reason.Status().String(),
		"reason", reason.String(),
		"rounds", rounds,
		"messages", o.transcript.Len(),
		"duration", time.Since(start),
	)
	return reason, err
}

// loop is the turn loop proper. It returns the terminal reason and, for
// abnormal endings, the cause.
func (o *Orchestrator) loop(ctx context.Context, initialMessage string) (types.TerminationReason, error) {
	// Seed: appended before the loop, counted toward round 0.
	seed := o.append(ctx, o.initiator, initialMessage)
	if reason := o.det.Check(seed, 0, o.maxRounds); reason != types.ReasonNone {
		return reason, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return types.ReasonCanceled, fmt.Errorf("conversation: %w", err)
		}

		o.mu.Lock()
		o.rounds++
		round := o.rounds
		o.mu.Unlock()

		speaker, err := o.sel.Next(o.transcript.Snapshot(), o.participants)
		if err != nil {
			slog.Error("speaker selection failed", "round", round, "error", err)
			return types.ReasonInternalError, fmt.Errorf("conversation: select speaker: %w", err)
		}

		turnStart := time.Now()
		var content string
		var reason types.TerminationReason
		if speaker.Kind == types.AgentHuman {
			content, reason, err = o.awaitInput(ctx, speaker.ID, fmt.Sprintf("%s: your turn", speaker.ID))
		} else {
			content, reason, err = o.automatedTurn(ctx, speaker)
		}
		if err != nil {
			return reason, err
		}
		o.metrics.RecordTurn(ctx, speaker.ID, speaker.Kind.String(), time.Since(turnStart))

		msg := o.append(ctx, speaker.ID, content)
		if r := o.det.Check(msg, round, o.maxRounds); r != types.ReasonNone {
			return r, nil
		}
	}
}

// automatedTurn asks the generation backend for the speaker's reply. A
// failed call is retried once with the same transcript context; a second
// failure ends the conversation. Drafts from participants flagged with
// RequiresApproval go through the input bridge for review before they are
// accepted.
func (o *Orchestrator) automatedTurn(ctx context.Context, speaker types.AgentDescriptor) (string, types.TerminationReason, error) {
	req := backend.Request{
		Transcript: o.transcript.Snapshot(),
		AgentID:    speaker.ID,
		Persona:    speaker.Persona,
	}

	resp, err := o.provider.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", types.ReasonCanceled, fmt.Errorf("conversation: generate for %s: %w", speaker.ID, err)
		}
		o.recordBackendError(ctx, err)
		slog.Warn("generation failed, retrying once", "speaker", speaker.ID, "error", err)
		o.metrics.RecordBackendRetry(ctx, speaker.ID)
		resp, err = o.provider.Generate(ctx, req)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", types.ReasonCanceled, fmt.Errorf("conversation: generate for %s: %w", speaker.ID, err)
		}
		o.recordBackendError(ctx, err)
		return "", types.ReasonBackendFailure, fmt.Errorf("conversation: generate for %s: %w", speaker.ID, err)
	}

	if !speaker.RequiresApproval {
		return resp.Content, types.ReasonNone, nil
	}

	prompt := fmt.Sprintf("approve reply from %s (empty keeps it):\n%s", speaker.ID, resp.Content)
	review, reason, err := o.awaitInput(ctx, speaker.ID, prompt)
	if err != nil {
		return "", reason, err
	}
	if strings.TrimSpace(review) == "" {
		return resp.Content, types.ReasonNone, nil
	}
	slog.Info("reply overridden by reviewer", "speaker", speaker.ID)
	return review, types.ReasonNone, nil
}

// awaitInput obtains a contribution through the input bridge. A timed-out
// request is retried once with a fresh request, never by resubmitting stale
// content; a second timeout ends the conversation. A concurrent-request
// error is a contract violation and ends the conversation immediately.
func (o *Orchestrator) awaitInput(ctx context.Context, speakerID, prompt string) (string, types.TerminationReason, error) {
	text, err := o.requestInput(ctx, speakerID, prompt)
	if err == nil {
		return text, types.ReasonNone, nil
	}
	reason, fatal := classifyInputErr(err)
	if fatal {
		return "", reason, fmt.Errorf("conversation: input for %s: %w", speakerID, err)
	}

	slog.Warn("input request timed out, retrying once", "speaker", speakerID)
	text, err = o.requestInput(ctx, speakerID, prompt)
	if err == nil {
		return text, types.ReasonNone, nil
	}
	reason, _ = classifyInputErr(err)
	return "", reason, fmt.Errorf("conversation: input for %s: %w", speakerID, err)
}

// requestInput issues one bridge request, bracketed by the input-requested
// event and the wait metrics.
func (o *Orchestrator) requestInput(ctx context.Context, speakerID, prompt string) (string, error) {
	o.emit(types.Event{Kind: types.EventInputRequested, SpeakerID: speakerID, Prompt: prompt})

	o.metrics.PendingInputs.Add(ctx, 1)
	start := time.Now()
	text, err := o.input.Request(ctx, prompt, o.inputTimeout)
	o.metrics.PendingInputs.Add(ctx, -1)
	o.metrics.InputWaitDuration.Record(ctx, time.Since(start).Seconds())
	return text, err
}

// classifyInputErr maps a bridge error onto the terminal reason it implies.
// fatal reports whether a retry is pointless.
//
// A cancel landing inside the awaiting window resolves the request as a
// timeout (the bridge wraps it in ErrInputTimeout), so it classifies the
// same way: the retried request then fails immediately on the dead context
// and the conversation ends Terminated(input_timeout). Cancels observed at
// loop checkpoints or during a backend call still end as
// Terminated(canceled).
func classifyInputErr(err error) (reason types.TerminationReason, fatal bool) {
	if errors.Is(err, bridge.ErrConcurrentRequest) {
		return types.ReasonInternalError, true
	}
	return types.ReasonInputTimeout, false
}

// append writes one message to the transcript and notifies listeners before
// the loop continues, so observers never miss or reorder messages relative
// to the loop's own reads.
func (o *Orchestrator) append(ctx context.Context, speakerID, content string) types.Message {
	msg := o.transcript.Append(speakerID, content)
	o.metrics.RecordMessage(ctx, speakerID)
	o.emit(types.Event{
		Kind:      types.EventMessage,
		SpeakerID: msg.SpeakerID,
		Content:   msg.Content,
		Seq:       msg.Seq,
	})
	return msg
}

// emit delivers one event to every listener in registration order.
func (o *Orchestrator) emit(ev types.Event) {
	for i, l := range o.listeners {
		o.notifyOne(i, l, ev)
	}
}

// notifyOne isolates a single listener call; a panicking listener is logged
// and skipped, never propagated into the loop.
func (o *Orchestrator) notifyOne(i int, l types.Listener, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("listener panicked, continuing",
				"listener", i, "event", ev.Kind.String(), "panic", r)
		}
	}()
	l.Notify(ev)
}

// recordBackendError records a failed generation call with provider and
// class attributes when the error carries them.
func (o *Orchestrator) recordBackendError(ctx context.Context, err error) {
	provider, class := "unknown", "unknown"
	if c, ok := backend.ClassOf(err); ok {
		class = c.String()
	}
	var be *backend.Error
	if errors.As(err, &be) && be.Provider != "" {
		provider = be.Provider
	}
	o.metrics.RecordBackendError(ctx, provider, class)
}

// Bridge returns the conversation's input bridge for the producer side.
func (o *Orchestrator) Bridge() *bridge.Bridge {
	return o.input
}

// Rounds returns how many rounds have executed so far.
func (o *Orchestrator) Rounds() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rounds
}

// Reason returns the terminal reason, or [types.ReasonNone] while the
// conversation has not finished.
func (o *Orchestrator) Reason() types.TerminationReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

// Status returns the conversation's lifecycle status.
func (o *Orchestrator) Status() types.Status {
	return o.Reason().Status()
}

// Messages returns a detached snapshot of the transcript in append order.
func (o *Orchestrator) Messages() []types.Message {
	return o.transcript.Snapshot()
}

// Participants returns the roster in declaration order.
func (o *Orchestrator) Participants() []types.AgentDescriptor {
	out := make([]types.AgentDescriptor, len(o.participants))
	copy(out, o.participants)
	return out
}
