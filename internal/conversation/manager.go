package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/confabhq/confab/internal/observe"
	"github.com/confabhq/confab/internal/selector"
	"github.com/confabhq/confab/internal/termination"
	"github.com/confabhq/confab/pkg/backend"
	"github.com/confabhq/confab/pkg/types"
)

// Handle identifies one conversation managed by a [Manager].
type Handle string

var (
	// ErrUnknownConversation is returned when a handle does not name a
	// managed conversation.
	ErrUnknownConversation = errors.New("conversation: unknown conversation")

	// ErrManagerClosed is returned by [Manager.Start] after [Manager.Close].
	ErrManagerClosed = errors.New("conversation: manager closed")
)

// Snapshot is a point-in-time view of one managed conversation.
type Snapshot struct {
	Handle       Handle
	Status       types.Status
	Reason       types.TerminationReason
	Rounds       int
	Messages     int
	Participants []string
	StartedAt    time.Time

	// EndedAt is zero while the conversation is still running.
	EndedAt time.Time
}

// StartRequest describes one conversation to start.
type StartRequest struct {
	// Participants is the roster in turn order. Required.
	Participants []types.AgentDescriptor

	// InitialMessage seeds the transcript, attributed to the first
	// participant unless Initiator says otherwise.
	InitialMessage string

	// Initiator overrides the seed attribution.
	Initiator string

	// MaxRounds overrides the manager default when positive. A negative
	// value permits no rounds at all: the conversation ends right after
	// the seed message.
	MaxRounds int

	// InputTimeout overrides the manager default when positive.
	InputTimeout time.Duration

	// Sentinel overrides the manager's termination marker when non-empty.
	Sentinel string

	// Selector overrides the default round-robin policy.
	Selector selector.Selector

	// Listeners are extra event listeners beyond the manager's own hub.
	Listeners []types.Listener
}

// ManagerConfig holds the dependencies and defaults for a [Manager].
type ManagerConfig struct {
	// Backend generates replies for automated participants.
	Backend backend.Provider

	// MaxRounds is the default round budget. Zero means [DefaultMaxRounds].
	MaxRounds int

	// InputTimeout is the default human input window. Zero means
	// [DefaultInputTimeout].
	InputTimeout time.Duration

	// Sentinel is the default termination marker. Empty means
	// [termination.DefaultSentinel].
	Sentinel string

	// Listeners are attached to every conversation the manager starts,
	// ahead of any per-request listeners.
	Listeners []types.Listener

	// Metrics defaults to the process-wide instance.
	Metrics *observe.Metrics
}

// Manager runs and tracks conversations. Any number may run concurrently;
// each gets its own orchestrator, event hub, and cancelable context. All
// exported methods are safe for concurrent use.
//
// Finished conversations stay registered so their status and transcript
// remain readable until the manager itself closes.
type Manager struct {
	provider backend.Provider
	defaults ManagerConfig
	metrics  *observe.Metrics

	baseCtx   context.Context
	cancelAll context.CancelFunc
	group     errgroup.Group

	mu     sync.Mutex
	convs  map[Handle]*managed
	closed bool
}

// managed pairs an orchestrator with its runtime bookkeeping.
type managed struct {
	handle       Handle
	orch         *Orchestrator
	hub          *Hub
	cancel       context.CancelFunc
	startedAt    time.Time
	participants []string

	mu      sync.Mutex
	endedAt time.Time
	runErr  error
}

func (mc *managed) finish(err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.endedAt = time.Now().UTC()
	mc.runErr = err
}

func (mc *managed) ended() (time.Time, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.endedAt, mc.runErr
}

// NewManager creates a Manager. Zero-valued defaults in cfg are replaced by
// the package defaults.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.InputTimeout <= 0 {
		cfg.InputTimeout = DefaultInputTimeout
	}
	if cfg.Sentinel == "" {
		cfg.Sentinel = termination.DefaultSentinel
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	baseCtx, cancelAll := context.WithCancel(context.Background())
	return &Manager{
		provider:  cfg.Backend,
		defaults:  cfg,
		metrics:   metrics,
		baseCtx:   baseCtx,
		cancelAll: cancelAll,
		convs:     make(map[Handle]*managed),
	}
}

// Start launches a new conversation and returns its handle. The conversation
// runs on a manager-scoped context, not the caller's, so it outlives the
// request that started it.
func (m *Manager) Start(req StartRequest) (Handle, error) {
	m.mu.Lock()
	defaults := m.defaults
	m.mu.Unlock()

	maxRounds := defaults.MaxRounds
	if req.MaxRounds > 0 {
		maxRounds = req.MaxRounds
	} else if req.MaxRounds < 0 {
		maxRounds = 0
	}
	inputTimeout := defaults.InputTimeout
	if req.InputTimeout > 0 {
		inputTimeout = req.InputTimeout
	}
	sentinel := defaults.Sentinel
	if req.Sentinel != "" {
		sentinel = req.Sentinel
	}

	hub := NewHub()
	opts := []Option{
		WithMaxRounds(maxRounds),
		WithInputTimeout(inputTimeout),
		WithDetector(termination.New(termination.WithSentinel(sentinel))),
		WithListener(hub),
		WithMetrics(m.metrics),
	}
	if req.Selector != nil {
		opts = append(opts, WithSelector(req.Selector))
	}
	if req.Initiator != "" {
		opts = append(opts, WithInitiator(req.Initiator))
	}
	for _, l := range defaults.Listeners {
		opts = append(opts, WithListener(l))
	}
	for _, l := range req.Listeners {
		opts = append(opts, WithListener(l))
	}

	orch, err := New(req.Participants, m.provider, opts...)
	if err != nil {
		return "", fmt.Errorf("conversation: start: %w", err)
	}

	handle := Handle(uuid.New().String())
	convCtx, cancel := context.WithCancel(m.baseCtx)

	ids := make([]string, len(req.Participants))
	for i, p := range req.Participants {
		ids[i] = p.ID
	}
	mc := &managed{
		handle:       handle,
		orch:         orch,
		hub:          hub,
		cancel:       cancel,
		startedAt:    time.Now().UTC(),
		participants: ids,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", ErrManagerClosed
	}
	m.convs[handle] = mc
	// Registered under the lock so Close cannot Wait past a conversation
	// that is still being launched.
	m.group.Go(func() error {
		defer cancel()
		m.metrics.ActiveConversations.Add(convCtx, 1)
		reason, runErr := orch.Run(convCtx, req.InitialMessage)
		mc.finish(runErr)
		m.metrics.ActiveConversations.Add(context.Background(), -1)
		hub.Close()
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			slog.Error("conversation ended abnormally",
				"handle", string(handle), "reason", reason.String(), "error", runErr)
		}
		return nil
	})
	m.mu.Unlock()

	slog.Info("conversation started",
		"handle", string(handle),
		"participants", len(ids),
		"max_rounds", maxRounds,
		"sentinel", sentinel,
	)
	return handle, nil
}

// SetDefaults replaces the defaults applied to conversations started after
// the call. Zero values keep the current setting; running conversations keep
// what they started with.
func (m *Manager) SetDefaults(maxRounds int, inputTimeout time.Duration, sentinel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxRounds > 0 {
		m.defaults.MaxRounds = maxRounds
	}
	if inputTimeout > 0 {
		m.defaults.InputTimeout = inputTimeout
	}
	if sentinel != "" {
		m.defaults.Sentinel = sentinel
	}
}

// Closed reports whether Close has been called.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Cancel stops a running conversation. A pending input request resolves as a
// timeout, so a conversation canceled mid-wait finishes as
// Terminated(input_timeout); one canceled between turns finishes as
// Terminated(canceled). Messages already appended are kept. Canceling a
// finished conversation is a no-op.
func (m *Manager) Cancel(handle Handle) error {
	mc, err := m.lookup(handle)
	if err != nil {
		return err
	}
	mc.cancel()
	slog.Info("conversation cancel requested", "handle", string(handle))
	return nil
}

// Fulfill delivers out-of-band input for a conversation's pending request.
// Input arriving while no request is pending is ignored by the bridge.
func (m *Manager) Fulfill(handle Handle, text string) error {
	mc, err := m.lookup(handle)
	if err != nil {
		return err
	}
	mc.orch.Bridge().Fulfill(text)
	return nil
}

// PendingInput reports whether the conversation is waiting for input and,
// if so, the prompt shown to the operator.
func (m *Manager) PendingInput(handle Handle) (prompt string, pending bool, err error) {
	mc, err := m.lookup(handle)
	if err != nil {
		return "", false, err
	}
	prompt, pending = mc.orch.Bridge().PendingPrompt()
	return prompt, pending, nil
}

// Status returns a snapshot of one conversation, running or finished.
func (m *Manager) Status(handle Handle) (Snapshot, error) {
	mc, err := m.lookup(handle)
	if err != nil {
		return Snapshot{}, err
	}
	return m.snapshot(mc), nil
}

// Messages returns the conversation's transcript so far.
func (m *Manager) Messages(handle Handle) ([]types.Message, error) {
	mc, err := m.lookup(handle)
	if err != nil {
		return nil, err
	}
	return mc.orch.Messages(), nil
}

// Watch subscribes to a conversation's event stream. The channel closes when
// the conversation finishes or cancel is called.
func (m *Manager) Watch(handle Handle, buffer int) (<-chan types.Event, func(), error) {
	mc, err := m.lookup(handle)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := mc.hub.Subscribe(buffer)
	return ch, cancel, nil
}

// List returns snapshots of all managed conversations, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	all := make([]*managed, 0, len(m.convs))
	for _, mc := range m.convs {
		all = append(all, mc)
	}
	m.mu.Unlock()

	out := make([]Snapshot, len(all))
	for i, mc := range all {
		out[i] = m.snapshot(mc)
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

// Close cancels every conversation and waits for their loops to drain.
// Start fails afterwards; read-only methods keep working.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancelAll()
	err := m.group.Wait()
	slog.Info("conversation manager closed")
	return err
}

func (m *Manager) lookup(handle Handle) (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.convs[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, handle)
	}
	return mc, nil
}

func (m *Manager) snapshot(mc *managed) Snapshot {
	endedAt, _ := mc.ended()
	return Snapshot{
		Handle:       mc.handle,
		Status:       mc.orch.Status(),
		Reason:       mc.orch.Reason(),
		Rounds:       mc.orch.Rounds(),
		Messages:     len(mc.orch.Messages()),
		Participants: slices.Clone(mc.participants),
		StartedAt:    mc.startedAt,
		EndedAt:      endedAt,
	}
}
