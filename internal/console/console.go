// Package console is the interactive terminal frontend for a single
// conversation.
//
// It follows The Elm Architecture: the Model holds all state, Update reacts
// to messages, and View renders the screen. Conversation events reach the
// model through a watch subscription; the operator answers input requests
// through a text field at the bottom of the screen.
package console

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/confabhq/confab/internal/conversation"
	"github.com/confabhq/confab/pkg/types"
)

// eventBuffer is the watch subscription capacity. The console drains fast,
// but a slow terminal must never stall the conversation.
const eventBuffer = 256

// eventMsg carries one conversation event into the update loop.
type eventMsg types.Event

// streamClosedMsg reports that the event subscription ended.
type streamClosedMsg struct{}

// transcriptLine is one rendered transcript entry.
type transcriptLine struct {
	speaker string
	content string
}

// Model is the console state for one conversation.
type Model struct {
	manager *conversation.Manager
	handle  conversation.Handle

	events <-chan types.Event
	stop   func()

	kinds map[string]types.AgentKind
	lines []transcriptLine
	seen  int64

	input    textinput.Model
	awaiting bool
	prompt   string

	done   bool
	status string
	reason string
	rounds int
	errMsg string

	width    int
	height   int
	quitting bool
}

var _ tea.Model = (*Model)(nil)

// New starts a conversation on mgr and returns a model watching it. The
// transcript visible so far is loaded as backlog; later events arrive
// through the subscription, deduplicated by sequence number.
func New(mgr *conversation.Manager, req conversation.StartRequest) (*Model, error) {
	handle, err := mgr.Start(req)
	if err != nil {
		return nil, fmt.Errorf("console: start conversation: %w", err)
	}

	events, stop, err := mgr.Watch(handle, eventBuffer)
	if err != nil {
		_ = mgr.Cancel(handle)
		return nil, fmt.Errorf("console: watch conversation: %w", err)
	}
	backlog, err := mgr.Messages(handle)
	if err != nil {
		stop()
		_ = mgr.Cancel(handle)
		return nil, fmt.Errorf("console: read transcript: %w", err)
	}

	input := textinput.New()
	input.Prompt = "> "
	input.Placeholder = "type your reply and press enter"

	m := &Model{
		manager: mgr,
		handle:  handle,
		events:  events,
		stop:    stop,
		kinds:   make(map[string]types.AgentKind, len(req.Participants)),
		input:   input,
	}
	for _, p := range req.Participants {
		m.kinds[p.ID] = p.Kind
	}
	for _, msg := range backlog {
		m.lines = append(m.lines, transcriptLine{speaker: msg.SpeakerID, content: msg.Content})
	}
	m.seen = int64(len(backlog))
	return m, nil
}

// Handle returns the handle of the conversation this console drives.
func (m *Model) Handle() conversation.Handle { return m.handle }

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.waitForEvent(), textinput.Blink)
}

// waitForEvent blocks on the subscription until the next event arrives.
func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(20, msg.Width-8)
		return m, nil

	case eventMsg:
		return m.handleEvent(types.Event(msg))

	case streamClosedMsg:
		if !m.done {
			m.errMsg = "event stream closed"
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m.quit()
		case "q", "esc":
			if !m.input.Focused() {
				return m.quit()
			}
		case "enter":
			if m.awaiting {
				return m.submitInput()
			}
		}
	}

	if m.awaiting {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// handleEvent folds one conversation event into the model.
func (m *Model) handleEvent(ev types.Event) (tea.Model, tea.Cmd) {
	switch ev.Kind {
	case types.EventMessage:
		// The backlog may already cover early events.
		if ev.Seq >= m.seen {
			m.lines = append(m.lines, transcriptLine{speaker: ev.SpeakerID, content: ev.Content})
			m.seen = ev.Seq + 1
		}

	case types.EventInputRequested:
		m.awaiting = true
		m.prompt = ev.Prompt
		m.input.Focus()
		return m, tea.Batch(m.waitForEvent(), textinput.Blink)

	case types.EventStatus:
		m.done = true
		m.status = ev.Status.String()
		m.reason = ev.Reason.String()
		m.awaiting = false
		m.input.Blur()
		if snap, err := m.manager.Status(m.handle); err == nil {
			m.rounds = snap.Rounds
		}
	}
	return m, m.waitForEvent()
}

// submitInput delivers the typed text to the conversation's input bridge.
func (m *Model) submitInput() (tea.Model, tea.Cmd) {
	if err := m.manager.Fulfill(m.handle, m.input.Value()); err != nil {
		m.errMsg = err.Error()
		return m, nil
	}
	m.awaiting = false
	m.prompt = ""
	m.errMsg = ""
	m.input.SetValue("")
	m.input.Blur()
	return m, nil
}

// quit cancels a still-running conversation and stops the program.
func (m *Model) quit() (tea.Model, tea.Cmd) {
	m.quitting = true
	if !m.done {
		_ = m.manager.Cancel(m.handle)
	}
	m.stop()
	return m, tea.Quit
}

// ── View ──────────────────────────────────────────────────────────────────────

// View implements tea.Model.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	width := m.width
	if width <= 0 {
		width = 100
	}

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF79C6")).
		MarginBottom(1).
		Render("CONFAB")

	sections := []string{header, m.renderTranscript(width)}

	switch {
	case m.awaiting:
		promptLine := lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F1FA8C")).
			Render(m.prompt)
		sections = append(sections, promptLine, m.input.View())
	case m.done:
		status := lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#50FA7B")).
			Render(fmt.Sprintf("conversation finished · %s (%s) · %d round(s)", m.status, m.reason, m.rounds))
		sections = append(sections, status)
	default:
		sections = append(sections, lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999")).
			Render("waiting for the next turn"))
	}

	if m.errMsg != "" {
		sections = append(sections, lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555")).
			Render("error: "+m.errMsg))
	}

	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(m.footerHint())
	sections = append(sections, footer)

	return strings.Join(sections, "\n")
}

func (m *Model) renderTranscript(width int) string {
	visible := m.lines
	maxLines := max(5, m.height-12)
	if len(visible) > maxLines {
		visible = visible[len(visible)-maxLines:]
	}

	var rows []string
	if len(visible) == 0 {
		rows = append(rows, lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999")).
			Render("no messages yet"))
	}
	for _, line := range visible {
		speaker := lipgloss.NewStyle().
			Bold(true).
			Foreground(m.speakerColor(line.speaker)).
			Render(line.speaker)
		row := lipgloss.NewStyle().
			Width(max(20, width-6)).
			Render(fmt.Sprintf("%s  %s", speaker, line.content))
		rows = append(rows, row)
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(24, width-2)).
		Render(strings.Join(rows, "\n"))
}

func (m *Model) speakerColor(id string) lipgloss.Color {
	if m.kinds[id] == types.AgentHuman {
		return lipgloss.Color("#50FA7B")
	}
	return lipgloss.Color("#8BE9FD")
}

func (m *Model) footerHint() string {
	switch {
	case m.awaiting:
		return "enter → send reply    ctrl+c → cancel & quit"
	case m.done:
		return "q → quit"
	default:
		return "ctrl+c → cancel & quit"
	}
}

// ── Program entry ─────────────────────────────────────────────────────────────

// Run starts a conversation and drives the console until the conversation
// ends and the operator quits, or ctx is canceled.
func Run(ctx context.Context, mgr *conversation.Manager, req conversation.StartRequest) error {
	m, err := New(mgr, req)
	if err != nil {
		return err
	}
	defer m.stop()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}
