// Package discord relays conversation traffic to a Discord channel. The
// relay is an event listener: appended messages are posted as they happen,
// and the final status is posted as an embed when the conversation ends.
// It talks to the Discord REST API only and never opens a gateway
// connection.
package discord

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/confabhq/confab/pkg/types"
)

// Config holds Discord relay configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// ChannelID is the channel that receives relayed messages.
	ChannelID string `yaml:"channel_id"`
}

// relayBuffer is the number of events the relay queues before dropping.
const relayBuffer = 64

// maxContentLen is the Discord message length limit in characters.
const maxContentLen = 2000

// embedColorGreen is the embed sidebar color for a conversation that ended
// on its termination marker.
const embedColorGreen = 0x2ECC71

// embedColorRed is the embed sidebar color for every other ending.
const embedColorRed = 0xE74C3C

// sender is the slice of the Discord session API the relay posts through.
type sender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Relay posts conversation events to a single Discord channel. Events are
// queued and posted from a background goroutine; when the queue is full the
// event is dropped with a warning.
type Relay struct {
	sender    sender
	session   *discordgo.Session // owned when created via New; nil in tests
	channelID string

	events    chan types.Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ types.Listener = (*Relay)(nil)

// New creates a Relay with its own Discord session.
func New(cfg Config) (*Relay, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	if cfg.ChannelID == "" {
		return nil, errors.New("discord: channel id is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	r := newRelay(session, cfg.ChannelID, relayBuffer)
	r.session = session
	return r, nil
}

func newRelay(s sender, channelID string, buffer int) *Relay {
	r := &Relay{
		sender:    s,
		channelID: channelID,
		events:    make(chan types.Event, buffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.loop()
	return r
}

// Notify implements types.Listener. It never blocks: the event is queued
// for the posting goroutine, or dropped when the queue is full.
func (r *Relay) Notify(ev types.Event) {
	select {
	case r.events <- ev:
	default:
		slog.Warn("discord relay queue full, dropping event", "kind", ev.Kind.String())
	}
}

// Close stops the relay after posting the events already queued, then
// closes the underlying session when the relay owns one.
func (r *Relay) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.done

		if r.session != nil {
			if err := r.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}
		slog.Info("discord relay closed")
	})
	return closeErr
}

// loop posts queued events until Close is called, then drains the queue.
func (r *Relay) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			r.drain()
			return
		case ev := <-r.events:
			r.post(ev)
		}
	}
}

// drain posts whatever is still queued without waiting for more.
func (r *Relay) drain() {
	for {
		select {
		case ev := <-r.events:
			r.post(ev)
		default:
			return
		}
	}
}

// post sends one event to the channel. Input requests are not relayed; they
// only concern the frontend that owns the conversation.
func (r *Relay) post(ev types.Event) {
	switch ev.Kind {
	case types.EventMessage:
		if _, err := r.sender.ChannelMessageSend(r.channelID, formatMessage(ev)); err != nil {
			slog.Warn("discord: failed to relay message", "seq", ev.Seq, "err", err)
		}
	case types.EventStatus:
		if _, err := r.sender.ChannelMessageSendEmbed(r.channelID, buildStatusEmbed(ev)); err != nil {
			slog.Warn("discord: failed to relay status", "err", err)
		}
	}
}

// formatMessage renders a transcript message as Discord markdown.
func formatMessage(ev types.Event) string {
	return truncate(fmt.Sprintf("**%s**: %s", ev.SpeakerID, ev.Content))
}

// buildStatusEmbed creates the final embed for a finished conversation.
func buildStatusEmbed(ev types.Event) *discordgo.MessageEmbed {
	color := embedColorRed
	if ev.Reason == types.ReasonMarker {
		color = embedColorGreen
	}
	return &discordgo.MessageEmbed{
		Title: "Conversation ended",
		Color: color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Status", Value: ev.Status.String(), Inline: true},
			{Name: "Reason", Value: ev.Reason.String(), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: "confab",
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// truncate shortens s to the Discord message length limit. The limit counts
// characters, not bytes.
func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxContentLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxContentLen-1]) + "…"
}
