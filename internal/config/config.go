// Package config provides the configuration schema, loader, and backend
// registry for the confab conversation server.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/confabhq/confab/pkg/types"
)

// LogLevel controls log verbosity for the confab server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the corresponding slog level. Unrecognised values map to
// info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParticipantKind selects how a participant's turns are produced.
type ParticipantKind string

const (
	// KindAutomated turns are generated by the configured backend.
	KindAutomated ParticipantKind = "automated"

	// KindHuman turns suspend the conversation until an operator replies.
	KindHuman ParticipantKind = "human"
)

// IsValid reports whether k is a recognised participant kind.
func (k ParticipantKind) IsValid() bool {
	return k == KindAutomated || k == KindHuman
}

// SelectorMode picks the speaker-selection policy for new conversations.
type SelectorMode string

const (
	// SelectRoundRobin hands turns out in roster order.
	SelectRoundRobin SelectorMode = "round_robin"

	// SelectAddressed routes to participants named in the latest message,
	// falling back to roster order.
	SelectAddressed SelectorMode = "addressed"
)

// IsValid reports whether m is a recognised selector mode.
func (m SelectorMode) IsValid() bool {
	return m == SelectRoundRobin || m == SelectAddressed
}

// Duration is a time.Duration that unmarshals from YAML strings like "90s"
// or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration structure for confab.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Backends     BackendsConfig      `yaml:"backends"`
	Conversation ConversationConfig  `yaml:"conversation"`
	Participants []ParticipantConfig `yaml:"participants"`
	Discord      *DiscordConfig      `yaml:"discord"`
}

// ServerConfig holds network and logging settings for the confab server.
type ServerConfig struct {
	// ListenAddr is the TCP address the gateway listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the TCP address for the metrics and health endpoints.
	// Empty disables that server.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// BackendsConfig declares the generation backends. Primary serves all
// automated turns; fallbacks take over, in order, when the primary's circuit
// is open or a call fails.
type BackendsConfig struct {
	Primary   BackendEntry     `yaml:"primary"`
	Fallbacks []BackendEntry   `yaml:"fallbacks"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
	Breaker   *BreakerConfig   `yaml:"breaker"`
}

// BackendEntry is the common configuration block shared by all backend
// kinds. The Name field selects the constructor in the [Registry].
type BackendEntry struct {
	// Name selects the registered backend implementation (e.g., "openai",
	// "anyllm", "script").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the backend's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default API endpoint.
	// Leave empty to use the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model is the default model for personas that do not pick their own.
	Model string `yaml:"model"`

	// Options holds backend-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// RateLimitConfig throttles outbound generation calls.
type RateLimitConfig struct {
	// RPS is the sustained request rate. Zero or negative disables the
	// limiter.
	RPS float64 `yaml:"rps"`

	// Burst is the burst allowance on top of RPS.
	Burst int `yaml:"burst"`
}

// BreakerConfig tunes the per-backend circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures int `yaml:"max_failures"`

	// CoolDown is how long an open circuit rejects calls before probing.
	CoolDown Duration `yaml:"cool_down"`

	// ProbeMax is how many probe calls the half-open state admits.
	ProbeMax int `yaml:"probe_max"`
}

// ConversationConfig holds the defaults applied to conversations that do not
// override them per request.
type ConversationConfig struct {
	// MaxRounds is the round budget. Zero picks the built-in default.
	MaxRounds int `yaml:"max_rounds"`

	// Sentinel is the termination marker checked as a suffix of each
	// message. Empty picks the built-in default.
	Sentinel string `yaml:"sentinel"`

	// InputTimeout bounds each wait for human input.
	InputTimeout Duration `yaml:"input_timeout"`

	// Selector picks the speaker-selection policy.
	Selector SelectorMode `yaml:"selector"`
}

// ParticipantConfig describes one member of the default roster.
type ParticipantConfig struct {
	// ID is the participant's unique identifier, used for attribution in
	// the transcript.
	ID string `yaml:"id"`

	// Kind selects automated or human turns. Empty means automated.
	Kind ParticipantKind `yaml:"kind"`

	// SystemPrompt is the persona description injected into the backend
	// request. Ignored for human participants.
	SystemPrompt string `yaml:"system_prompt"`

	// Provider pins this persona to a named backend entry. Empty uses the
	// primary.
	Provider string `yaml:"provider"`

	// Model overrides the backend's default model for this persona.
	Model string `yaml:"model"`

	// Temperature adjusts sampling in the range [0, 2]. 0 means provider
	// default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the reply length. 0 means provider default.
	MaxTokens int `yaml:"max_tokens"`

	// TerminatesOn is a marker suffix; after a message ending with it this
	// participant is not handed the next turn.
	TerminatesOn string `yaml:"terminates_on"`

	// RequiresApproval routes this participant's drafts through a human
	// review step before they enter the transcript.
	RequiresApproval bool `yaml:"requires_approval"`
}

// AgentKind maps the configured kind onto the runtime kind. An empty kind
// defaults to automated.
func (p ParticipantConfig) AgentKind() types.AgentKind {
	if p.Kind == KindHuman {
		return types.AgentHuman
	}
	return types.AgentAutomated
}

// Persona builds the generation persona for this participant.
func (p ParticipantConfig) Persona() types.Persona {
	return types.Persona{
		SystemPrompt: p.SystemPrompt,
		Provider:     p.Provider,
		Model:        p.Model,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
	}
}

// Descriptor builds the runtime descriptor for this participant.
func (p ParticipantConfig) Descriptor() types.AgentDescriptor {
	d := types.AgentDescriptor{
		ID:               p.ID,
		Kind:             p.AgentKind(),
		RequiresApproval: p.RequiresApproval,
		Persona:          p.Persona(),
	}
	if p.TerminatesOn != "" {
		d.TerminatesOn = types.SuffixPredicate(p.TerminatesOn)
	}
	return d
}

// DiscordConfig relays conversation events to a Discord channel. Nil
// disables the relay.
type DiscordConfig struct {
	// BotToken authenticates the bot account.
	BotToken string `yaml:"bot_token"`

	// ChannelID is the text channel that receives the relay.
	ChannelID string `yaml:"channel_id"`
}
