package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists the backend names the server registers out of the
// box. Used by [Validate] to warn about likely typos.
var ValidBackendNames = []string{"anyllm", "openai", "script"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Conversation defaults
	if cfg.Conversation.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_rounds %d must not be negative", cfg.Conversation.MaxRounds))
	}
	if cfg.Conversation.Selector != "" && !cfg.Conversation.Selector.IsValid() {
		errs = append(errs, fmt.Errorf("conversation.selector %q is invalid; valid values: round_robin, addressed", cfg.Conversation.Selector))
	}
	if s := cfg.Conversation.Sentinel; s != "" && strings.TrimSpace(s) != s {
		slog.Warn("conversation.sentinel has surrounding whitespace; suffix matching trims messages, so it can never match",
			"sentinel", s)
	}
	if cfg.Conversation.InputTimeout < 0 {
		errs = append(errs, fmt.Errorf("conversation.input_timeout must not be negative"))
	}

	// Backends
	validateBackendName("backends.primary", cfg.Backends.Primary.Name)
	for i, fb := range cfg.Backends.Fallbacks {
		prefix := fmt.Sprintf("backends.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateBackendName(prefix, fb.Name)
	}
	if rl := cfg.Backends.RateLimit; rl != nil && rl.Burst < 0 {
		errs = append(errs, fmt.Errorf("backends.rate_limit.burst %d must not be negative", rl.Burst))
	}
	if br := cfg.Backends.Breaker; br != nil {
		if br.MaxFailures < 0 {
			errs = append(errs, fmt.Errorf("backends.breaker.max_failures %d must not be negative", br.MaxFailures))
		}
		if br.CoolDown < 0 {
			errs = append(errs, fmt.Errorf("backends.breaker.cool_down must not be negative"))
		}
	}

	// Backend entry names a participant may pin to.
	entryNames := []string{cfg.Backends.Primary.Name}
	for _, fb := range cfg.Backends.Fallbacks {
		entryNames = append(entryNames, fb.Name)
	}

	// Participant duplicate ID detection
	idsSeen := make(map[string]int, len(cfg.Participants))

	automatedCount := 0
	for i, p := range cfg.Participants {
		prefix := fmt.Sprintf("participants[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[p.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of participants[%d]", prefix, p.ID, prev))
			}
			idsSeen[p.ID] = i
		}
		if p.Kind != "" && !p.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: automated, human", prefix, p.Kind))
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, p.Temperature))
		}
		if p.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("%s.max_tokens %d must not be negative", prefix, p.MaxTokens))
		}
		if p.Provider != "" && !slices.Contains(entryNames, p.Provider) {
			slog.Warn("participant pins a provider no backend entry is configured under; turns will fail to dispatch",
				"participant", p.ID,
				"provider", p.Provider,
				"configured", entryNames,
			)
		}

		if p.Kind == KindHuman {
			if p.SystemPrompt != "" {
				slog.Warn("participant is human; system_prompt is ignored", "participant", p.ID)
			}
			if p.RequiresApproval {
				slog.Warn("participant is human; requires_approval only applies to automated drafts", "participant", p.ID)
			}
		} else {
			automatedCount++
		}
	}

	// Automated participants need a generation backend.
	if automatedCount > 0 && cfg.Backends.Primary.Name == "" {
		errs = append(errs, fmt.Errorf("participants include %d automated agent(s) but backends.primary is not configured", automatedCount))
	}
	if len(cfg.Participants) == 0 {
		slog.Warn("no participants configured; conversations must supply a roster via the gateway")
	}

	// Backend key warnings for the hosted backends.
	if name := cfg.Backends.Primary.Name; (name == "openai" || name == "anyllm") && cfg.Backends.Primary.APIKey == "" {
		slog.Warn("backends.primary has no api_key; relying on the provider's environment variables", "backend", name)
	}

	// Discord relay needs both halves.
	if d := cfg.Discord; d != nil {
		if d.BotToken == "" {
			errs = append(errs, fmt.Errorf("discord.bot_token is required when the discord block is present"))
		}
		if d.ChannelID == "" {
			errs = append(errs, fmt.Errorf("discord.channel_id is required when the discord block is present"))
		}
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not one of the
// built-in backends.
func validateBackendName(field, name string) {
	if name == "" || slices.Contains(ValidBackendNames, name) {
		return
	}
	slog.Warn("unknown backend name — may be a typo or an externally registered backend",
		"field", field,
		"name", name,
		"known", ValidBackendNames,
	)
}
