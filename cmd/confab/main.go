// Command confab runs the multi-agent conversation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/confabhq/confab/internal/app"
	"github.com/confabhq/confab/internal/config"
	"github.com/confabhq/confab/internal/console"
	"github.com/confabhq/confab/pkg/backend"
	"github.com/confabhq/confab/pkg/backend/anyllm"
	"github.com/confabhq/confab/pkg/backend/openai"
	"github.com/confabhq/confab/pkg/backend/script"
)

// version is stamped by the release build.
var version = "0.1.0-dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	consoleMode := flag.Bool("console", false, "drive one conversation from an interactive console instead of serving")
	demoMode := flag.Bool("demo", false, "run a scripted console conversation without a config file")
	seed := flag.String("message", "Hello team, let's get started.", "seed message for -console and -demo")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		cfg *config.Config
		err error
	)
	if *demoMode {
		cfg = demoConfig()
		*consoleMode = true
	} else {
		cfg, err = config.Load(*configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "confab: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "confab: %v\n", err)
			}
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The console owns the terminal in console mode, so logs are muted there.
	logOut := io.Writer(os.Stderr)
	if *consoleMode {
		logOut = io.Discard
	}
	logger, logLevel := newLogger(cfg.Server.LogLevel, logOut)
	slog.SetDefault(logger)

	slog.Info("confab starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	backends, err := buildBackends(cfg, reg)
	if err != nil {
		slog.Error("failed to build backends", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Application ───────────────────────────────────────────────────────────
	appOpts := []app.Option{app.WithLogLevelVar(logLevel)}
	if !*demoMode {
		appOpts = append(appOpts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(ctx, cfg, backends, appOpts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	exitCode := 0
	if *consoleMode {
		if err := console.Run(ctx, application.Manager(), application.ConsoleRequest(*seed)); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "confab: %v\n", err)
			exitCode = 1
		}
	} else {
		printStartupSummary(cfg, backends)
		slog.Info("server ready, press Ctrl+C to shut down")
		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
			exitCode = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exitCode
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the backend factories that ship with confab
// into reg.
func registerBuiltinBackends(reg *config.Registry) {
	// openai talks to the OpenAI API directly.
	reg.Register("openai", func(entry config.BackendEntry) (backend.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// anyllm reaches every upstream any-llm-go supports; the upstream name
	// lives in options.provider and defaults to openai.
	reg.Register("anyllm", func(entry config.BackendEntry) (backend.Provider, error) {
		providerName := optString(entry.Options, "provider")
		if providerName == "" {
			providerName = "openai"
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(providerName, entry.Model, opts...)
	})

	// script replays canned replies: options.replies maps agent IDs to reply
	// lists, options.fallback covers agents without a script.
	reg.Register("script", func(entry config.BackendEntry) (backend.Provider, error) {
		var opts []script.Option
		if fb := optString(entry.Options, "fallback"); fb != "" {
			opts = append(opts, script.WithFallback(fb))
		}
		p := script.New(opts...)
		addScriptedReplies(p, entry.Options)
		return p, nil
	})

	for _, name := range config.ValidBackendNames {
		slog.Debug("registered backend", "name", name)
	}
}

// addScriptedReplies loads options.replies into p.
func addScriptedReplies(p *script.Provider, opts map[string]any) {
	replies, ok := opts["replies"].(map[string]any)
	if !ok {
		return
	}
	for agentID, v := range replies {
		list, ok := v.([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			if s, ok := item.(string); ok {
				p.Add(agentID, s)
			}
		}
	}
}

// buildBackends instantiates the configured backends through the registry.
// The primary is required; unregistered fallbacks are skipped with a warning.
func buildBackends(cfg *config.Config, reg *config.Registry) (*app.Backends, error) {
	primary, err := reg.Create(cfg.Backends.Primary)
	if err != nil {
		return nil, fmt.Errorf("create primary backend %q: %w", cfg.Backends.Primary.Name, err)
	}
	slog.Info("backend created", "role", "primary", "name", cfg.Backends.Primary.Name)

	backends := &app.Backends{Primary: primary, PrimaryName: cfg.Backends.Primary.Name}
	for _, entry := range cfg.Backends.Fallbacks {
		p, err := reg.Create(entry)
		if err != nil {
			if errors.Is(err, config.ErrBackendNotRegistered) {
				slog.Warn("skipping unregistered fallback backend", "name", entry.Name)
				continue
			}
			return nil, fmt.Errorf("create fallback backend %q: %w", entry.Name, err)
		}
		backends.Fallbacks = append(backends.Fallbacks, app.NamedBackend{Name: entry.Name, Provider: p})
		slog.Info("backend created", "role", "fallback", "name", entry.Name)
	}
	return backends, nil
}

// ── Demo setup ────────────────────────────────────────────────────────────────

// demoConfig is a self-contained scripted setup for -demo runs: two automated
// participants, a human moderator, and no network use.
func demoConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn},
		Backends: config.BackendsConfig{
			Primary: config.BackendEntry{
				Name: "script",
				Options: map[string]any{
					"fallback": "Nothing further from me.",
					"replies": map[string]any{
						"alice": []any{
							"Kicking off: the rollout needs an owner and a date.",
							"Thursday works. I will own the rollout checklist.",
						},
						"bob": []any{
							"I can cover the deploy. @alice can you own the checklist?",
							"Then we are set. TERMINATE",
						},
					},
				},
			},
		},
		Conversation: config.ConversationConfig{
			MaxRounds: 8,
			Selector:  config.SelectRoundRobin,
		},
		Participants: []config.ParticipantConfig{
			{ID: "moderator", Kind: config.KindHuman},
			{ID: "alice", SystemPrompt: "A pragmatic project lead."},
			{ID: "bob", SystemPrompt: "A careful release engineer."},
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, backends *app.Backends) {
	listen := cfg.Server.ListenAddr
	if listen == "" {
		listen = ":8080"
	}
	metrics := cfg.Server.MetricsAddr
	if metrics == "" {
		metrics = "(disabled)"
	}
	primary := backends.PrimaryName
	if model := cfg.Backends.Primary.Model; model != "" {
		primary = primary + " / " + model
	}
	names := make([]string, 0, len(backends.Fallbacks))
	for _, fb := range backends.Fallbacks {
		names = append(names, fb.Name)
	}
	fallbacks := strings.Join(names, ", ")
	sel := string(cfg.Conversation.Selector)
	if sel == "" {
		sel = string(config.SelectRoundRobin)
	}
	discord := "(disabled)"
	if cfg.Discord != nil {
		discord = "enabled"
	}

	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Printf("║  confab %-30s ║\n", version)
	fmt.Println("╠════════════════════════════════════════╣")
	printRow("Gateway", listen)
	printRow("Metrics", metrics)
	printRow("Primary", primary)
	printRow("Fallbacks", fallbacks)
	printRow("Participants", fmt.Sprintf("%d", len(cfg.Participants)))
	printRow("Selector", sel)
	printRow("Discord", discord)
	fmt.Println("╚════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(none)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar feeds config hot
// reload, which adjusts verbosity without a restart.
func newLogger(level config.LogLevel, out io.Writer) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(level.Slog())
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})), lvl
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string from a backend Options map. Returns "" if the
// map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
