// Package app wires all confab subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects every
// component, Run serves the gateway and metrics listeners until the context
// is canceled, and Shutdown tears everything down, conversations before the
// listeners that report on them. For testing, inject mock implementations
// via functional options before New runs its initialization steps.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/confabhq/confab/internal/config"
	"github.com/confabhq/confab/internal/conversation"
	"github.com/confabhq/confab/internal/gateway"
	"github.com/confabhq/confab/internal/health"
	"github.com/confabhq/confab/internal/notify/discord"
	"github.com/confabhq/confab/internal/observe"
	"github.com/confabhq/confab/internal/resilience"
	"github.com/confabhq/confab/internal/selector"
	"github.com/confabhq/confab/pkg/backend"
	"github.com/confabhq/confab/pkg/types"
)

// serviceName is reported in telemetry.
const serviceName = "confab"

// defaultListenAddr serves the gateway when the config leaves listen_addr
// empty.
const defaultListenAddr = ":8080"

// otelFlushTimeout bounds the final telemetry flush during shutdown.
const otelFlushTimeout = 5 * time.Second

// NamedBackend pairs a constructed generation backend with the config entry
// name it came from.
type NamedBackend struct {
	Name     string
	Provider backend.Provider
}

// Backends carries the generation backends main built from the registry.
// Primary serves automated turns; Fallbacks take over, in order, when the
// primary fails or its circuit is open.
type Backends struct {
	Primary     backend.Provider
	PrimaryName string
	Fallbacks   []NamedBackend
}

// App owns every running subsystem of the confab server.
type App struct {
	cfg        atomic.Pointer[config.Config]
	configPath string
	backends   *Backends

	provider backend.Provider
	manager  *conversation.Manager
	relay    *discord.Relay
	gateway  *gateway.Server
	checks   *health.Handler

	gatewaySrv *http.Server
	metricsSrv *http.Server
	watcher    *config.Watcher

	metrics      *observe.Metrics
	otelShutdown func(context.Context) error
	logLevel     *slog.LevelVar

	listeners []types.Listener

	closers  []func() error
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Option adjusts an App before its subsystems initialize.
type Option func(*App)

// WithBackend injects a ready generation backend, bypassing the failover and
// rate-limit chain the config would build. Intended for tests.
func WithBackend(p backend.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithListener attaches an extra event listener to every conversation.
func WithListener(l types.Listener) Option {
	return func(a *App) { a.listeners = append(a.listeners, l) }
}

// WithLogLevelVar hands the app the level var behind the process logger so
// config reloads can adjust verbosity.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithConfigPath enables hot reload by watching path for changes.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// New creates an App with all subsystems wired from cfg. backends may be nil
// when a backend is injected via [WithBackend].
func New(ctx context.Context, cfg *config.Config, backends *Backends, opts ...Option) (*App, error) {
	a := &App{backends: backends}
	a.cfg.Store(cfg)
	for _, opt := range opts {
		opt(a)
	}

	// ── 1. Observability ──
	if err := a.initObservability(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}

	// ── 2. Generation backend ──
	if err := a.initBackend(); err != nil {
		return nil, fmt.Errorf("app: init backend: %w", err)
	}

	// ── 3. Discord relay ──
	if err := a.initRelay(); err != nil {
		return nil, fmt.Errorf("app: init discord relay: %w", err)
	}

	// ── 4. Conversation manager ──
	a.initManager()

	// ── 5. HTTP surface ──
	if err := a.initHTTP(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	// ── 6. Config watcher ──
	if err := a.initWatcher(); err != nil {
		return nil, fmt.Errorf("app: init config watcher: %w", err)
	}

	// Closers run in this order during Shutdown: conversations end first so
	// the relay still sees their final events, telemetry flushes last.
	a.closers = append(a.closers, a.manager.Close, a.gateway.Close)
	if a.relay != nil {
		a.closers = append(a.closers, a.relay.Close)
	}
	a.closers = append(a.closers, func() error {
		flushCtx, cancel := context.WithTimeout(context.Background(), otelFlushTimeout)
		defer cancel()
		return a.otelShutdown(flushCtx)
	})

	return a, nil
}

// initObservability sets up the global OTel providers and the metric
// instruments every other subsystem records through.
func (a *App) initObservability(ctx context.Context) error {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: serviceName,
	})
	if err != nil {
		return err
	}
	a.otelShutdown = shutdown

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = metrics
	return nil
}

// initBackend builds the serving chain around the configured backends: a
// failover chain over primary and fallbacks, behind a mux that resolves
// persona pinning, behind the optional rate limiter. An injected backend is
// used as-is.
func (a *App) initBackend() error {
	if a.provider != nil {
		return nil
	}
	if a.backends == nil || a.backends.Primary == nil {
		return errors.New("a primary backend is required when none is injected")
	}

	cfg := a.cfg.Load()
	failover := resilience.NewFailover(a.backends.Primary, a.backends.PrimaryName, breakerConfig(cfg.Backends.Breaker))
	for _, fb := range a.backends.Fallbacks {
		failover.AddFallback(fb.Name, fb.Provider)
		slog.Info("fallback backend registered", "name", fb.Name)
	}

	// The mux resolves participants[].provider: personas that name no
	// provider (and those naming the primary entry) go through the failover
	// chain; personas pinned to a fallback entry reach it directly. The
	// first entry under a name wins, so a fallback cannot shadow the chain.
	mux := backend.NewMux()
	mux.Register(a.backends.PrimaryName, failover)
	registered := map[string]bool{a.backends.PrimaryName: true}
	for _, fb := range a.backends.Fallbacks {
		if registered[fb.Name] {
			continue
		}
		registered[fb.Name] = true
		mux.Register(fb.Name, fb.Provider)
	}
	a.provider = mux

	if rl := cfg.Backends.RateLimit; rl != nil && rl.RPS > 0 {
		a.provider = resilience.NewLimiter(a.provider, "backends", rl.RPS, rl.Burst)
		slog.Info("backend rate limit enabled", "rps", rl.RPS, "burst", rl.Burst)
	}
	return nil
}

// initRelay connects the Discord relay when the config carries a discord
// block.
func (a *App) initRelay() error {
	cfg := a.cfg.Load()
	if cfg.Discord == nil {
		return nil
	}
	relay, err := discord.New(discord.Config{
		Token:     cfg.Discord.BotToken,
		ChannelID: cfg.Discord.ChannelID,
	})
	if err != nil {
		return err
	}
	a.relay = relay
	a.listeners = append(a.listeners, relay)
	slog.Info("discord relay enabled", "channel", cfg.Discord.ChannelID)
	return nil
}

func (a *App) initManager() {
	cfg := a.cfg.Load()
	a.manager = conversation.NewManager(conversation.ManagerConfig{
		Backend:      a.provider,
		MaxRounds:    cfg.Conversation.MaxRounds,
		InputTimeout: cfg.Conversation.InputTimeout.Std(),
		Sentinel:     cfg.Conversation.Sentinel,
		Listeners:    a.listeners,
		Metrics:      a.metrics,
	})
}

// initHTTP builds the gateway server and, when configured, the separate
// metrics server. Health endpoints register on both.
func (a *App) initHTTP() error {
	gw, err := gateway.New(gateway.Config{
		Manager:         a.manager,
		DefaultRoster:   a.defaultRoster,
		DefaultSelector: a.defaultSelector,
	})
	if err != nil {
		return err
	}
	a.gateway = gw

	a.checks = health.New()
	a.checks.Add("manager", func(context.Context) error {
		if a.manager.Closed() {
			return errors.New("manager closed")
		}
		return nil
	})
	if path := a.configPath; path != "" {
		a.checks.Add("config", func(context.Context) error {
			_, err := os.Stat(path)
			return err
		})
	}

	mux := http.NewServeMux()
	gw.Register(mux)
	a.checks.Register(mux)

	addr := a.cfg.Load().Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	// No write timeout: the gateway holds long-lived WebSocket streams.
	a.gatewaySrv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if metricsAddr := a.cfg.Load().Server.MetricsAddr; metricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		a.checks.Register(metricsMux)
		a.metricsSrv = &http.Server{
			Addr:         metricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
	}
	return nil
}

func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.configPath, a.applyConfig)
	if err != nil {
		return err
	}
	a.watcher = w
	slog.Info("config watcher started", "path", a.configPath)
	return nil
}

// Run starts the HTTP listeners and blocks until ctx is canceled or a
// listener fails.
func (a *App) Run(ctx context.Context) error {
	serveErr := make(chan error, 2)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		slog.Info("gateway listening", "addr", a.gatewaySrv.Addr)
		if err := a.gatewaySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("app: gateway server: %w", err)
		}
	}()

	if a.metricsSrv != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			slog.Info("metrics listening", "addr", a.metricsSrv.Addr)
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("app: metrics server: %w", err)
			}
		}()
	}

	slog.Info("app running")
	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager exposes the conversation manager for frontends that drive it
// directly.
func (a *App) Manager() *conversation.Manager {
	return a.manager
}

// ConsoleRequest builds a start request for an interactive console session
// from the configured roster and selector. The seed message is attributed to
// the first human participant, who the console operator speaks for.
func (a *App) ConsoleRequest(initialMessage string) conversation.StartRequest {
	roster := a.defaultRoster()
	req := conversation.StartRequest{
		Participants:   roster,
		InitialMessage: initialMessage,
		Selector:       a.defaultSelector(),
	}
	for _, d := range roster {
		if d.Kind == types.AgentHuman {
			req.Initiator = d.ID
			break
		}
	}
	return req
}

// Shutdown stops the listeners and tears down every subsystem. Safe to call
// more than once; only the first call does the work.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.watcher != nil {
			a.watcher.Stop()
		}
		for _, srv := range []*http.Server{a.gatewaySrv, a.metricsSrv} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("server shutdown error", "addr", srv.Addr, "error", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		a.wg.Wait()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// applyConfig reacts to a config file change picked up by the watcher.
func (a *App) applyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	a.cfg.Store(next)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ConversationChanged {
		c := next.Conversation
		a.manager.SetDefaults(c.MaxRounds, c.InputTimeout.Std(), c.Sentinel)
		slog.Info("conversation defaults updated", "max_rounds", c.MaxRounds, "sentinel", c.Sentinel)
	}
	if d.ParticipantsChanged {
		slog.Info("default roster updated", "participants", len(next.Participants))
	}
}

// defaultRoster snapshots the configured participants. Reading through the
// atomic pointer means a reloaded roster takes effect on the next start.
func (a *App) defaultRoster() []types.AgentDescriptor {
	participants := a.cfg.Load().Participants
	roster := make([]types.AgentDescriptor, len(participants))
	for i, p := range participants {
		roster[i] = p.Descriptor()
	}
	return roster
}

func (a *App) defaultSelector() selector.Selector {
	if a.cfg.Load().Conversation.Selector == config.SelectAddressed {
		return selector.NewAddressed(selector.NewRoundRobin())
	}
	return selector.NewRoundRobin()
}

// breakerConfig converts the YAML breaker block into the resilience package
// config. A nil block keeps the package defaults.
func breakerConfig(bc *config.BreakerConfig) resilience.BreakerConfig {
	if bc == nil {
		return resilience.BreakerConfig{}
	}
	return resilience.BreakerConfig{
		MaxFailures: bc.MaxFailures,
		CoolDown:    bc.CoolDown.Std(),
		ProbeMax:    bc.ProbeMax,
	}
}
