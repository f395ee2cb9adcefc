// Package app wires all posvoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP control surface until its context ends,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithStore, WithCapture, WithOutput). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/posvoice/internal/capture"
	"github.com/MrWong99/posvoice/internal/config"
	"github.com/MrWong99/posvoice/internal/health"
	"github.com/MrWong99/posvoice/internal/observe"
	"github.com/MrWong99/posvoice/internal/playback"
	"github.com/MrWong99/posvoice/internal/pos"
	"github.com/MrWong99/posvoice/internal/pos/postgres"
	"github.com/MrWong99/posvoice/internal/pos/suggest"
	"github.com/MrWong99/posvoice/internal/quota"
	"github.com/MrWong99/posvoice/internal/resilience"
	"github.com/MrWong99/posvoice/internal/session"
	"github.com/MrWong99/posvoice/internal/tools"
	"github.com/MrWong99/posvoice/pkg/provider/s2s"
	"github.com/MrWong99/posvoice/pkg/provider/vad"
)

// Version is reported by the MCP server and telemetry.
const Version = "1.0.0"

const (
	shutdownGrace   = 10 * time.Second
	promptTimeout   = 5 * time.Second
	readHeaderLimit = 10 * time.Second
)

// App owns all subsystem lifetimes and serves the control surface.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	provider s2s.Provider
	vad      vad.Engine
	capt     session.CaptureFactory
	output   playback.Output
	store    pos.Store
	history  session.History
	pool     *pgxpool.Pool
	metrics  *observe.Metrics
	level    *slog.LevelVar

	configPath    string
	watchInterval time.Duration
	watcher       *config.Watcher
	metricsRoute  http.Handler

	quota      *quota.Tracker
	dispatcher *tools.Dispatcher
	backOffice *tools.Dispatcher
	manager    *session.Manager
	handler    http.Handler

	// mu guards the hot-reloadable fields.
	mu         sync.RWMutex
	storeCfg   config.StoreConfig
	credential string

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects a speech-to-speech provider instead of creating one
// from the registry.
func WithProvider(p s2s.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithStore injects a POS store and history instead of connecting to
// PostgreSQL or creating in-memory ones.
func WithStore(s pos.Store, h session.History) Option {
	return func(a *App) {
		a.store = s
		a.history = h
	}
}

// WithCapture injects the capture factory instead of selecting one from
// capture.source.
func WithCapture(f session.CaptureFactory) Option {
	return func(a *App) { a.capt = f }
}

// WithOutput injects the playback output.
func WithOutput(o playback.Output) Option {
	return func(a *App) { a.output = o }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsRoute = h }
}

// WithLogLevel lets config reloads adjust the process log level.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigWatch polls path for changes to the store section and log level.
// A zero interval selects [config.DefaultWatchInterval].
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg supplies the
// provider factories; it may be nil when [WithProvider] is used.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		registry:   reg,
		storeCfg:   cfg.Store,
		credential: cfg.Providers.S2S.APIKey,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 3. Capture + playback ────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 4. Quota ─────────────────────────────────────────────────────────
	a.quota = quota.New(quota.Limits{
		TrialStart: cfg.Quota.InstallTime(time.Now()),
		TrialDays:  cfg.Quota.TrialDays,
		Daily:      time.Duration(cfg.Quota.DailyMinutes) * time.Minute,
		Premium:    cfg.Quota.Premium,
	})

	// ── 5. Tool dispatcher + session ─────────────────────────────────────
	a.initSession()

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.reload, config.WithInterval(a.watchInterval))
		if err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}

	// ── 7. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.routes()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the POS store and conversation history and seeds an
// empty inventory.
func (a *App) initStore(ctx context.Context) error {
	switch {
	case a.store != nil:
	case a.cfg.Postgres.DSN != "":
		pool, err := postgres.Open(ctx, a.cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
		a.pool = pool
		a.store = postgres.NewStore(pool)
		if a.history == nil {
			a.history = resilience.GuardHistory(postgres.NewHistory(pool),
				resilience.NewBreaker(resilience.BreakerConfig{Name: "postgres-history"}))
		}
		slog.Info("using postgres store")
	default:
		a.store = pos.NewMemStore()
	}
	if a.history == nil {
		a.history = session.NewMemoryHistory()
	}

	existing, err := a.store.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	products := pos.DefaultInventory()
	if path := a.cfg.Store.InventorySeed; path != "" {
		if products, err = pos.LoadSeed(path); err != nil {
			return err
		}
	}
	if err := pos.Seed(ctx, a.store, products); err != nil {
		return err
	}
	slog.Info("seeded inventory", "products", len(products))
	return nil
}

// initProviders builds the S2S provider and VAD engine from the registry.
func (a *App) initProviders() error {
	if a.provider == nil {
		if a.registry == nil {
			return errors.New("no provider registry")
		}
		p, err := a.registry.CreateS2S(a.cfg.Providers.S2S, a.Credential)
		if err != nil {
			return fmt.Errorf("create s2s provider %q: %w", a.cfg.Providers.S2S.Name, err)
		}
		a.provider = p
		slog.Info("provider created", "kind", "s2s", "name", a.cfg.Providers.S2S.Name)
	}

	if a.capt == nil && a.cfg.Capture.Source == config.CaptureLocal && a.registry != nil {
		v, err := a.registry.CreateVAD(a.cfg.Providers.VAD)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Debug("vad provider not registered, using built-in detector", "name", a.cfg.Providers.VAD.Name)
		case err != nil:
			return fmt.Errorf("create vad provider %q: %w", a.cfg.Providers.VAD.Name, err)
		default:
			a.vad = v
		}
	}
	return nil
}

// initAudio selects the capture source and playback output.
func (a *App) initAudio() error {
	if a.capt == nil {
		a.capt = a.captureFactory()
	}
	if a.output == nil {
		out, closeOut, err := defaultOutput()
		if err != nil {
			return err
		}
		a.output = out
		if closeOut != nil {
			a.closers = append(a.closers, closeOut)
		}
	}
	return nil
}

// captureFactory returns the per-connection capturer for capture.source.
func (a *App) captureFactory() session.CaptureFactory {
	cc := a.cfg.Capture
	switch cc.Source {
	case config.CaptureRemote:
		return func(h capture.Hooks) capture.Capturer {
			opts := []capture.RemoteOption{
				capture.WithRemoteHooks(h),
				capture.WithRemoteMetrics(a.metrics),
				capture.WithRemoteDebounce(cc.Debounce),
			}
			if cc.Gate > 0 {
				opts = append(opts, capture.WithRemoteGate(cc.Gate))
			}
			return capture.NewRemoteMic(cc.RemoteAddr, opts...)
		}
	case config.CaptureNone:
		return nil
	default:
		return func(h capture.Hooks) capture.Capturer {
			opts := []capture.Option{
				capture.WithHooks(h),
				capture.WithDebounce(cc.Debounce),
				capture.WithMetrics(a.metrics),
			}
			if a.vad != nil {
				opts = append(opts, capture.WithVAD(a.vad))
			}
			return capture.NewEngine(capture.OpenMicrophone, opts...)
		}
	}
}

// initSession builds the tool dispatchers and the session manager. The voice
// session and the MCP back office share the POS service but keep separate
// checkout drafts.
func (a *App) initSession() {
	svc := pos.NewService(a.store)
	suggester := suggest.New()
	a.dispatcher = tools.New(svc, &pos.Checkout{},
		tools.WithRole(a.role),
		tools.WithSuggester(suggester),
		tools.WithMetrics(a.metrics),
		tools.WithLog(func(level slog.Level, msg string) { a.manager.ToolLog(level, msg) }),
	)
	a.backOffice = tools.New(svc, &pos.Checkout{},
		tools.WithRole(a.role),
		tools.WithSuggester(suggester),
		tools.WithMetrics(a.metrics),
		tools.WithLog(func(level slog.Level, msg string) { slog.Log(context.Background(), level, "mcp: "+msg) }),
	)

	sc := a.cfg.Session
	a.manager = session.NewManager(session.Config{
		Provider:   a.provider,
		Credential: a.Credential,
		Capture:    a.capt,
		Output:     a.output,
		Dispatcher: a.dispatcher,
		Quota:      a.quota,
		History:    a.history,
		Prompts:    a.prompts,
		Voice:      a.cfg.Providers.S2S.Option("voice"),
		Policy: session.ReconnectPolicy{
			Base:       sc.Reconnect.Base,
			Max:        sc.Reconnect.Max,
			Factor:     sc.Reconnect.Factor,
			MaxRetries: sc.Reconnect.MaxRetries,
		},
		SilenceTimeout:  sc.SilenceTimeout,
		RestoreWindow:   sc.RestoreWindow,
		TranscriptLimit: sc.TranscriptLimit,
		Metrics:         a.metrics,
	})
	a.closers = append(a.closers, a.manager.Close)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP control surface.
func (a *App) Handler() http.Handler { return a.handler }

// Manager returns the voice session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Dispatcher returns the voice session's tool dispatcher.
func (a *App) Dispatcher() *tools.Dispatcher { return a.dispatcher }

// BackOffice returns the dispatcher behind the MCP endpoint.
func (a *App) BackOffice() *tools.Dispatcher { return a.backOffice }

// Store returns the POS store.
func (a *App) Store() pos.Store { return a.store }

// Credential returns the current provider API key.
func (a *App) Credential() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.credential
}

// SetCredential replaces the provider API key. It applies on the next connect.
func (a *App) SetCredential(key string) {
	a.mu.Lock()
	a.credential = key
	a.mu.Unlock()
}

func (a *App) role() pos.Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.storeCfg.Role
}

// prompts builds the system instruction from the current store section and
// inventory.
func (a *App) prompts() session.Prompts {
	a.mu.RLock()
	sc := a.storeCfg
	a.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), promptTimeout)
	defer cancel()
	inventory, err := a.store.ListProducts(ctx)
	if err != nil {
		slog.Warn("app: inventory snapshot unavailable", "err", err)
	}
	instruction, err := pos.Instruction(sc.Name, sc.Role, inventory, sc.Docs)
	if err != nil {
		slog.Warn("app: build instruction", "err", err)
	}
	return session.Prompts{
		Instructions: instruction,
		Greeting:     sc.SystemPrompt,
		StoreName:    sc.Name,
	}
}

// reload applies a changed config file.
func (a *App) reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.StoreChanged {
		a.mu.Lock()
		a.storeCfg = new.Store
		a.mu.Unlock()
		slog.Info("store settings reloaded; applies on next connect", "store", new.Store.Name, "role", new.Store.Role)
	}
	if len(d.Restart) > 0 {
		slog.Warn("config changes require a restart", "sections", d.Restart)
	}
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves the control surface on server.listen_addr until ctx is
// cancelled. The returned error is nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderLimit,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("control surface listening", "addr", srv.Addr)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil && tls.CertFile != "" {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// readiness returns the /readyz checkers.
func (a *App) readiness() []health.Checker {
	var checks []health.Checker
	if a.pool != nil {
		checks = append(checks, health.Checker{Name: "postgres", Check: a.pool.Ping})
	}
	checks = append(checks, health.Checker{Name: "store", Check: func(ctx context.Context) error {
		_, err := a.store.ListProducts(ctx)
		return err
	}})
	return checks
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
