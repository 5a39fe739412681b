// Package app wires all Auralis subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithSynthesizer, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/auralis-ai/auralis/internal/audiobus"
	"github.com/auralis-ai/auralis/internal/clock"
	"github.com/auralis-ai/auralis/internal/config"
	"github.com/auralis-ai/auralis/internal/harness"
	"github.com/auralis-ai/auralis/internal/harness/storage"
	"github.com/auralis-ai/auralis/internal/health"
	"github.com/auralis-ai/auralis/internal/idle"
	"github.com/auralis-ai/auralis/internal/observe"
	"github.com/auralis-ai/auralis/internal/segcache"
	"github.com/auralis-ai/auralis/internal/session"
)

// shutdownTimeout bounds the HTTP server drain during Shutdown.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	clk     clock.Clock
	metrics *observe.Metrics

	idleMgr      *idle.Manager
	sessions     session.Store
	synth        segcache.Synthesizer
	cache        segcache.Cache
	bus          *audiobus.Bus
	store        harness.Store
	orchestrator *harness.Orchestrator
	server       *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a harness store instead of creating one from config.
func WithStore(s harness.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSessionStore injects a session store.
func WithSessionStore(s session.Store) Option {
	return func(a *App) { a.sessions = s }
}

// WithSynthesizer injects the TTS synthesizer backing the segment cache.
func WithSynthesizer(s segcache.Synthesizer) Option {
	return func(a *App) { a.synth = s }
}

// WithCache injects a segment cache instead of creating a file cache.
func WithCache(c segcache.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithClock substitutes the time source.
func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clk = clk }
}

// WithMetrics injects the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: idle manager, session store, segment cache, audio bus,
// harness storage, orchestrator, and the HTTP server.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{
		cfg: cfg,
		log: log,
		clk: clock.System{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initIdle(); err != nil {
		return nil, fmt.Errorf("app: init idle manager: %w", err)
	}
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}
	if err := a.initHarness(ctx); err != nil {
		return nil, fmt.Errorf("app: init harness: %w", err)
	}
	a.initHTTP()

	return a, nil
}

// initIdle builds the idle manager from config and starts its monitor.
func (a *App) initIdle() error {
	opts := []idle.Option{
		idle.WithClock(a.clk),
		idle.WithLogger(a.log),
	}
	if a.cfg.Idle.TickSeconds > 0 {
		opts = append(opts, idle.WithTickInterval(time.Duration(a.cfg.Idle.TickSeconds)*time.Second))
	}
	if a.cfg.Idle.ProfilesPath != "" {
		opts = append(opts, idle.WithProfileStore(idle.NewFileProfileStore(a.cfg.Idle.ProfilesPath)))
	}

	mgr, err := idle.New(opts...)
	if err != nil {
		return err
	}
	if mode := a.cfg.Idle.Mode; mode != "" {
		if err := mgr.SetMode(mode); err != nil {
			return fmt.Errorf("applying idle mode %q: %w", mode, err)
		}
	}
	if t := a.cfg.Idle.Thresholds; t != nil {
		patch := idle.ThresholdPatch{
			Warm: &t.Warm, Cool: &t.Cool, Cold: &t.Cold, Dormant: &t.Dormant,
		}
		if err := mgr.SetThresholds(patch); err != nil {
			return fmt.Errorf("applying idle thresholds: %w", err)
		}
	}
	mgr.OnTransition(func(t idle.Transition) {
		a.metrics.RecordIdleTransition(context.Background(), t.To.String(), t.Trigger)
	})

	mgr.Start()
	a.idleMgr = mgr
	a.closers = append(a.closers, func() error {
		mgr.Stop()
		return nil
	})
	return nil
}

// initAudio builds the session store, segment cache, and audio bus.
func (a *App) initAudio() error {
	if a.sessions == nil {
		a.sessions = session.NewMemStore(a.clk)
	}
	if a.synth == nil {
		a.synth = &segcache.StaticSynthesizer{SampleRate: a.cfg.Audio.SampleRate}
	}
	if a.cache == nil {
		dir := a.cfg.Audio.CacheDir
		if dir == "" {
			dir = "segcache"
		}
		cache, err := segcache.NewFileCache(dir, a.synth, a.clk, a.log)
		if err != nil {
			return err
		}
		a.cache = cache
	}

	busOpts := []audiobus.Option{
		audiobus.WithActivityRecorder(a.idleMgr),
		audiobus.WithLogger(a.log),
		audiobus.WithClock(a.clk),
		audiobus.WithMetrics(a.metrics),
	}
	if a.cfg.Audio.PrefetchCount > 0 {
		busOpts = append(busOpts, audiobus.WithPrefetchCount(a.cfg.Audio.PrefetchCount))
	}
	a.bus = audiobus.New(a.sessions, a.cache, busOpts...)
	return nil
}

// initHarness builds the storage backend and the orchestrator, registers
// the builtin suites, and registers configured mock clients.
func (a *App) initHarness(ctx context.Context) error {
	if a.store == nil {
		store, err := a.buildStore(ctx)
		if err != nil {
			return err
		}
		a.store = store
	}

	ocfg := harness.OrchestratorConfig{
		UnitTimeout: a.cfg.Harness.UnitTimeout(),
		MaxRetries:  a.cfg.Harness.MaxRetries,
		RunTimeout:  a.cfg.Harness.RunTimeout(),
	}
	a.orchestrator = harness.NewOrchestrator(a.store,
		harness.WithConfig(ocfg),
		harness.WithClock(a.clk),
		harness.WithLogger(a.log),
		harness.WithMetrics(a.metrics),
	)

	for _, suite := range []harness.TestSuiteDefinition{
		harness.QuickValidationSuite(),
		harness.ProviderComparisonSuite(),
	} {
		if err := a.orchestrator.RegisterSuite(ctx, suite); err != nil {
			return fmt.Errorf("registering suite %s: %w", suite.ID, err)
		}
	}

	for _, mc := range a.cfg.Harness.MockClients {
		client := harness.NewMockClient(mc.ID, mc.MeanMS, mc.StdDevMS, time.Now().UnixNano())
		a.orchestrator.RegisterClient(client)
	}
	return nil
}

// buildStore creates the configured persistence backend.
func (a *App) buildStore(ctx context.Context) (harness.Store, error) {
	switch a.cfg.Storage.Backend {
	case config.StoragePostgres:
		pool, err := pgxpool.New(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := storage.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		return storage.NewPostgresStore(pool), nil

	case config.StorageFile, "":
		dir := a.cfg.Storage.DataDir
		if dir == "" {
			dir = "data"
		}
		return storage.NewFileStore(dir, a.log)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

// initHTTP assembles the mux and the server.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/ws/audio", a.bus)
	mux.Handle("GET /metrics", promhttp.Handler())

	h := health.New(
		health.Checker{Name: "storage", Check: func(ctx context.Context) error {
			_, err := a.store.ListSuites(ctx)
			return err
		}},
		health.Checker{Name: "idle_monitor", Check: func(context.Context) error {
			if !a.idleMgr.Status().Running {
				return fmt.Errorf("monitor not running")
			}
			return nil
		}},
		// Taking the registry snapshot proves the bus lock is not stuck.
		health.Checker{Name: "audio_bus", Check: func(context.Context) error {
			_ = a.bus.Connected()
			return nil
		}},
	)
	h.Register(mux)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.server = &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
}

// Bus returns the audio bus, for callers that publish topic segments.
func (a *App) Bus() *audiobus.Bus { return a.bus }

// Orchestrator returns the latency test orchestrator.
func (a *App) Orchestrator() *harness.Orchestrator { return a.orchestrator }

// IdleManager returns the idle state manager.
func (a *App) IdleManager() *idle.Manager { return a.idleMgr }

// Run serves HTTP until ctx is cancelled, then drains and shuts down.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server listening", "addr", a.server.Addr)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown drains the HTTP server and tears down all subsystems in order.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		dctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(dctx); err != nil {
			a.log.Warn("http server shutdown", "err", err)
			shutdownErr = err
		}

		for _, id := range a.bus.Connected() {
			a.bus.Close(id)
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
