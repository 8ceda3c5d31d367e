// Package app wires all loreweave subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the store, the turn lock
// and the domain components, Run serves HTTP until its context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithLocker, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/loreweave/internal/config"
	"github.com/MrWong99/loreweave/internal/extract"
	"github.com/MrWong99/loreweave/internal/health"
	"github.com/MrWong99/loreweave/internal/lifecycle"
	"github.com/MrWong99/loreweave/internal/observe"
	"github.com/MrWong99/loreweave/internal/prompt"
	"github.com/MrWong99/loreweave/internal/reconcile"
	"github.com/MrWong99/loreweave/internal/server"
	"github.com/MrWong99/loreweave/internal/turn"
	"github.com/MrWong99/loreweave/internal/turnlock"
	"github.com/MrWong99/loreweave/pkg/lore"
	"github.com/MrWong99/loreweave/pkg/lore/memstore"
	"github.com/MrWong99/loreweave/pkg/lore/postgres"
	"github.com/MrWong99/loreweave/pkg/lore/sqlite"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store          lore.Store
	locker         turnlock.Locker
	redis          *redis.Client
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar

	reconciler *reconcile.Reconciler
	lifecycle  *lifecycle.Engine
	pipeline   *turn.Pipeline
	handler    http.Handler
	httpServer *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening the configured backend. The
// caller keeps ownership; Shutdown does not close it.
func WithStore(s lore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLocker injects a turn lock instead of building the configured one.
func WithLocker(l turnlock.Locker) Option {
	return func(a *App) { a.locker = l }
}

// WithMetrics records on m instead of the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h on GET /metrics, usually promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets config reloads change the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providers comes from
// [BuildProviders].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Narrator == nil {
		return nil, errors.New("app: a narrator provider is required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if a.store == nil {
		s, err := OpenStore(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("app: init store: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, func() error { s.Close(); return nil })
	}

	// ── 2. Turn lock ─────────────────────────────────────────────────────
	if err := a.initLocker(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init turn lock: %w", err)
	}

	// ── 3. Domain ────────────────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	checkers := []health.Checker{health.PingChecker("store", a.store)}
	if a.redis != nil {
		rdb := a.redis
		checkers = append(checkers, health.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	srv, err := server.New(server.Deps{
		Store:          a.store,
		Pipeline:       a.pipeline,
		Health:         health.New(checkers...),
		Metrics:        a.metrics,
		MetricsHandler: a.metricsHandler,
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init server: %w", err)
	}
	a.handler = srv

	slog.Info("app initialised",
		"store", cfg.Store.Backend,
		"lock", cfg.Lock.Backend,
		"extraction", providers.Extractor != nil,
	)
	return a, nil
}

// OpenStore opens the configured backend. SQLite and Postgres apply their
// schema on open.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (lore.Store, error) {
	switch cfg.Backend {
	case "", config.StoreMemory:
		slog.Warn("using the in-memory store; lore is lost on exit")
		return memstore.New(), nil
	case config.StoreSQLite:
		return sqlite.Open(ctx, cfg.Path)
	case config.StorePostgres:
		return postgres.New(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func (a *App) initLocker() error {
	if a.locker != nil {
		return nil
	}
	if a.cfg.Lock.Backend != config.LockRedis {
		a.locker = turnlock.NewLocal()
		return nil
	}
	rc := a.cfg.Lock.Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	l, err := turnlock.NewRedis(rdb, a.cfg.TurnLock())
	if err != nil {
		_ = rdb.Close()
		return err
	}
	a.redis = rdb
	a.locker = l
	a.closers = append(a.closers, rdb.Close)
	return nil
}

func (a *App) initPipeline() error {
	matcher, err := reconcile.NewMatcher(a.cfg.MatchingPolicies())
	if err != nil {
		return err
	}
	rules := a.cfg.LifecycleRules()
	if err := rules.Validate(); err != nil {
		return err
	}
	a.reconciler = reconcile.New(a.store, matcher, reconcile.WithMetrics(a.metrics))
	a.lifecycle = lifecycle.NewEngine(a.store, rules, lifecycle.WithMetrics(a.metrics))

	var extractor *extract.Extractor
	if a.providers.Extractor != nil {
		extractor = extract.New(a.providers.Extractor,
			extract.WithMaxTokens(a.cfg.Extraction.MaxTokens),
			extract.WithTimeout(a.cfg.Extraction.Timeout),
			extract.WithMetrics(a.metrics),
		)
	}

	a.pipeline, err = turn.New(turn.Deps{
		Store:      a.store,
		Locker:     a.locker,
		Narrator:   a.providers.Narrator,
		Extractor:  extractor,
		Reconciler: a.reconciler,
		Lifecycle:  a.lifecycle,
		Assembler:  prompt.NewAssembler(a.store, a.store),
		Metrics:    a.metrics,
	}, a.cfg.TurnConfig())
	return err
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.handler }

// Pipeline returns the turn pipeline.
func (a *App) Pipeline() *turn.Pipeline { return a.pipeline }

// Lifecycle returns the lifecycle engine.
func (a *App) Lifecycle() *lifecycle.Engine { return a.lifecycle }

// Store returns the lore store.
func (a *App) Store() lore.Store { return a.store }

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config change. It is
// meant as the [config.Watcher] callback.
func (a *App) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.NarrationChanged {
		a.pipeline.SetConfig(next.TurnConfig())
		slog.Info("narration settings reloaded")
	}
	if d.MatchingChanged {
		m, err := reconcile.NewMatcher(next.MatchingPolicies())
		if err != nil {
			// Validated on load; unreachable unless the config was built by hand.
			slog.Error("matching reload rejected", "err", err)
		} else {
			a.reconciler.SetMatcher(m)
			slog.Info("matching policies reloaded")
		}
	}
	if d.LifecycleChanged {
		a.lifecycle.SetRules(next.LifecycleRules())
		slog.Info("lifecycle rules reloaded")
	}
	a.cfg = next
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API on cfg.Server.ListenAddr and blocks until ctx is
// cancelled or the listener fails. On cancellation it returns ctx.Err();
// call Shutdown afterwards to drain in-flight requests.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.httpServer = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpServer.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains the HTTP server and tears down all subsystems in order.
// If ctx expires before all closers finish, remaining closers are skipped
// and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.httpServer != nil {
			if err := a.httpServer.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
				shutdownErr = err
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
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
