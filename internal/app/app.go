// Package app wires the vicinity subsystems into a running server.
//
// The App owns the full lifecycle: New builds the world, the session server
// and the HTTP surface from a [config.Config]; Run serves until the context
// is cancelled; Shutdown tears everything down in order. Configuration
// reloads are applied with ApplyConfig. NewClientAudio carries the audio
// section of the same config to the client command.
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

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vicinity/internal/config"
	"github.com/MrWong99/vicinity/internal/health"
	"github.com/MrWong99/vicinity/internal/observe"
	"github.com/MrWong99/vicinity/internal/protocol"
	"github.com/MrWong99/vicinity/internal/server"
	"github.com/MrWong99/vicinity/internal/visibility"
	"github.com/MrWong99/vicinity/internal/world"
)

// WebsocketPath is the route clients connect to.
const WebsocketPath = "/ws"

// App owns the subsystems of one server process.
type App struct {
	cfg     *config.Config
	world   *world.World
	server  *server.Server
	http    *http.Server
	handler http.Handler

	metrics        *observe.Metrics
	level          *slog.LevelVar
	metricsHandler http.Handler
	registry       *config.Registry

	mu       sync.Mutex
	applied  *config.Config
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink (default [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets ApplyConfig change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetricsHandler serves h at the configured metrics path, typically
// [observe.Provider.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithRegistry sets the codec registry the configured codec is resolved
// against (default [config.NewRegistry]).
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// New builds the world, the session server and the HTTP routes. It fails if
// the configured codec cannot be created.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, applied: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
	}
	if _, err := a.registry.CreateCodec(cfg.Audio.Codec, cfg.Audio); err != nil {
		return nil, fmt.Errorf("app: audio: %w", err)
	}

	srvOpts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithRanges(visibility.Ranges{Min: cfg.World.MinRange, Max: cfg.World.MaxRange}),
	}
	if cfg.Server.RestrictClients {
		srvOpts = append(srvOpts, server.WithClientFields(protocol.SelfFields))
	}

	a.world = world.New(world.WithCapacity(cfg.World.MaxEntities))
	a.server = server.New(a.world, server.Config{
		TickRate:        cfg.Server.TickRate,
		LoginTimeout:    cfg.Server.LoginTimeout,
		SpeakingTimeout: cfg.Server.SpeakingTimeout,
		TickWorkers:     cfg.Server.TickWorkers,
		ReliableQueue:   cfg.Server.ReliableQueue,
		AudioQueue:      cfg.Server.AudioQueue,
		Codec:           cfg.Audio.Codec,
		Bitrate:         cfg.Audio.Bitrate,
		OriginPatterns:  cfg.Server.OriginPatterns,
	}, srvOpts...)
	if err := a.server.ReplaceEffects(cfg.Effects); err != nil {
		a.server.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(WebsocketPath, a.server)
	health.New(
		health.TickFreshness(a.server.LastTick, cfg.Observability.TickStaleAfter),
		health.Capacity(a.world.Len, cfg.World.MaxEntities),
	).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET "+cfg.Observability.MetricsPath, a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	a.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Server returns the session server.
func (a *App) Server() *server.Server { return a.server }

// World returns the entity registry.
func (a *App) World() *world.World { return a.world }

// Run listens on the configured address and drives the logic loop until ctx
// is cancelled or either fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(ctx)
	})
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls.Enabled() {
			err = a.http.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.http.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Websocket sessions are hijacked and not tracked by Shutdown; the
		// session server closes them.
		a.server.Close()
		return a.http.Shutdown(shutdownCtx)
	})

	slog.Info("app: serving", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS.Enabled())
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ApplyConfig applies the hot-reloadable differences between the running
// configuration and next: log level, world ranges and the effect chain.
// Changes that need a restart are logged.
func (a *App) ApplyConfig(next *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.applied, next)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.RangesChanged {
		a.server.SetRanges(visibility.Ranges{Min: d.NewMinRange, Max: d.NewMaxRange})
		slog.Info("app: ranges changed", "min", d.NewMinRange, "max", d.NewMaxRange)
	}
	if d.EffectsChanged {
		if err := a.server.ReplaceEffects(d.NewEffects); err != nil {
			return fmt.Errorf("app: apply config: %w", err)
		}
		slog.Info("app: effects replaced", "count", len(d.NewEffects))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: changes need a restart", "settings", d.RestartRequired)
	}
	a.applied = next
	return nil
}

// Shutdown closes the session server and the HTTP server. It is idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "sessions", a.server.Sessions())
		a.server.Close()
		err = a.http.Shutdown(ctx)
		slog.Info("app: shutdown complete")
	})
	return err
}

// SlogLevel converts a config log level to a slog level.
func SlogLevel(l config.LogLevel) slog.Level {
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
