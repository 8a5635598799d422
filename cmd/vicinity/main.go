// Command vicinity runs the proximity voice server, or a headless client
// that mixes what it hears into a raw PCM stream.
//
// Usage:
//
//	vicinity [serve] -config vicinity.yaml
//	vicinity client -url ws://host:7777/ws -name scout -out mix.raw
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"github.com/MrWong99/vicinity/internal/app"
	"github.com/MrWong99/vicinity/internal/client"
	"github.com/MrWong99/vicinity/internal/config"
	"github.com/MrWong99/vicinity/internal/jitter"
	"github.com/MrWong99/vicinity/internal/observe"
	"github.com/MrWong99/vicinity/internal/world"
	"github.com/MrWong99/vicinity/pkg/audio"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && (args[0] == "serve" || args[0] == "client") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "client":
		os.Exit(runClient(args))
	default:
		os.Exit(runServe(args))
	}
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "vicinity.yaml", "path to the YAML configuration file")
	watchInterval := fs.Duration("watch", 5*time.Second, "config reload polling interval (0 disables)")
	fs.Parse(args)

	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(level))

	var (
		cfg     *config.Config
		watcher *config.Watcher
		err     error
		running atomic.Pointer[app.App]
	)
	if *watchInterval > 0 {
		watcher, err = config.NewWatcher(*configPath, func(next *config.Config, _ config.ConfigDiff) {
			a := running.Load()
			if a == nil {
				return
			}
			if err := a.ApplyConfig(next); err != nil {
				slog.Error("config reload failed", "err", err)
			}
		}, config.WithInterval(*watchInterval))
		if err == nil {
			cfg = watcher.Current()
			defer watcher.Stop()
		}
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vicinity: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vicinity: %v\n", err)
		}
		return 1
	}
	level.Set(app.SlogLevel(cfg.Server.LogLevel))

	slog.Info("vicinity starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"codec", cfg.Audio.Codec,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if watcher != nil {
		go reloadOnHangup(ctx, watcher)
	}

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	a, err := app.New(cfg,
		app.WithLogLevel(level),
		app.WithMetrics(telemetry.Metrics()),
		app.WithMetricsHandler(telemetry.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	running.Store(a)
	if watcher != nil {
		// A reload may have landed while the app was being built.
		if err := a.ApplyConfig(watcher.Current()); err != nil {
			slog.Warn("config reload failed", "err", err)
		}
	}

	printStartupSummary(cfg)
	slog.Info("server ready, press Ctrl+C to shut down")

	if err := a.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("shutdown signal received, stopping")
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func runClient(args []string) int {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:7777"+app.WebsocketPath, "server websocket URL")
	name := fs.String("name", "listener", "entity display name")
	locale := fs.String("locale", "en", "locale reported at login")
	out := fs.String("out", "-", "file receiving the mixed 48 kHz mono s16le stream (- for stdout)")
	in := fs.String("in", "", "optional 48 kHz mono s16le file to send as microphone input")
	x := fs.Float64("x", 0, "position x")
	y := fs.Float64("y", 0, "position y")
	z := fs.Float64("z", 0, "position z")
	talk := fs.Uint("talk", 1, "talk bitmask")
	listen := fs.Uint("listen", 1, "listen bitmask")
	cfgPath := fs.String("config", "", "optional config file whose audio section tunes the client")
	dspName := fs.String("dsp", config.DefaultDSP, "capture processor (none, agc, gate); overrides audio.dsp")
	prefill := fs.Int("prefill", jitter.DefaultPrefill, "jitter buffer prefill in frames; overrides audio.jitter_prefill")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(args)

	level := new(slog.LevelVar)
	if *debug {
		level.Set(slog.LevelDebug)
	}
	slog.SetDefault(newLogger(level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	audioCfg := config.AudioConfig{DSP: *dspName, JitterPrefill: *prefill}
	if *cfgPath != "" {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vicinity: %v\n", err)
			return 1
		}
		audioCfg = cfg.Audio
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "dsp":
				audioCfg.DSP = *dspName
			case "prefill":
				audioCfg.JitterPrefill = *prefill
			}
		})
	}
	ca, err := app.NewClientAudio(config.NewRegistry(), audioCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vicinity: %v\n", err)
		return 1
	}

	r := client.NewReconnector(client.ReconnectorConfig{
		URL:      *url,
		Identity: client.Identity{UserID: uuid.New(), Name: *name, Locale: *locale},
		Options:  ca.Options(),
		OnConnect: func(c *client.Client) {
			self := c.Self()
			self.SetPosition(mgl64.Vec3{*x, *y, *z})
			self.SetTalkBitmask(world.Bitmask(*talk))
			self.SetListenBitmask(world.Bitmask(*listen))
			c.Sync()
		},
	})
	defer r.Stop()
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	var w io.Writer = os.Stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			slog.Error("failed to open output", "path", *out, "err", err)
			return 1
		}
		defer f.Close()
		w = f
	}
	output := audio.NewPacedOutput(ctx, r, w)
	defer output.Close()

	if *in != "" {
		f, err := os.Open(*in)
		if err != nil {
			slog.Error("failed to open input", "path", *in, "err", err)
			return 1
		}
		defer f.Close()
		go feedCapture(ctx, f, r)
	}

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("disconnected", "url", *url, "err", err)
			return 1
		}
	case ev := <-output.Stopped():
		if ev.Err != nil {
			slog.Error("output stopped", "err", ev.Err)
			return 1
		}
	}
	return 0
}

// reloadOnHangup forces a config check on every SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			slog.Info("SIGHUP received, reloading config")
			w.Reload()
		}
	}
}

// feedCapture plays r into capture in real time, one frame per frame
// duration, until EOF or ctx is cancelled.
func feedCapture(ctx context.Context, r io.Reader, capture audio.Capture) {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()
	buf := make([]byte, audio.FrameSamples*2)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			capture.DataAvailable(audio.BytesToInt16s(buf[:n-n%2]), audio.EngineFormat)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("capture input failed", "err", err)
			}
			slog.Info("capture input finished")
			return
		}
	}
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Vicinity, startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Printf("║  Codec           : %-19s ║\n", cfg.Audio.Codec)
	fmt.Printf("║  Tick rate       : %-19s ║\n", cfg.Server.TickRate)
	fmt.Printf("║  Range           : %-19s ║\n", fmt.Sprintf("%.1f - %.1f", cfg.World.MinRange, cfg.World.MaxRange))
	if cfg.World.MaxEntities > 0 {
		fmt.Printf("║  Max entities    : %-19d ║\n", cfg.World.MaxEntities)
	} else {
		fmt.Printf("║  Max entities    : %-19s ║\n", "(unlimited)")
	}
	fmt.Printf("║  Effects         : %-19d ║\n", len(cfg.Effects))
	fmt.Printf("║  TLS             : %-19t ║\n", cfg.Server.TLS.Enabled())
	fmt.Println("╚═══════════════════════════════════════╝")
}

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
