package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// ReloadFunc receives a newly loaded config together with its difference to
// the previous one.
type ReloadFunc func(next *Config, d ConfigDiff)

// fingerprint identifies one version of the config file.
type fingerprint struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file. Whenever its content changes into a valid
// config that differs from the current one, the callback runs on the
// polling goroutine. Invalid edits are logged and ignored.
type Watcher struct {
	path     string
	interval time.Duration
	env      envconfig.Lookuper
	onReload ReloadFunc

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	kick     chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval (default 5s).
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithEnv replaces the process environment used for VICINITY_* overrides.
func WithEnv(env map[string]string) WatcherOption {
	return func(w *Watcher) { w.env = envconfig.MapLookuper(env) }
}

// NewWatcher loads the config at path and starts polling it.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		env:      envconfig.OsLookuper(),
		onReload: onReload,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, fp

	go w.run()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks for an immediate check that ignores the modification time,
// e.g. on SIGHUP.
func (w *Watcher) Reload() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Stop ends polling and waits for a running callback to return. Safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check(false)
		case <-w.kick:
			w.check(true)
		}
	}
}

func (w *Watcher) check(force bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watcher cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged && !force {
		return
	}

	next, fp, err := w.read()
	if err != nil {
		slog.Warn("config: watcher rejected config, keeping previous", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	same := fp.sum == w.seen.sum
	w.seen = fp
	prev := w.current
	if !same {
		w.current = next
	}
	w.mu.Unlock()
	if same {
		return
	}

	d := Diff(prev, next)
	if !d.Changed() && len(d.RestartRequired) == 0 {
		slog.Debug("config: file changed without effect", "path", w.path)
		return
	}
	slog.Info("config: reloaded",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"ranges", d.RangesChanged,
		"effects", d.EffectsChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(next, d)
	}
}

// read loads and validates the file and fingerprints the raw bytes.
func (w *Watcher) read() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := decode(bytes.NewReader(data), w.env)
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
