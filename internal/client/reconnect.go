package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/vicinity/pkg/audio"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrGaveUp is returned by [Reconnector.Run] once every retry of a
// reconnection cycle failed.
var ErrGaveUp = errors.New("client: reconnection failed after max retries")

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// URL is the websocket endpoint of the server.
	URL string

	// Identity is presented on every login.
	Identity Identity

	// Options are passed to every [Dial].
	Options []Option

	// MaxRetries is the number of failed dials in a row before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between retries. Doubles each attempt up to
	// MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait between retries. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnConnect is called with every new client before it is published, so
	// the local entity can be restored. May be nil.
	OnConnect func(*Client)
}

// Reconnector keeps a client logged in. When the connection drops it dials
// again with exponential backoff. It implements [audio.Source] and
// [audio.Capture] on behalf of whichever client is current, so output and
// input devices survive reconnects.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	cfg ReconnectorConfig

	mu sync.Mutex
	c  *Client

	done     chan struct{}
	stopOnce sync.Once
}

// NewReconnector creates a [Reconnector]. Nothing is dialled until
// [Reconnector.Run].
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Reconnector{cfg: cfg, done: make(chan struct{})}
}

// Run dials and redials until ctx is cancelled, Stop is called, a login is
// refused for good, or a reconnection cycle exhausts its retries. It returns
// nil after Stop and ctx.Err() after cancellation.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		c, err := r.connect(ctx)
		if err != nil || c == nil {
			return err
		}
		select {
		case <-ctx.Done():
			r.swap(nil)
			return ctx.Err()
		case <-r.done:
			r.swap(nil)
			return nil
		case <-c.Done():
			slog.Warn("client: connection dropped, reconnecting", "url", r.cfg.URL, "err", c.Err())
			r.swap(nil)
		}
	}
}

// connect dials with backoff and publishes the new client.
func (r *Reconnector) connect(ctx context.Context) (*Client, error) {
	backoff := r.cfg.Backoff
	var last error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			return nil, nil
		default:
		}

		c, err := Dial(ctx, r.cfg.URL, r.cfg.Identity, r.cfg.Options...)
		if err == nil {
			if r.cfg.OnConnect != nil {
				r.cfg.OnConnect(c)
			}
			if !r.swap(c) {
				c.Close()
				return nil, nil
			}
			if attempt > 1 {
				slog.Info("client: reconnected", "url", r.cfg.URL, "attempt", attempt)
			}
			return c, nil
		}
		if permanent(err) {
			return nil, err
		}
		last = err

		slog.Warn("client: connection attempt failed",
			"url", r.cfg.URL,
			"attempt", attempt,
			"max_retries", r.cfg.MaxRetries,
			"backoff", backoff,
			"err", err,
		)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-r.done:
			t.Stop()
			return nil, nil
		case <-t.C:
		}
		backoff = min(backoff*2, r.cfg.MaxBackoff)
	}
	return nil, fmt.Errorf("%w: %w", ErrGaveUp, last)
}

// permanent reports whether retrying err cannot help.
func permanent(err error) bool {
	if errors.Is(err, ErrUnknownCodec) {
		return true
	}
	return errors.Is(err, ErrLoginDenied) && !errors.Is(err, ErrTryAgainLater)
}

// swap publishes c and closes the previous client. It refuses a non-nil c
// once the reconnector stopped.
func (r *Reconnector) swap(c *Client) bool {
	r.mu.Lock()
	select {
	case <-r.done:
		if c != nil {
			r.mu.Unlock()
			return false
		}
	default:
	}
	old := r.c
	r.c = c
	r.mu.Unlock()
	if old != nil && old != c {
		old.Close()
	}
	return true
}

// Client returns the current client, or nil while disconnected.
func (r *Reconnector) Client() *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.c
}

// Read implements [audio.Source]. It mixes from the current client and
// yields silence while disconnected.
func (r *Reconnector) Read(buf []int16) (int, error) {
	c := r.Client()
	if c == nil {
		clear(buf)
		return len(buf), nil
	}
	return c.Mixer().Read(buf)
}

// DataAvailable implements [audio.Capture]. Input captured while
// disconnected is dropped.
func (r *Reconnector) DataAvailable(pcm []int16, format audio.Format) {
	if c := r.Client(); c != nil {
		c.DataAvailable(pcm, format)
	}
}

// Stop ends Run and closes the current client. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.swap(nil)
}

var (
	_ audio.Source  = (*Reconnector)(nil)
	_ audio.Capture = (*Reconnector)(nil)
)
