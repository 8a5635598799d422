// Package client connects to a vicinity server and turns its packets into
// local audio. It mirrors the entities the server reports, runs one jitter
// pipeline per audible speaker, mixes them for the local listener and sends
// captured microphone audio back.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/vicinity/internal/effect"
	"github.com/MrWong99/vicinity/internal/jitter"
	"github.com/MrWong99/vicinity/internal/mix"
	"github.com/MrWong99/vicinity/internal/observe"
	"github.com/MrWong99/vicinity/internal/protocol"
	"github.com/MrWong99/vicinity/internal/visibility"
	"github.com/MrWong99/vicinity/internal/world"
	"github.com/MrWong99/vicinity/pkg/audio"
	"github.com/MrWong99/vicinity/pkg/audio/codec"
	"github.com/MrWong99/vicinity/pkg/audio/dsp"
)

var (
	// ErrLoginDenied is returned by [Dial] when the server refuses the login.
	ErrLoginDenied = errors.New("client: login denied")
	// ErrTryAgainLater wraps [ErrLoginDenied] when the server is full.
	ErrTryAgainLater = errors.New("client: server full, try again later")
	// ErrUnknownCodec is returned when the server announces a codec the
	// client cannot resolve.
	ErrUnknownCodec = errors.New("client: unknown codec")
)

// Identity is what the client presents at login.
type Identity struct {
	UserID uuid.UUID
	Name   string
	Locale string
}

// CodecResolver maps the codec name and bitrate announced by the server to a
// codec. A zero bitrate leaves the choice to the resolver.
type CodecResolver func(name string, bitrate int) (codec.Codec, error)

// BuiltinCodecs resolves the codecs shipped with vicinity.
func BuiltinCodecs(name string, bitrate int) (codec.Codec, error) {
	switch name {
	case "opus":
		return codec.Opus{Bitrate: bitrate}, nil
	case "pcm":
		return codec.PCM{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// Option configures a [Client].
type Option func(*Client)

// WithCodecResolver overrides codec lookup (default [BuiltinCodecs]).
func WithCodecResolver(r CodecResolver) Option {
	return func(c *Client) { c.resolve = r }
}

// WithDSP sets the capture processor (default [dsp.None]).
func WithDSP(p dsp.Processor) Option {
	return func(c *Client) { c.dsp = p }
}

// WithJitterOptions passes options to every speaker pipeline.
func WithJitterOptions(opts ...jitter.Option) Option {
	return func(c *Client) { c.jitterOpts = append(c.jitterOpts, opts...) }
}

// WithMixOptions passes options to the mix engine.
func WithMixOptions(opts ...mix.Option) Option {
	return func(c *Client) { c.mixOpts = append(c.mixOpts, opts...) }
}

// WithSyncInterval sets how often local entity changes are sent (default
// 50 ms).
func WithSyncInterval(d time.Duration) Option {
	return func(c *Client) { c.syncInterval = d }
}

// WithSpeakingTimeout sets how long a mirrored speaker stays marked as
// speaking after its last decoded frame (default 500 ms).
func WithSpeakingTimeout(d time.Duration) Option {
	return func(c *Client) { c.speakingTimeout = d }
}

// WithQueueSizes sets the outbound queue lengths in packets.
func WithQueueSizes(reliable, audio int) Option {
	return func(c *Client) { c.reliableSize, c.audioSize = reliable, audio }
}

// WithMetrics sets the metrics sink (default [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is a logged-in connection to a server.
type Client struct {
	conn    *websocket.Conn
	world   *world.World
	self    *world.Entity
	binding *world.Binding
	effects *effect.Chain
	mixer   *mix.Engine
	codec   codec.Codec
	enc     codec.Encoder
	ranges  atomic.Pointer[visibility.Ranges]

	resolve         CodecResolver
	dsp             dsp.Processor
	jitterOpts      []jitter.Option
	mixOpts         []mix.Option
	syncInterval    time.Duration
	speakingTimeout time.Duration
	reliableSize    int
	audioSize       int
	metrics         *observe.Metrics

	mu        sync.RWMutex
	pipelines map[int]*jitter.Pipeline

	captureMu sync.Mutex
	pending   []int16
	conv      audio.FormatConverter
	ts        uint32

	reliable chan []byte
	audio    chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	err       atomic.Pointer[error]
	closeOnce sync.Once
}

// Dial connects to the websocket endpoint at url and logs in. The returned
// client runs until ctx is cancelled, the server disconnects or Close is
// called.
func Dial(ctx context.Context, url string, id Identity, opts ...Option) (*Client, error) {
	c := &Client{
		resolve:         BuiltinCodecs,
		dsp:             dsp.None{},
		syncInterval:    50 * time.Millisecond,
		speakingTimeout: 500 * time.Millisecond,
		reliableSize:    64,
		audioSize:       32,
		pipelines:       make(map[int]*jitter.Pipeline),
		conv:            audio.FormatConverter{Target: audio.EngineFormat},
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	conn.SetReadLimit(protocol.MaxPacketSize)
	c.conn = conn

	acc, err := c.login(ctx, id)
	if err != nil {
		conn.CloseNow()
		return nil, err
	}
	if err := c.setup(id, acc); err != nil {
		conn.Close(websocket.StatusInternalError, "client setup failed")
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.writeLoop()
	go c.syncLoop()
	go c.readLoop()
	context.AfterFunc(c.ctx, func() { c.Close() })
	slog.Info("client: logged in", "entity", acc.EntityID, "codec", acc.Codec, "bitrate", acc.Bitrate)
	return c, nil
}

func (c *Client) login(ctx context.Context, id Identity) (*protocol.LoginAccepted, error) {
	b, err := protocol.Encode(&protocol.Login{
		Version: protocol.Version,
		UserID:  id.UserID,
		Name:    id.Name,
		Locale:  id.Locale,
	})
	if err != nil {
		return nil, fmt.Errorf("client: encode login: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageBinary, b); err != nil {
		return nil, fmt.Errorf("client: send login: %w", err)
	}
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: read login response: %w", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("client: login response: %w", err)
	}
	switch m := msg.(type) {
	case *protocol.LoginAccepted:
		return m, nil
	case *protocol.LoginDenied:
		if m.RetryLater {
			return nil, fmt.Errorf("%w: %w: %s", ErrLoginDenied, ErrTryAgainLater, m.Reason)
		}
		return nil, fmt.Errorf("%w: %s", ErrLoginDenied, m.Reason)
	default:
		return nil, fmt.Errorf("client: unexpected login response %s", msg.Type())
	}
}

// setup builds the local mirror from the login response.
func (c *Client) setup(id Identity, acc *protocol.LoginAccepted) error {
	cd, err := c.resolve(acc.Codec, acc.Bitrate)
	if err != nil {
		return err
	}
	enc, err := cd.NewEncoder()
	if err != nil {
		return fmt.Errorf("client: create encoder: %w", err)
	}
	if err := c.dsp.Init(audio.EngineFormat, audio.EngineFormat); err != nil {
		return fmt.Errorf("client: init dsp: %w", err)
	}
	c.codec, c.enc = cd, enc

	c.world = world.New()
	c.self = c.world.NewEntity(acc.EntityID, id.Name)
	if err := c.world.AddEntity(c.self); err != nil {
		return fmt.Errorf("client: add self: %w", err)
	}
	c.binding = world.NewBinding(id.UserID, id.Locale, nil)
	if err := c.world.Bind(c.self.ID(), c.binding); err != nil {
		return fmt.Errorf("client: bind self: %w", err)
	}
	c.self.TakeDirty()

	c.effects = &effect.Chain{}
	if err := c.effects.Replace(acc.Effects); err != nil {
		return fmt.Errorf("client: effects: %w", err)
	}
	c.world.OnDestroyed(func(ev world.Destroyed) {
		c.closePipeline(ev.ID)
		c.effects.Forget(ev.ID)
		c.self.RemoveVisible(ev.ID)
	})

	c.setRanges(acc.MinRange, acc.MaxRange)
	opts := append([]mix.Option{
		mix.WithEffects(c.effects),
		mix.WithRanges(c.Ranges),
		mix.WithMetrics(c.metrics),
	}, c.mixOpts...)
	c.mixer = mix.New(c.world, c.self, c, opts...)

	c.reliable = make(chan []byte, c.reliableSize)
	c.audio = make(chan []byte, c.audioSize)
	return nil
}

// World returns the local mirror of the server's world.
func (c *Client) World() *world.World { return c.world }

// Self returns the local entity. Changes made through its setters are sent
// to the server.
func (c *Client) Self() *world.Entity { return c.self }

// Effects returns the mirrored effect chain.
func (c *Client) Effects() *effect.Chain { return c.effects }

// Mixer returns the mix engine. It implements [audio.Source] and is meant to
// drive the output device.
func (c *Client) Mixer() *mix.Engine { return c.mixer }

// Ranges returns the world default ranges last announced by the server.
func (c *Client) Ranges() visibility.Ranges { return *c.ranges.Load() }

func (c *Client) setRanges(minRange, maxRange float64) {
	c.ranges.Store(&visibility.Ranges{Min: minRange, Max: maxRange})
}

// ServerMuted reports whether the server muted this client.
func (c *Client) ServerMuted() bool { return c.binding.ServerMuted() }

// ServerDeafened reports whether the server deafened this client.
func (c *Client) ServerDeafened() bool { return c.binding.ServerDeafened() }

// Source implements [mix.SourceProvider].
func (c *Client) Source(id int) (mix.Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pipelines[id]
	if !ok {
		return nil, false
	}
	return p, true
}

// Speakers returns the ids of the speakers with a running pipeline in
// ascending order.
func (c *Client) Speakers() []int {
	c.mu.RLock()
	ids := make([]int, 0, len(c.pipelines))
	for _, p := range c.pipelines {
		ids = append(ids, p.Source())
	}
	c.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Pipelines returns the number of running speaker pipelines.
func (c *Client) Pipelines() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pipelines)
}

// Done is closed once the client stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the client stopped, or nil.
func (c *Client) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Close disconnects from the server and releases every pipeline. It is
// idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			slog.Debug("client: close handshake failed", "err", err)
		}
		c.wg.Wait()
		c.mu.Lock()
		pipes := c.pipelines
		c.pipelines = make(map[int]*jitter.Pipeline)
		c.mu.Unlock()
		for _, p := range pipes {
			p.Close()
		}
		c.effects.Clear()
		if err := c.dsp.Close(); err != nil {
			slog.Debug("client: dsp close failed", "err", err)
		}
		<-c.done
	})
	return nil
}

func (c *Client) fail(err error) {
	c.err.CompareAndSwap(nil, &err)
}
