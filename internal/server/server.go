// Package server hosts the authoritative world. Clients connect over a
// websocket, log in, and from then on receive the entities they can hear and
// the audio those entities send.
//
// Every session owns one entity. The logic loop ([Server.Run]) decays
// speaking indicators, flushes changed entity state to observers and runs the
// visibility pass once per tick.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/vicinity/internal/effect"
	"github.com/MrWong99/vicinity/internal/observe"
	"github.com/MrWong99/vicinity/internal/protocol"
	"github.com/MrWong99/vicinity/internal/visibility"
	"github.com/MrWong99/vicinity/internal/world"
)

// ErrClosed is returned by operations on a closed server.
var ErrClosed = errors.New("server: closed")

// Config holds the tunables of a [Server]. Zero fields take defaults.
type Config struct {
	TickRate        time.Duration
	LoginTimeout    time.Duration
	SpeakingTimeout time.Duration
	// TickWorkers bounds the parallel per-entity tick work.
	TickWorkers int
	// ReliableQueue and AudioQueue are per-session queue lengths in packets.
	ReliableQueue int
	AudioQueue    int
	// Codec and Bitrate are announced to clients on login. Zero Bitrate
	// leaves the choice to the client.
	Codec          string
	Bitrate        int
	OriginPatterns []string
}

func (c Config) withDefaults() Config {
	if c.TickRate <= 0 {
		c.TickRate = 50 * time.Millisecond
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 10 * time.Second
	}
	if c.SpeakingTimeout <= 0 {
		c.SpeakingTimeout = 500 * time.Millisecond
	}
	if c.TickWorkers <= 0 {
		c.TickWorkers = 8
	}
	if c.ReliableQueue <= 0 {
		c.ReliableQueue = 256
	}
	if c.AudioQueue <= 0 {
		c.AudioQueue = 64
	}
	if c.Codec == "" {
		c.Codec = "opus"
	}
	return c
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics sink (default [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithEffects sets the effect chain mirrored to clients.
func WithEffects(c *effect.Chain) Option {
	return func(s *Server) { s.effects = c }
}

// WithRanges sets the initial world default ranges.
func WithRanges(r visibility.Ranges) Option {
	return func(s *Server) { s.ranges = r }
}

// WithClientFields limits the attribute groups a client may set on its own
// entity (default [protocol.ClientFields]). Pass [protocol.SelfFields] when
// a game backend owns bitmasks, ranges and world ids.
func WithClientFields(mask world.Dirty) Option {
	return func(s *Server) { s.clientFields = mask &^ world.DirtySpeaking }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server is the authoritative side of a vicinity world. It implements
// [http.Handler] for the websocket endpoint.
type Server struct {
	cfg     Config
	world   *world.World
	vis     *visibility.System
	effects *effect.Chain
	metrics *observe.Metrics
	ranges  visibility.Ranges
	now     func() time.Time

	clientFields world.Dirty

	// rangesMu orders range changes with their broadcast.
	rangesMu sync.Mutex

	mu       sync.RWMutex
	sessions map[int]*session

	lastTick  atomic.Int64
	unsubs    []func()
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a server for w.
func New(w *world.World, cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg.withDefaults(),
		world:    w,
		ranges:   visibility.Ranges{Max: visibility.DefaultMaxRange},
		now:      time.Now,
		sessions: make(map[int]*session),

		clientFields: protocol.ClientFields,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.effects == nil {
		s.effects = &effect.Chain{}
	}
	s.vis = visibility.New(w, visibility.SinkFunc(s.deliver), visibility.WithRanges(s.ranges))

	s.unsubs = append(s.unsubs,
		w.OnCreated(func(*world.Entity) {
			s.metrics.Entities.Add(context.Background(), 1)
		}),
		w.OnDestroyed(s.onDestroyed),
		w.OnReset(s.onReset),
		s.effects.OnRemoved(func(ev effect.Removed) {
			s.broadcast(&protocol.ClearEffect{Bitmask: ev.Bitmask})
		}),
	)
	return s
}

// World returns the served world.
func (s *Server) World() *world.World { return s.world }

// Effects returns the effect chain.
func (s *Server) Effects() *effect.Chain { return s.effects }

// SetRanges changes the world default ranges from the next tick on and
// announces them to every session so client mixers attenuate with the same
// values.
func (s *Server) SetRanges(r visibility.Ranges) {
	s.rangesMu.Lock()
	defer s.rangesMu.Unlock()
	s.vis.SetRanges(r)
	s.broadcast(&protocol.WorldRanges{MinRange: r.Min, MaxRange: r.Max})
}

// Ranges returns the world default ranges.
func (s *Server) Ranges() visibility.Ranges { return s.vis.Ranges() }

// SetEffect adds or replaces an effect and announces it to every session.
func (s *Server) SetEffect(p effect.Params) error {
	e, err := effect.New(p)
	if err != nil {
		return fmt.Errorf("server: set effect: %w", err)
	}
	s.effects.Set(e)
	s.broadcast(&protocol.SetEffect{Params: e.Params()})
	return nil
}

// RemoveEffect removes the effect registered under mask. Sessions learn
// about it through the chain's removal event.
func (s *Server) RemoveEffect(mask world.Bitmask) bool {
	return s.effects.Remove(mask)
}

// ReplaceEffects swaps the whole effect chain, for configuration reloads.
func (s *Server) ReplaceEffects(params []effect.Params) error {
	if err := s.effects.Replace(params); err != nil {
		return fmt.Errorf("server: replace effects: %w", err)
	}
	for _, p := range s.effects.Params() {
		s.broadcast(&protocol.SetEffect{Params: p})
	}
	return nil
}

// SetServerMuted sets the server-side mute of entity id.
func (s *Server) SetServerMuted(id int, v bool) error {
	b, ok := s.world.Binding(id)
	if !ok {
		return fmt.Errorf("server: mute %d: %w", id, world.ErrNotFound)
	}
	if b.SetServerMuted(v) {
		s.notifyFlags(id, b)
	}
	return nil
}

// SetServerDeafened sets the server-side deafen of entity id.
func (s *Server) SetServerDeafened(id int, v bool) error {
	b, ok := s.world.Binding(id)
	if !ok {
		return fmt.Errorf("server: deafen %d: %w", id, world.ErrNotFound)
	}
	if b.SetServerDeafened(v) {
		s.notifyFlags(id, b)
	}
	return nil
}

func (s *Server) notifyFlags(id int, b *world.Binding) {
	if sess, ok := s.session(id); ok {
		sess.send(&protocol.ServerFlags{Muted: b.ServerMuted(), Deafened: b.ServerDeafened()})
	}
}

// Kick disconnects the session of entity id by destroying its entity.
func (s *Server) Kick(id int) error {
	return s.world.DestroyEntity(id)
}

// Sessions returns the number of connected sessions.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// LastTick returns the time the last logic tick finished, or the zero time.
func (s *Server) LastTick() time.Time {
	ns := s.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Server) session(id int) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) snapshotSessions() []*session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// broadcast queues m for every session.
func (s *Server) broadcast(m protocol.Message) {
	b, err := protocol.Encode(m)
	if err != nil {
		slog.Error("server: encode broadcast failed", "type", m.Type(), "err", err)
		return
	}
	for _, sess := range s.snapshotSessions() {
		sess.sendRaw(b)
	}
}

func (s *Server) onDestroyed(ev world.Destroyed) {
	s.metrics.Entities.Add(context.Background(), -1)
	s.mu.Lock()
	if _, ok := s.sessions[ev.ID]; ok {
		delete(s.sessions, ev.ID)
		s.metrics.Connections.Add(context.Background(), -1)
	}
	s.mu.Unlock()
	s.effects.Forget(ev.ID)
	s.broadcast(&protocol.EntityDestroyed{ID: ev.ID})
}

// onReset drops every session; their entities and connections were torn
// down by the reset.
func (s *Server) onReset(ev world.Reset) {
	s.metrics.Entities.Add(context.Background(), -int64(ev.Count))
	s.mu.Lock()
	n := len(s.sessions)
	clear(s.sessions)
	s.mu.Unlock()
	s.metrics.Connections.Add(context.Background(), -int64(n))
}

// deliver is the visibility sink: it turns edge changes into packets for
// the observer's session.
func (s *Server) deliver(c visibility.Change) {
	s.metrics.RecordVisibilityChange(context.Background(), c.Kind.String())
	sess, ok := s.session(c.Observer)
	if !ok {
		return
	}
	switch c.Kind {
	case visibility.Gained:
		sess.send(&protocol.EntityCreated{State: protocol.StateOf(c.Subject)})
	case visibility.Lost:
		sess.send(&protocol.EntityHidden{ID: c.SubjectID})
	}
}

// Close disconnects every session and stops observing the world. Entities
// of connected sessions are destroyed.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		for _, sess := range s.snapshotSessions() {
			if err := s.world.DestroyEntity(sess.id); err != nil && !errors.Is(err, world.ErrNotFound) {
				slog.Warn("server: destroy session entity", "entity", sess.id, "err", err)
			}
		}
		for _, u := range s.unsubs {
			u()
		}
		s.vis.Close()
	})
	return nil
}

// ServeHTTP accepts a websocket connection and runs the session until it
// ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		slog.Warn("server: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(protocol.MaxPacketSize)

	sess, err := s.login(r.Context(), conn)
	if err != nil {
		slog.Info("server: login failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	go sess.writeLoop()
	s.readLoop(sess)

	if err := s.world.DestroyEntity(sess.id); err != nil && !errors.Is(err, world.ErrNotFound) {
		sess.log.Warn("server: destroy entity on disconnect", "err", err)
	}
	sess.Close()
	<-sess.done
	sess.log.Info("server: session ended")
}
