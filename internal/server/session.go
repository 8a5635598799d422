package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/vicinity/internal/observe"
	"github.com/MrWong99/vicinity/internal/protocol"
	"github.com/MrWong99/vicinity/internal/world"
)

// session is the connection of one logged-in client. It is bound to its
// entity as the [world.Conn] of the entity's binding, so destroying the
// entity closes the session.
type session struct {
	id      int
	entity  *world.Entity
	conn    *websocket.Conn
	log     *slog.Logger
	metrics *observe.Metrics

	// reliable carries state packets; overflow disconnects the client.
	reliable chan []byte
	// audio carries audio packets; overflow drops the packet.
	audio chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	kickOnce  sync.Once
	done      chan struct{}
}

func newSession(ctx context.Context, conn *websocket.Conn, e *world.Entity, reliable, audio int, m *observe.Metrics) *session {
	ctx, cancel := context.WithCancel(ctx)
	return &session{
		id:       e.ID(),
		entity:   e,
		conn:     conn,
		log:      observe.Logger(ctx).With("entity", e.ID()),
		metrics:  m,
		reliable: make(chan []byte, reliable),
		audio:    make(chan []byte, audio),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Close tears the connection down without a close handshake. It is
// idempotent.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.CloseNow()
	})
	return err
}

// kick closes the connection with a status code. The handshake runs in the
// background so kick can be called from the logic loop.
func (s *session) kick(code websocket.StatusCode, reason string) {
	s.kickOnce.Do(func() {
		go func() {
			if err := s.conn.Close(code, reason); err != nil {
				s.log.Debug("server: close handshake failed", "err", err)
			}
			s.Close()
		}()
	})
}

// send encodes m and queues it on the reliable stream.
func (s *session) send(m protocol.Message) bool {
	b, err := protocol.Encode(m)
	if err != nil {
		s.log.Error("server: encode failed", "type", m.Type(), "err", err)
		return false
	}
	return s.sendRaw(b)
}

// sendRaw queues an encoded state packet. A full queue means the client
// cannot keep up; it is disconnected instead of buffering without bound.
func (s *session) sendRaw(b []byte) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.reliable <- b:
		return true
	default:
		s.metrics.RecordPacketDropped(s.ctx, "slow_consumer")
		s.log.Warn("server: reliable queue full, disconnecting")
		s.kick(websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
}

// sendAudio queues an encoded audio packet, dropping it when the queue is
// full.
func (s *session) sendAudio(b []byte) bool {
	select {
	case s.audio <- b:
		return true
	default:
		s.metrics.RecordPacketDropped(s.ctx, "audio_queue_full")
		return false
	}
}

// writeLoop drains both queues, preferring state packets.
func (s *session) writeLoop() {
	defer close(s.done)
	for {
		var b []byte
		select {
		case <-s.ctx.Done():
			return
		case b = <-s.reliable:
		default:
			select {
			case <-s.ctx.Done():
				return
			case b = <-s.reliable:
			case b = <-s.audio:
			}
		}
		if err := s.conn.Write(s.ctx, websocket.MessageBinary, b); err != nil {
			if s.ctx.Err() == nil {
				s.log.Debug("server: write failed", "err", err)
			}
			s.Close()
			return
		}
	}
}
