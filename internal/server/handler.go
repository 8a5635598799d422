package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/vicinity/internal/observe"
	"github.com/MrWong99/vicinity/internal/protocol"
	"github.com/MrWong99/vicinity/internal/world"
)

// login runs the handshake: the first packet must be a [protocol.Login]
// within the login timeout. On success the session is registered and bound
// to a fresh entity.
func (s *Server) login(ctx context.Context, conn *websocket.Conn) (_ *session, err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "server.login")

	status := "error"
	defer func() {
		s.metrics.RecordLogin(ctx, status)
		s.metrics.LoginDuration.Record(ctx, time.Since(start).Seconds())
		span.SetAttributes(attribute.String("login.status", status))
		observe.EndSpan(span, err)
	}()

	// A cancelled read context would drop the connection without a close
	// frame, so the timeout closes it with a status instead.
	timer := time.AfterFunc(s.cfg.LoginTimeout, func() {
		conn.Close(websocket.StatusPolicyViolation, "login timeout")
	})
	_, data, err := conn.Read(ctx)
	if !timer.Stop() {
		return nil, fmt.Errorf("server: login timeout after %s", s.cfg.LoginTimeout)
	}
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("server: read login: %w", err)
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		status = "denied"
		s.deny(ctx, conn, websocket.StatusProtocolError, "malformed login", false)
		return nil, fmt.Errorf("server: decode login: %w", err)
	}
	req, ok := msg.(*protocol.Login)
	if !ok {
		status = "denied"
		s.deny(ctx, conn, websocket.StatusProtocolError, "login expected", false)
		return nil, fmt.Errorf("server: expected login, got %s", msg.Type())
	}
	if req.Version != protocol.Version {
		status = "denied"
		s.deny(ctx, conn, websocket.StatusProtocolError, "unsupported protocol version", false)
		return nil, fmt.Errorf("server: protocol version %d, want %d", req.Version, protocol.Version)
	}
	span.SetAttributes(
		attribute.String("user.id", req.UserID.String()),
		attribute.String("user.name", req.Name),
	)

	// The session is registered under the same lock as the entity is
	// created so the visibility sink never sees the entity without it.
	s.mu.Lock()
	e, err := s.world.CreateEntity(req.Name)
	if err != nil {
		s.mu.Unlock()
		status = "denied"
		if errors.Is(err, world.ErrWorldFull) {
			s.deny(ctx, conn, websocket.StatusTryAgainLater, "world full", true)
		} else {
			s.deny(ctx, conn, websocket.StatusInternalError, "cannot create entity", false)
		}
		return nil, fmt.Errorf("server: create entity: %w", err)
	}
	sess := newSession(ctx, conn, e, s.cfg.ReliableQueue, s.cfg.AudioQueue, s.metrics)
	r := s.vis.Ranges()
	sess.send(&protocol.LoginAccepted{
		EntityID: e.ID(),
		Codec:    s.cfg.Codec,
		Bitrate:  s.cfg.Bitrate,
		MinRange: r.Min,
		MaxRange: r.Max,
		Effects:  s.effects.Params(),
	})
	s.sessions[e.ID()] = sess
	s.mu.Unlock()
	s.metrics.Connections.Add(ctx, 1)

	if err := s.world.Bind(e.ID(), world.NewBinding(req.UserID, req.Locale, sess)); err != nil {
		_ = s.world.DestroyEntity(e.ID())
		sess.Close()
		return nil, fmt.Errorf("server: bind session: %w", err)
	}

	status = "accepted"
	sess.log.Info("server: session started", "user", req.UserID, "name", req.Name)
	return sess, nil
}

// deny sends a [protocol.LoginDenied] and closes the connection.
func (s *Server) deny(ctx context.Context, conn *websocket.Conn, code websocket.StatusCode, reason string, retry bool) {
	if b, err := protocol.Encode(&protocol.LoginDenied{Reason: reason, RetryLater: retry}); err == nil {
		wctx, cancel := context.WithTimeout(ctx, time.Second)
		_ = conn.Write(wctx, websocket.MessageBinary, b)
		cancel()
	}
	conn.Close(code, reason)
}

func (s *Server) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.Read(sess.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if sess.ctx.Err() == nil {
					sess.log.Debug("server: read failed", "err", err)
				}
			}
			return
		}
		s.handle(sess, data)
	}
}

// handle processes one packet of a logged-in session. Bad packets are
// dropped and counted; they never end the session.
func (s *Server) handle(sess *session, data []byte) {
	defer func() {
		if p := recover(); p != nil {
			sess.log.Error("server: packet handler panicked", "panic", p)
		}
	}()

	msg, err := protocol.Decode(data)
	if err != nil {
		s.metrics.RecordPacketDropped(sess.ctx, dropReason(err))
		sess.log.Debug("server: dropped packet", "err", err)
		return
	}
	switch m := msg.(type) {
	case *protocol.Audio:
		s.relay(sess, m)
	case *protocol.EntityUpdate:
		m.Apply(sess.entity, s.clientFields)
	default:
		s.metrics.RecordPacketDropped(sess.ctx, "unexpected")
		sess.log.Debug("server: unexpected packet", "type", msg.Type())
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		return "too_large"
	case errors.Is(err, protocol.ErrUnknownType):
		return "unknown_type"
	default:
		return "malformed"
	}
}

// relay forwards an audio frame of sess to every session whose entity can
// currently hear it.
func (s *Server) relay(from *session, a *protocol.Audio) {
	speaker := from.entity
	if speaker.Destroyed() {
		return
	}
	if speaker.Attributes().Muted || s.serverMuted(from.id) {
		s.metrics.RecordPacketDropped(from.ctx, "muted")
		return
	}
	speaker.ReportSpoke(s.now(), float64(a.Loudness))

	a.Source = from.id
	b, err := protocol.Encode(a)
	if err != nil {
		s.metrics.RecordPacketDropped(from.ctx, dropReason(err))
		return
	}
	for _, sess := range s.snapshotSessions() {
		if sess.id == from.id || !sess.entity.CanSee(from.id) {
			continue
		}
		if sess.entity.Attributes().Deafened || s.serverDeafened(sess.id) {
			continue
		}
		if sess.sendAudio(b) {
			s.metrics.AudioRelayed.Add(from.ctx, 1)
		}
	}
}

func (s *Server) serverMuted(id int) bool {
	b, ok := s.world.Binding(id)
	return ok && b.ServerMuted()
}

func (s *Server) serverDeafened(id int) bool {
	b, ok := s.world.Binding(id)
	return ok && b.ServerDeafened()
}
