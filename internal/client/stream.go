package client

import (
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/vicinity/internal/effect"
	"github.com/MrWong99/vicinity/internal/jitter"
	"github.com/MrWong99/vicinity/internal/protocol"
	"github.com/MrWong99/vicinity/internal/world"
	"github.com/MrWong99/vicinity/pkg/audio"
)

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.cancel()
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					slog.Warn("client: connection lost", "err", err)
				}
				c.fail(err)
			}
			return
		}
		c.handle(data)
	}
}

// handle applies one server packet to the local mirror.
func (c *Client) handle(data []byte) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("client: packet handler panicked", "panic", p)
		}
	}()

	msg, err := protocol.Decode(data)
	if err != nil {
		c.metrics.RecordPacketDropped(c.ctx, "malformed")
		slog.Debug("client: dropped packet", "err", err)
		return
	}
	switch m := msg.(type) {
	case *protocol.Audio:
		c.receiveAudio(m)
	case *protocol.EntityCreated:
		c.show(m.State.Snapshot())
	case *protocol.EntityUpdate:
		if e, ok := c.world.Entity(m.ID); ok && m.ID != c.self.ID() {
			m.Apply(e, world.DirtyAll)
		}
	case *protocol.EntityHidden:
		c.self.RemoveVisible(m.ID)
		c.closePipeline(m.ID)
	case *protocol.EntityDestroyed:
		if m.ID != c.self.ID() {
			if err := c.world.DestroyEntity(m.ID); err != nil && !errors.Is(err, world.ErrNotFound) {
				slog.Warn("client: destroy mirrored entity", "entity", m.ID, "err", err)
			}
		}
	case *protocol.ServerFlags:
		c.binding.SetServerMuted(m.Muted)
		c.binding.SetServerDeafened(m.Deafened)
	case *protocol.SetEffect:
		fx, err := effect.New(m.Params)
		if err != nil {
			slog.Warn("client: rejected effect", "params", m.Params, "err", err)
			return
		}
		c.effects.Set(fx)
	case *protocol.ClearEffect:
		c.effects.Remove(m.Bitmask)
	case *protocol.WorldRanges:
		c.setRanges(m.MinRange, m.MaxRange)
		slog.Debug("client: world ranges changed", "min", m.MinRange, "max", m.MaxRange)
	default:
		c.metrics.RecordPacketDropped(c.ctx, "unexpected")
	}
}

// show mirrors a newly audible entity and starts its pipeline.
func (c *Client) show(snap world.Snapshot) {
	if snap.ID == c.self.ID() {
		return
	}
	e, ok := c.world.Entity(snap.ID)
	if !ok {
		e = c.world.NewEntity(snap.ID, snap.Name)
		e.Apply(snap)
		if err := c.world.AddEntity(e); err != nil {
			slog.Warn("client: mirror entity", "entity", snap.ID, "err", err)
			return
		}
	} else {
		e.Apply(snap)
	}
	c.self.AddVisible(e.ID())
	c.startPipeline(e)
}

func (c *Client) startPipeline(e *world.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pipelines[e.ID()]; ok {
		return
	}
	dec, err := c.codec.NewDecoder()
	if err != nil {
		slog.Error("client: create decoder", "entity", e.ID(), "err", err)
		return
	}
	opts := append([]jitter.Option{
		jitter.WithMetrics(c.metrics),
		jitter.WithOnFrame(func(loudness float64) { e.ReportSpoke(time.Now(), loudness) }),
	}, c.jitterOpts...)
	c.pipelines[e.ID()] = jitter.New(c.ctx, e.ID(), e.Done(), dec, opts...)
}

func (c *Client) closePipeline(id int) {
	c.mu.Lock()
	p, ok := c.pipelines[id]
	delete(c.pipelines, id)
	c.mu.Unlock()
	if ok {
		p.Close()
		slog.Debug("client: pipeline closed", "source", p.Source())
	}
}

func (c *Client) receiveAudio(a *protocol.Audio) {
	c.mu.RLock()
	p, ok := c.pipelines[a.Source]
	c.mu.RUnlock()
	if !ok {
		c.metrics.RecordPacketDropped(c.ctx, "no_pipeline")
		return
	}
	if err := p.Put(a.Timestamp, a.Payload); err != nil {
		slog.Debug("client: frame refused", "err", err)
	}
}

// DataAvailable implements [audio.Capture]. Captured audio is converted to
// the engine format, cut into frames, processed, encoded and sent.
func (c *Client) DataAvailable(pcm []int16, format audio.Format) {
	if c.ctx.Err() != nil {
		return
	}
	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	c.pending = append(c.pending, c.conv.Convert(pcm, format)...)
	for len(c.pending) >= audio.FrameSamples {
		frame := make([]int16, audio.FrameSamples)
		copy(frame, c.pending)
		c.pending = c.pending[:copy(c.pending, c.pending[audio.FrameSamples:])]
		c.sendFrame(frame)
	}
}

// sendFrame encodes one frame. The timestamp advances for every captured
// frame, including the ones that are not sent.
func (c *Client) sendFrame(frame []int16) {
	c.ts++
	if err := c.dsp.Process(frame); err != nil {
		slog.Debug("client: dsp failed", "err", err)
		return
	}
	if c.self.Attributes().Muted || c.binding.ServerMuted() {
		return
	}
	loud := audio.RMS(frame)
	if loud == 0 {
		return
	}
	payload, err := c.enc.Encode(frame)
	if err != nil {
		slog.Debug("client: encode failed", "err", err)
		return
	}
	c.self.ReportSpoke(time.Now(), loud)
	b, err := protocol.Encode(&protocol.Audio{Timestamp: c.ts, Loudness: float32(loud), Payload: payload})
	if err != nil {
		c.metrics.RecordPacketDropped(c.ctx, "too_large")
		return
	}
	select {
	case c.audio <- b:
	default:
		c.metrics.RecordPacketDropped(c.ctx, "audio_queue_full")
	}
}

// send queues a state packet. A full queue ends the connection.
func (c *Client) send(m protocol.Message) {
	b, err := protocol.Encode(m)
	if err != nil {
		slog.Error("client: encode failed", "type", m.Type(), "err", err)
		return
	}
	select {
	case c.reliable <- b:
	case <-c.ctx.Done():
	default:
		c.fail(errors.New("client: outbound queue full"))
		c.cancel()
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	for {
		var b []byte
		select {
		case <-c.ctx.Done():
			return
		case b = <-c.reliable:
		default:
			select {
			case <-c.ctx.Done():
				return
			case b = <-c.reliable:
			case b = <-c.audio:
			}
		}
		if err := c.conn.Write(c.ctx, websocket.MessageBinary, b); err != nil {
			if c.ctx.Err() == nil {
				c.fail(err)
				c.cancel()
			}
			return
		}
	}
}

// syncLoop sends local entity changes and decays the speaking indicators of
// mirrored speakers.
func (c *Client) syncLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			c.Sync()
			for _, e := range c.world.Entities() {
				e.Decay(now, c.speakingTimeout)
			}
		}
	}
}

// Sync sends pending changes of the local entity immediately.
func (c *Client) Sync() {
	dirty, keys := c.self.TakeDirty()
	dirty &= protocol.ClientFields
	if dirty == 0 {
		return
	}
	if dirty&world.DirtyProperties == 0 {
		keys = nil
	}
	c.send(protocol.UpdateOf(c.self, dirty, keys))
}

var _ audio.Capture = (*Client)(nil)
