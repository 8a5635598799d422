package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/vicinity/internal/protocol"
	"github.com/MrWong99/vicinity/internal/world"
)

// Run drives the logic loop at the configured tick rate until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickRate)
	defer ticker.Stop()

	slog.Info("server: logic loop started", "tick_rate", s.cfg.TickRate)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one logic tick: per-entity work in parallel, then the
// visibility pass. A panic is logged and ends only the current tick.
func (s *Server) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("server: tick panicked", "panic", p)
		}
		s.metrics.TickDuration.Record(ctx, time.Since(start).Seconds())
		s.lastTick.Store(s.now().UnixNano())
	}()

	now := s.now()
	err := s.world.ForEachParallel(s.cfg.TickWorkers, func(e *world.Entity) error {
		e.Decay(now, s.cfg.SpeakingTimeout)
		s.flush(e)
		return nil
	})
	if err != nil {
		slog.Warn("server: entity tick failed", "err", err)
	}

	if st := s.vis.Tick(); st.Gained+st.Lost+st.Trimmed > 0 {
		slog.Debug("server: visibility changed", "gained", st.Gained, "lost", st.Lost, "trimmed", st.Trimmed)
	}
}

// flush sends the changed state of e to every other session that can hear
// it. The owning session is skipped: its client is the source of most of
// these changes.
func (s *Server) flush(e *world.Entity) {
	dirty, keys := e.TakeDirty()
	if dirty == 0 {
		return
	}
	b, err := protocol.Encode(protocol.UpdateOf(e, dirty, keys))
	if err != nil {
		slog.Error("server: encode update failed", "entity", e.ID(), "err", err)
		return
	}
	for _, sess := range s.snapshotSessions() {
		if sess.id != e.ID() && sess.entity.CanSee(e.ID()) {
			sess.sendRaw(b)
		}
	}
}
