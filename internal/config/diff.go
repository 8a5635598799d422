package config

import (
	"slices"

	"github.com/MrWong99/vicinity/internal/effect"
)

// ConfigDiff describes what changed between two configs. Only fields that
// can be applied to a running server are tracked; everything else is
// reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RangesChanged bool
	NewMinRange   float64
	NewMaxRange   float64

	EffectsChanged bool
	NewEffects     []effect.Params

	// RestartRequired lists changed settings that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RangesChanged || d.EffectsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.World.MinRange != new.World.MinRange || old.World.MaxRange != new.World.MaxRange {
		d.RangesChanged = true
		d.NewMinRange = new.World.MinRange
		d.NewMaxRange = new.World.MaxRange
	}

	if !slices.Equal(old.Effects, new.Effects) {
		d.EffectsChanged = true
		d.NewEffects = slices.Clone(new.Effects)
	}

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	so, sn := old.Server, new.Server
	restart("server.listen_addr", so.ListenAddr != sn.ListenAddr)
	restart("server.tls", so.TLS != sn.TLS)
	restart("server.origin_patterns", !slices.Equal(so.OriginPatterns, sn.OriginPatterns))
	restart("server.tick_rate", so.TickRate != sn.TickRate)
	restart("server.login_timeout", so.LoginTimeout != sn.LoginTimeout)
	restart("server.speaking_timeout", so.SpeakingTimeout != sn.SpeakingTimeout)
	restart("server.tick_workers", so.TickWorkers != sn.TickWorkers)
	restart("server.queues", so.ReliableQueue != sn.ReliableQueue || so.AudioQueue != sn.AudioQueue)
	restart("server.restrict_clients", so.RestrictClients != sn.RestrictClients)
	restart("world.max_entities", old.World.MaxEntities != new.World.MaxEntities)
	restart("audio", old.Audio != new.Audio)
	restart("observability", old.Observability != new.Observability)

	return d
}
