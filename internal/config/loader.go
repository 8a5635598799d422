package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/vicinity/internal/world"
)

// KnownCodecs and KnownDSP list the names registered by [NewRegistry].
// [Validate] warns about other names, which may come from a custom registry.
var (
	KnownCodecs = []string{"opus", "pcm"}
	KnownDSP    = []string{"none", "agc", "gate"}
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	return load(path, envconfig.OsLookuper())
}

func load(path string, env envconfig.Lookuper) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := decode(bytes.NewReader(data), env)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. An empty reader yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	return decode(r, envconfig.OsLookuper())
}

// LoadWithEnv is [LoadFromReader] with an explicit environment, for tests
// and embedding.
func LoadWithEnv(r io.Reader, env map[string]string) (*Config, error) {
	return decode(r, envconfig.MapLookuper(env))
}

func decode(r io.Reader, env envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   cfg,
		Lookuper: env,
	}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	s := cfg.Server
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if (s.TLS.CertFile == "") != (s.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	for name, d := range map[string]int64{
		"server.tick_rate":        int64(s.TickRate),
		"server.login_timeout":    int64(s.LoginTimeout),
		"server.speaking_timeout": int64(s.SpeakingTimeout),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if s.TickWorkers < 0 || s.ReliableQueue < 0 || s.AudioQueue < 0 {
		errs = append(errs, errors.New("server.tick_workers, reliable_queue and audio_queue must not be negative"))
	}

	w := cfg.World
	if w.MaxEntities < 0 {
		errs = append(errs, fmt.Errorf("world.max_entities %d must not be negative", w.MaxEntities))
	}
	if w.MinRange < 0 {
		errs = append(errs, fmt.Errorf("world.min_range %.2f must not be negative", w.MinRange))
	}
	if w.MaxRange < 0 {
		errs = append(errs, fmt.Errorf("world.max_range %.2f must not be negative", w.MaxRange))
	}
	if w.MaxRange > 0 && w.MinRange > w.MaxRange {
		errs = append(errs, fmt.Errorf("world.min_range %.2f exceeds max_range %.2f", w.MinRange, w.MaxRange))
	}

	a := cfg.Audio
	if a.Bitrate < 0 {
		errs = append(errs, fmt.Errorf("audio.bitrate %d must not be negative", a.Bitrate))
	}
	if a.JitterCapacity < 0 || a.JitterPrefill < 0 {
		errs = append(errs, errors.New("audio.jitter_capacity and jitter_prefill must not be negative"))
	}
	if a.JitterCapacity > 0 && a.JitterPrefill > a.JitterCapacity {
		errs = append(errs, fmt.Errorf("audio.jitter_prefill %d exceeds jitter_capacity %d", a.JitterPrefill, a.JitterCapacity))
	}
	warnUnknown("codec", a.Codec, KnownCodecs)
	warnUnknown("dsp", a.DSP, KnownDSP)

	seen := make(map[world.Bitmask]int, len(cfg.Effects))
	for i, p := range cfg.Effects {
		prefix := fmt.Sprintf("effects[%d]", i)
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
			continue
		}
		if prev, ok := seen[p.Bitmask]; ok {
			errs = append(errs, fmt.Errorf("%s.bitmask %d is a duplicate of effects[%d]", prefix, p.Bitmask, prev))
		}
		seen[p.Bitmask] = i
	}

	return errors.Join(errs...)
}

// warnUnknown logs a warning if name is non-empty and not in known.
func warnUnknown(kind, name string, known []string) {
	if name == "" || slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
