package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/vicinity/internal/config"
	"github.com/MrWong99/vicinity/internal/effect"
	"github.com/MrWong99/vicinity/pkg/audio/codec"
	"github.com/MrWong99/vicinity/pkg/audio/dsp"
)

const sampleYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
  origin_patterns: ["game.example.com"]
  tick_rate: 25ms
  tick_workers: 4

world:
  max_entities: 128
  min_range: 2
  max_range: 40

audio:
  codec: opus
  bitrate: 24000
  dsp: agc
  jitter_prefill: 3

effects:
  - kind: reverb
    bitmask: 2
    room_size: 0.8
    damp: 0.3
    wet: 0.5
    scaled: true
  - kind: muffle
    bitmask: 4
    cutoff_hz: 800
    wet: 1

observability:
  service_name: vicinity-eu
`

func load(t *testing.T, yaml string, env map[string]string) *config.Config {
	t.Helper()
	cfg, err := config.LoadWithEnv(strings.NewReader(yaml), env)
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}
	return cfg
}

func TestLoad_Sample(t *testing.T) {
	t.Parallel()
	cfg := load(t, sampleYAML, nil)

	want := &config.Config{
		Server: config.ServerConfig{
			ListenAddr:      ":9000",
			LogLevel:        config.LogDebug,
			OriginPatterns:  []string{"game.example.com"},
			TickRate:        25 * time.Millisecond,
			LoginTimeout:    config.DefaultLoginTimeout,
			SpeakingTimeout: config.DefaultSpeakingTimeout,
			TickWorkers:     4,
			ReliableQueue:   config.DefaultReliableQueue,
			AudioQueue:      config.DefaultAudioQueue,
		},
		World: config.WorldConfig{MaxEntities: 128, MinRange: 2, MaxRange: 40},
		Audio: config.AudioConfig{Codec: "opus", Bitrate: 24000, DSP: "agc", JitterPrefill: 3},
		Effects: []effect.Params{
			effect.Params{Kind: effect.KindReverb, Bitmask: 2, RoomSize: 0.8, Damp: 0.3, Wet: 0.5, Scaled: true}.Normalize(),
			effect.Params{Kind: effect.KindMuffle, Bitmask: 4, CutoffHz: 800, Wet: 1}.Normalize(),
		},
		Observability: config.ObservabilityConfig{
			ServiceName:    "vicinity-eu",
			MetricsPath:    config.DefaultMetricsPath,
			TickStaleAfter: 250 * time.Millisecond,
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg := load(t, "", nil)

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.World.MaxRange != config.DefaultMaxRange {
		t.Errorf("max_range = %v, want %v", cfg.World.MaxRange, config.DefaultMaxRange)
	}
	if cfg.Audio.Codec != "opus" || cfg.Audio.DSP != "none" {
		t.Errorf("audio = %+v, want opus/none", cfg.Audio)
	}
	if got, want := cfg.Observability.TickStaleAfter, 10*config.DefaultTickRate; got != want {
		t.Errorf("tick_stale_after = %v, want %v", got, want)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Parallel()
	cfg := load(t, sampleYAML, map[string]string{
		"VICINITY_LISTEN_ADDR":     ":7000",
		"VICINITY_LOG_LEVEL":       "warn",
		"VICINITY_MAX_RANGE":       "55.5",
		"VICINITY_TICK_RATE":       "100ms",
		"VICINITY_CODEC":           "pcm",
		"VICINITY_ORIGIN_PATTERNS": "a.example.com,b.example.com",
	})

	if cfg.Server.ListenAddr != ":7000" {
		t.Errorf("listen_addr = %q, want :7000", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level = %q, want warn", cfg.Server.LogLevel)
	}
	if cfg.World.MaxRange != 55.5 {
		t.Errorf("max_range = %v, want 55.5", cfg.World.MaxRange)
	}
	if cfg.World.MinRange != 2 {
		t.Errorf("min_range = %v, want the file value 2", cfg.World.MinRange)
	}
	if cfg.Server.TickRate != 100*time.Millisecond {
		t.Errorf("tick_rate = %v, want 100ms", cfg.Server.TickRate)
	}
	if cfg.Audio.Codec != "pcm" {
		t.Errorf("codec = %q, want pcm", cfg.Audio.Codec)
	}
	if diff := cmp.Diff([]string{"a.example.com", "b.example.com"}, cfg.Server.OriginPatterns); diff != "" {
		t.Errorf("origin_patterns mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadWithEnv(strings.NewReader("server:\n  listen_adr: \":1\"\n"), nil)
	if err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/vicinity.yaml"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestRegistry_Builtins(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	if diff := cmp.Diff([]string{"opus", "pcm"}, r.Codecs()); diff != "" {
		t.Errorf("codecs mismatch (-want +got):\n%s", diff)
	}

	c, err := r.CreateCodec("opus", config.AudioConfig{Bitrate: 16000})
	if err != nil {
		t.Fatalf("CreateCodec(opus): %v", err)
	}
	if got, ok := c.(codec.Opus); !ok || got.Bitrate != 16000 {
		t.Errorf("opus codec = %#v, want bitrate 16000", c)
	}

	p, err := r.CreateDSP(config.AudioConfig{DSP: "gate"})
	if err != nil {
		t.Fatalf("CreateDSP(gate): %v", err)
	}
	if _, ok := p.(*dsp.Gate); !ok {
		t.Errorf("dsp = %T, want *dsp.Gate", p)
	}

	if _, err := r.CreateCodec("speex", config.AudioConfig{}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("CreateCodec(speex): err = %v, want ErrNotRegistered", err)
	}
	if _, err := r.CreateDSP(config.AudioConfig{DSP: "rnnoise"}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("CreateDSP(rnnoise): err = %v, want ErrNotRegistered", err)
	}
}

func TestRegistry_CustomRegistration(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	r.RegisterCodec("raw", func(config.AudioConfig) (codec.Codec, error) { return codec.PCM{}, nil })

	c, err := r.CreateCodec("raw", config.AudioConfig{})
	if err != nil {
		t.Fatalf("CreateCodec(raw): %v", err)
	}
	if c.Name() != "pcm" {
		t.Errorf("Name() = %q, want pcm", c.Name())
	}
}
