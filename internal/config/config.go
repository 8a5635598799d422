// Package config provides the configuration schema, loader, watcher and
// codec/DSP registry for the vicinity server and client.
package config

import (
	"time"

	"github.com/MrWong99/vicinity/internal/effect"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults] to zero fields.
const (
	DefaultListenAddr      = ":7777"
	DefaultLogLevel        = LogInfo
	DefaultTickRate        = 50 * time.Millisecond
	DefaultLoginTimeout    = 10 * time.Second
	DefaultSpeakingTimeout = 500 * time.Millisecond
	DefaultTickWorkers     = 8
	DefaultReliableQueue   = 256
	DefaultAudioQueue      = 64
	DefaultMaxRange        = 30.0
	DefaultCodec           = "opus"
	DefaultDSP             = "none"
	DefaultMetricsPath     = "/metrics"
	DefaultServiceName     = "vicinity"
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader]; VICINITY_* environment
// variables override file values.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	World         WorldConfig         `yaml:"world"`
	Audio         AudioConfig         `yaml:"audio"`
	Effects       []effect.Params     `yaml:"effects"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds network, logging and session settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":7777").
	ListenAddr string   `yaml:"listen_addr" env:"VICINITY_LISTEN_ADDR, overwrite"`
	LogLevel   LogLevel `yaml:"log_level" env:"VICINITY_LOG_LEVEL, overwrite"`

	// TLS enables HTTPS/WSS when both paths are set.
	TLS TLSConfig `yaml:"tls"`

	// OriginPatterns lists the browser origins allowed to open a websocket.
	OriginPatterns []string `yaml:"origin_patterns" env:"VICINITY_ORIGIN_PATTERNS, overwrite"`

	TickRate        time.Duration `yaml:"tick_rate" env:"VICINITY_TICK_RATE, overwrite"`
	LoginTimeout    time.Duration `yaml:"login_timeout" env:"VICINITY_LOGIN_TIMEOUT, overwrite"`
	SpeakingTimeout time.Duration `yaml:"speaking_timeout" env:"VICINITY_SPEAKING_TIMEOUT, overwrite"`
	TickWorkers     int           `yaml:"tick_workers" env:"VICINITY_TICK_WORKERS, overwrite"`

	// ReliableQueue and AudioQueue are per-session outbound queue lengths.
	ReliableQueue int `yaml:"reliable_queue" env:"VICINITY_RELIABLE_QUEUE, overwrite"`
	AudioQueue    int `yaml:"audio_queue" env:"VICINITY_AUDIO_QUEUE, overwrite"`

	// RestrictClients limits client updates to name, position, rotation,
	// mute, deafen and properties. Bitmasks, ranges and world ids are then
	// owned by whatever drives the server-side world.
	RestrictClients bool `yaml:"restrict_clients" env:"VICINITY_RESTRICT_CLIENTS, overwrite"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" env:"VICINITY_TLS_CERT_FILE, overwrite"`
	KeyFile  string `yaml:"key_file" env:"VICINITY_TLS_KEY_FILE, overwrite"`
}

// Enabled reports whether both certificate paths are set.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// WorldConfig bounds the entity registry and sets the default hearing
// ranges.
type WorldConfig struct {
	// MaxEntities caps the number of live entities; zero means unlimited.
	MaxEntities int `yaml:"max_entities" env:"VICINITY_MAX_ENTITIES, overwrite"`

	MinRange float64 `yaml:"min_range" env:"VICINITY_MIN_RANGE, overwrite"`
	MaxRange float64 `yaml:"max_range" env:"VICINITY_MAX_RANGE, overwrite"`
}

// AudioConfig selects the codec and capture processing.
type AudioConfig struct {
	// Codec is the name announced to clients; see [Registry]. The server
	// refuses to start with an unregistered codec.
	Codec string `yaml:"codec" env:"VICINITY_CODEC, overwrite"`

	// Bitrate is the Opus bitrate in bit/s, announced to clients at login;
	// zero keeps the codec default.
	Bitrate int `yaml:"bitrate" env:"VICINITY_BITRATE, overwrite"`

	// The remaining fields are read by "vicinity client -config".

	// DSP names the capture processor used by the client.
	DSP string `yaml:"dsp" env:"VICINITY_DSP, overwrite"`

	// Jitter buffer tuning for the client; zero keeps the pipeline defaults.
	JitterCapacity   int           `yaml:"jitter_capacity" env:"VICINITY_JITTER_CAPACITY, overwrite"`
	JitterPrefill    int           `yaml:"jitter_prefill" env:"VICINITY_JITTER_PREFILL, overwrite"`
	SilenceThreshold time.Duration `yaml:"silence_threshold" env:"VICINITY_SILENCE_THRESHOLD, overwrite"`
}

// ObservabilityConfig configures metrics and readiness.
type ObservabilityConfig struct {
	ServiceName string `yaml:"service_name" env:"VICINITY_SERVICE_NAME, overwrite"`
	MetricsPath string `yaml:"metrics_path" env:"VICINITY_METRICS_PATH, overwrite"`

	// TickStaleAfter is how old the last logic tick may be before /readyz
	// fails. Zero means ten tick intervals.
	TickStaleAfter time.Duration `yaml:"tick_stale_after" env:"VICINITY_TICK_STALE_AFTER, overwrite"`
}

// ApplyDefaults fills zero fields with their defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = DefaultLogLevel
	}
	if s.TickRate == 0 {
		s.TickRate = DefaultTickRate
	}
	if s.LoginTimeout == 0 {
		s.LoginTimeout = DefaultLoginTimeout
	}
	if s.SpeakingTimeout == 0 {
		s.SpeakingTimeout = DefaultSpeakingTimeout
	}
	if s.TickWorkers == 0 {
		s.TickWorkers = DefaultTickWorkers
	}
	if s.ReliableQueue == 0 {
		s.ReliableQueue = DefaultReliableQueue
	}
	if s.AudioQueue == 0 {
		s.AudioQueue = DefaultAudioQueue
	}

	if cfg.World.MaxRange == 0 {
		cfg.World.MaxRange = DefaultMaxRange
	}

	if cfg.Audio.Codec == "" {
		cfg.Audio.Codec = DefaultCodec
	}
	if cfg.Audio.DSP == "" {
		cfg.Audio.DSP = DefaultDSP
	}

	o := &cfg.Observability
	if o.ServiceName == "" {
		o.ServiceName = DefaultServiceName
	}
	if o.MetricsPath == "" {
		o.MetricsPath = DefaultMetricsPath
	}
	if o.TickStaleAfter == 0 {
		o.TickStaleAfter = 10 * s.TickRate
	}

	for i, p := range cfg.Effects {
		cfg.Effects[i] = p.Normalize()
	}
}
