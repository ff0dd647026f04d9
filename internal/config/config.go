// Package config provides the configuration schema, loader, and provider
// registry for the tablevoice client.
package config

import "time"

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

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	API       APIConfig       `yaml:"api"`
	Voice     VoiceConfig     `yaml:"voice"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Providers ProvidersConfig `yaml:"providers"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level LogLevel `yaml:"level"`

	// File, when set, receives a copy of every log record. The file is
	// rotated once it reaches MaxSizeMB; MaxBackups old files are kept.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// ServerConfig configures the optional diagnostics HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz and /metrics
	// (e.g. ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`
}

// DiscoveryConfig holds the broadcast protocol parameters. Zero values take
// the discovery package defaults.
type DiscoveryConfig struct {
	Port             int           `yaml:"port"`
	Request          string        `yaml:"request"`
	ReplyMarker      string        `yaml:"reply_marker"`
	AttemptsPerCycle int           `yaml:"attempts_per_cycle"`
	MaxCycles        int           `yaml:"max_cycles"`
	MinInterval      time.Duration `yaml:"min_interval"`
	MaxInterval      time.Duration `yaml:"max_interval"`
	Cooldown         time.Duration `yaml:"cooldown"`

	// ServerAddress skips broadcasting and connects to this IPv4 address.
	ServerAddress string `yaml:"server_address"`
}

// APIConfig configures the chat API client.
type APIConfig struct {
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`

	// HistoryLimit is the number of most recent history entries sent with
	// each chat request.
	HistoryLimit int `yaml:"history_limit"`
}

// VoiceConfig holds the voice turn timings and recognition settings.
type VoiceConfig struct {
	RecordTimeout  time.Duration `yaml:"record_timeout"`
	FirstNotice    time.Duration `yaml:"first_notice"`
	SecondNotice   time.Duration `yaml:"second_notice"`
	ReplyTimeout   time.Duration `yaml:"reply_timeout"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// Language is the BCP-47 tag passed to speech recognition.
	Language string `yaml:"language"`

	// Placeholders overrides the list of transcripts treated as "nothing
	// was said".
	Placeholders []string `yaml:"placeholders"`
}

// SessionConfig holds the settings that can change while the client runs.
type SessionConfig struct {
	TableID string `yaml:"table_id"`

	// Game is the name of the game being played, matched against the
	// server's game list.
	Game string `yaml:"game"`

	VoiceID string `yaml:"voice_id"`

	// SpeechRate scales the TTS speaking rate; 1.0 is normal. 0 uses the
	// provider default.
	SpeechRate float64 `yaml:"speech_rate"`
}

// AudioConfig sets the PCM formats used for capture, playback, and the
// synthesiser output.
type AudioConfig struct {
	Capture   FormatConfig `yaml:"capture"`
	Playback  FormatConfig `yaml:"playback"`
	Synthesis FormatConfig `yaml:"synthesis"`
}

// FormatConfig is a sample rate and channel count.
type FormatConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// ProvidersConfig declares which provider implementation to use for each
// stage. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`

	// STTFallbacks are tried in order when STT fails.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	TTS   ProviderEntry `yaml:"tts"`
	Audio ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "whisper", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "whisper-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// Defaults for fields [ApplyDefaults] fills in.
const (
	DefaultAPIPort      = 8000
	DefaultAPITimeout   = 15 * time.Second
	DefaultHistoryLimit = 10
	DefaultLanguage     = "en"
	DefaultTableID      = "table-1"
	DefaultLogSizeMB    = 10
	DefaultLogBackups   = 3
)

// ApplyDefaults fills unset fields that the rest of the program reads
// directly. Discovery and voice timings are left at zero; their packages
// apply their own defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = LogInfo
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = DefaultLogSizeMB
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = DefaultLogBackups
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = DefaultAPIPort
	}
	if cfg.API.Timeout <= 0 {
		cfg.API.Timeout = DefaultAPITimeout
	}
	if cfg.API.HistoryLimit <= 0 {
		cfg.API.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Voice.Language == "" {
		cfg.Voice.Language = DefaultLanguage
	}
	if cfg.Session.TableID == "" {
		cfg.Session.TableID = DefaultTableID
	}
	defaultFormat(&cfg.Audio.Capture, 16000, 1)
	defaultFormat(&cfg.Audio.Playback, 48000, 2)
	defaultFormat(&cfg.Audio.Synthesis, 16000, 1)
}

func defaultFormat(f *FormatConfig, rate, channels int) {
	if f.SampleRate == 0 {
		f.SampleRate = rate
	}
	if f.Channels == 0 {
		f.Channels = channels
	}
}
