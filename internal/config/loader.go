package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":   {"whisper", "openai"},
	"tts":   {"elevenlabs"},
	"audio": {"sdl"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates it and applies
// defaults. Unknown fields are rejected. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// LoadBytes is [LoadFromReader] over an in-memory document.
func LoadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	// Discovery
	d := cfg.Discovery
	if d.Port < 0 || d.Port > 65535 {
		errs = append(errs, fmt.Errorf("discovery.port %d is out of range", d.Port))
	}
	if d.AttemptsPerCycle < 0 {
		errs = append(errs, fmt.Errorf("discovery.attempts_per_cycle %d must not be negative", d.AttemptsPerCycle))
	}
	if d.MaxCycles < 0 {
		errs = append(errs, fmt.Errorf("discovery.max_cycles %d must not be negative", d.MaxCycles))
	}
	if d.MinInterval > 0 && d.MaxInterval > 0 && d.MaxInterval < d.MinInterval {
		errs = append(errs, fmt.Errorf("discovery.max_interval %v is below min_interval %v", d.MaxInterval, d.MinInterval))
	}
	if d.ServerAddress != "" {
		if addr, err := netip.ParseAddr(d.ServerAddress); err != nil || !addr.Is4() {
			errs = append(errs, fmt.Errorf("discovery.server_address %q is not an IPv4 address", d.ServerAddress))
		}
	}

	// API
	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d is out of range", cfg.API.Port))
	}
	if cfg.API.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("api.history_limit %d must not be negative", cfg.API.HistoryLimit))
	}

	// Voice
	v := cfg.Voice
	if v.FirstNotice > 0 && v.SecondNotice > 0 && v.SecondNotice < v.FirstNotice {
		errs = append(errs, fmt.Errorf("voice.second_notice %v must not be before first_notice %v", v.SecondNotice, v.FirstNotice))
	}
	if v.ReplyTimeout > 0 && v.SecondNotice > 0 && v.ReplyTimeout <= v.SecondNotice {
		slog.Warn("voice.reply_timeout is not after voice.second_notice; the second notice will never show",
			"reply_timeout", v.ReplyTimeout, "second_notice", v.SecondNotice)
	}

	// Session
	if r := cfg.Session.SpeechRate; r != 0 && (r < 0.5 || r > 2.0) {
		errs = append(errs, fmt.Errorf("session.speech_rate %.2f is out of range [0.5, 2.0]", r))
	}

	// Audio
	for name, f := range map[string]FormatConfig{
		"capture":   cfg.Audio.Capture,
		"playback":  cfg.Audio.Playback,
		"synthesis": cfg.Audio.Synthesis,
	} {
		if f.SampleRate < 0 {
			errs = append(errs, fmt.Errorf("audio.%s.sample_rate %d must not be negative", name, f.SampleRate))
		}
		if f.Channels < 0 || f.Channels > 2 {
			errs = append(errs, fmt.Errorf("audio.%s.channels %d must be 1 or 2", name, f.Channels))
		}
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}
	if cfg.Providers.STT.Name == "" && len(cfg.Providers.STTFallbacks) > 0 {
		errs = append(errs, errors.New("providers.stt_fallbacks requires providers.stt"))
	}
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)

	if cfg.Providers.STT.Name == "" || cfg.Providers.TTS.Name == "" {
		slog.Warn("speech providers are not fully configured; voice turns will fail",
			"stt", cfg.Providers.STT.Name, "tts", cfg.Providers.TTS.Name)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
