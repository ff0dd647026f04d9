package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only the log level and the session block are applied without a restart;
// any other change is listed in RestartFields.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TableIDChanged bool
	GameChanged    bool
	VoiceChanged   bool // voice_id or speech_rate

	// RestartFields names the top-level blocks whose changes only take
	// effect after a restart.
	RestartFields []string
}

// SessionChanged reports whether any hot-reloadable session setting changed.
func (d ConfigDiff) SessionChanged() bool {
	return d.TableIDChanged || d.GameChanged || d.VoiceChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	prev, next := old.Session, new.Session
	d.TableIDChanged = prev.TableID != next.TableID
	d.GameChanged = prev.Game != next.Game
	d.VoiceChanged = prev.VoiceID != next.VoiceID || prev.SpeechRate != next.SpeechRate

	restart := []struct {
		name    string
		changed bool
	}{
		{"log", old.Log.File != new.Log.File || old.Log.MaxSizeMB != new.Log.MaxSizeMB || old.Log.MaxBackups != new.Log.MaxBackups},
		{"server", old.Server != new.Server},
		{"discovery", old.Discovery != new.Discovery},
		{"api", old.API != new.API},
		{"voice", !voiceEqual(old.Voice, new.Voice)},
		{"audio", old.Audio != new.Audio},
		{"providers", !reflect.DeepEqual(old.Providers, new.Providers)},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartFields = append(d.RestartFields, r.name)
		}
	}
	return d
}

func voiceEqual(a, b VoiceConfig) bool {
	if !slices.Equal(a.Placeholders, b.Placeholders) {
		return false
	}
	a.Placeholders, b.Placeholders = nil, nil
	return reflect.DeepEqual(a, b)
}
