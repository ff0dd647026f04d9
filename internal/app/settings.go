package app

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/MrWong99/tablevoice/internal/config"
)

// Settings returns the current session settings.
func (a *App) Settings() config.SessionConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// ApplySettings replaces the session settings without a restart. The voice
// change applies to the next reply. Switching table or game starts a new
// conversation; switching game also reloads the vocabulary.
func (a *App) ApplySettings(s config.SessionConfig) {
	if s.TableID == "" {
		s.TableID = config.DefaultTableID
	}

	a.mu.Lock()
	prev := a.settings
	a.settings = s
	newConversation := prev.TableID != s.TableID || prev.Game != s.Game
	if newConversation {
		a.sessionID = uuid.New()
		a.history = nil
	}
	sessionID := a.sessionID
	a.mu.Unlock()

	slog.Info("session settings applied",
		"table_id", s.TableID,
		"game", s.Game,
		"voice_id", s.VoiceID,
		"speech_rate", s.SpeechRate,
		"session_id", sessionID,
	)
	if prev.Game != s.Game {
		go a.refreshKeywords()
	}
}

// onConfigChange is the watcher callback.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(LogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged() {
		a.ApplySettings(new.Session)
	}
	if len(d.RestartFields) > 0 {
		slog.Warn("config changes require a restart to take effect", "fields", d.RestartFields)
	}
}

// LogLevel maps a config level to its slog equivalent.
func LogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
