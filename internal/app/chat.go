package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/tablevoice/internal/chatapi"
	"github.com/MrWong99/tablevoice/internal/observe"
	"github.com/MrWong99/tablevoice/internal/resilience"
	"github.com/MrWong99/tablevoice/internal/voice"
	"github.com/MrWong99/tablevoice/pkg/provider/tts"
)

var _ voice.Replier = (*App)(nil)

// Reply answers one transcript through the chat API. It implements
// [voice.Replier] and runs off the voice loop.
//
// Known game terms are corrected before sending. The most recent
// api.history_limit history entries go with the request; the question and
// the answer are appended only when the call succeeds. An unreachable
// server, or a chat breaker that has opened, drops the connection and
// restarts discovery.
func (a *App) Reply(ctx context.Context, turn uuid.UUID, transcript string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "app.Reply")
	defer span.End()
	log := observe.Logger(ctx).With("turn", turn)

	a.mu.Lock()
	client := a.client
	settings := a.settings
	sessionID := a.sessionID
	history := recent(a.history, a.cfg.API.HistoryLimit)
	a.mu.Unlock()
	if client == nil {
		return "", ErrNotConnected
	}

	question, fixes := a.corrector.Correct(transcript)
	for _, f := range fixes {
		log.Debug("transcript corrected", "from", f.Original, "to", f.Corrected, "score", f.Score)
	}

	req := chatapi.ChatRequest{
		TableID:     settings.TableID,
		SessionID:   sessionID.String(),
		GameContext: chatapi.GameContext{GameName: settings.Game},
		UserInput:   question,
		History:     history,
	}

	var reply chatapi.ChatReply
	err := a.breaker.Execute(func() error {
		var err error
		reply, err = client.Chat(ctx, req)
		return err
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, chatapi.ErrUnreachable) || errors.Is(err, resilience.ErrCircuitOpen) {
			a.disconnect(client, err)
		}
		return "", fmt.Errorf("app: chat: %w", err)
	}

	log.Info("chat reply", "intent", reply.Intent, "source", reply.Source)

	a.mu.Lock()
	// A reply for a conversation that was reset meanwhile is not recorded.
	if a.sessionID == sessionID {
		a.history = append(a.history,
			chatapi.HistoryEntry{Role: chatapi.RoleUser, Content: question, Intent: reply.Intent},
			chatapi.HistoryEntry{Role: chatapi.RoleAssistant, Content: reply.Response, Intent: reply.Intent},
		)
	}
	a.mu.Unlock()

	return reply.Response, nil
}

// History returns a copy of the conversation log.
func (a *App) History() []chatapi.HistoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.history)
}

// recent returns a copy of the last n entries of h.
func recent(h []chatapi.HistoryEntry, n int) []chatapi.HistoryEntry {
	if n <= 0 {
		return []chatapi.HistoryEntry{}
	}
	if len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]chatapi.HistoryEntry{}, h...)
}

// ── vocabulary ──────────────────────────────────────────────────────────────

// Hints returns the current game's keywords, passed to STT as prompt hints.
func (a *App) Hints() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.hints)
}

// refreshKeywords loads the vocabulary of the configured game from the
// connected server. Only the newest refresh is applied.
func (a *App) refreshKeywords() {
	a.mu.Lock()
	a.kwGen++
	gen := a.kwGen
	client, game := a.client, a.settings.Game
	a.mu.Unlock()
	if client == nil {
		return
	}

	words, err := a.fetchKeywords(a.ctx, client, game)
	if err != nil {
		slog.Warn("app: keywords unavailable", "game", game, "err", err)
		words = nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.kwGen {
		return
	}
	a.hints = words
	a.corrector.SetVocabulary(words)
	if len(words) > 0 {
		slog.Info("game vocabulary loaded", "game", game, "keywords", len(words))
	}
}

// fetchKeywords returns the keywords of game, using the cache when the same
// server was asked before.
func (a *App) fetchKeywords(ctx context.Context, client *chatapi.Client, game string) ([]string, error) {
	if game == "" {
		return nil, nil
	}
	key := client.BaseURL() + "|" + strings.ToLower(game)
	if words, ok := a.keywords.Get(key); ok {
		return words, nil
	}

	games, err := client.Games(ctx)
	if err != nil {
		return nil, err
	}
	g, ok := chatapi.FindGame(games, game)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGame, game)
	}
	words, err := client.Keywords(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	a.keywords.Add(key, words)
	return words, nil
}

// voiceProfile is read by the voice session once per reply.
func (a *App) voiceProfile() tts.VoiceProfile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return tts.VoiceProfile{ID: a.settings.VoiceID, SpeedFactor: a.settings.SpeechRate}
}
