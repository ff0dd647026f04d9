package voice

import (
	"errors"

	"github.com/MrWong99/tablevoice/internal/arbiter"
)

// Turn failures. Each one ends only the current turn; the session is back in
// [PhaseIdle] by the time the error status is delivered.
var (
	// ErrTranscriptionEmpty means speech recognition produced nothing usable:
	// no text, a placeholder, a low-confidence result, or a provider error.
	ErrTranscriptionEmpty = errors.New("voice: transcription empty")

	// ErrRemote means the reply could not be obtained from the game server.
	ErrRemote = errors.New("voice: remote error")

	// ErrPlayback means the reply could not be synthesised or played.
	ErrPlayback = errors.New("voice: playback error")

	// ErrCaptureUnavailable is the arbiter's error for a busy or denied
	// microphone, re-exported so callers need only this package.
	ErrCaptureUnavailable = arbiter.ErrCaptureUnavailable
)

// message returns the user-facing text for a turn failure.
func message(err error) string {
	switch {
	case errors.Is(err, ErrTranscriptionEmpty):
		return "Sorry, I didn't catch that."
	case errors.Is(err, ErrCaptureUnavailable):
		return "The microphone is not available."
	case errors.Is(err, ErrRemote):
		return "The game server did not answer. Please try again."
	case errors.Is(err, ErrPlayback):
		return "Sorry, I couldn't play the answer."
	default:
		return "Something went wrong."
	}
}

// outcome is the turn metric label for err.
func outcome(err error) string {
	switch {
	case errors.Is(err, ErrTranscriptionEmpty):
		return "empty"
	case errors.Is(err, ErrCaptureUnavailable):
		return "capture_error"
	case errors.Is(err, ErrRemote):
		return "remote_error"
	case errors.Is(err, ErrPlayback):
		return "playback_error"
	default:
		return "error"
	}
}
