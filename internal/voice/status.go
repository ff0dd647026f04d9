package voice

import (
	"fmt"

	"github.com/google/uuid"
)

// Phase is the step of the voice turn the session is in.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRecording
	PhaseTranscribing
	PhaseThinking
	PhaseSpeaking
)

// String returns the lower-case name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRecording:
		return "recording"
	case PhaseTranscribing:
		return "transcribing"
	case PhaseThinking:
		return "thinking"
	case PhaseSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Kind classifies a status update for the UI.
type Kind int

const (
	// KindInfo is a normal phase change.
	KindInfo Kind = iota
	// KindNotice is a latency-masking hint while waiting for the server.
	KindNotice
	// KindAlert marks an abnormal but non-fatal event that warrants a haptic
	// or audible alert, such as the recording deadline.
	KindAlert
	// KindError ends the turn.
	KindError
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInfo:
		return "info"
	case KindNotice:
		return "notice"
	case KindAlert:
		return "alert"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Status is one user-facing update from the session.
type Status struct {
	// TurnID identifies the turn; [uuid.Nil] for updates outside a turn.
	TurnID uuid.UUID
	Phase  Phase
	Kind   Kind

	// Message is the human-readable status line. In [PhaseSpeaking] it is
	// the reply being spoken.
	Message string

	// Err is set for [KindError] updates and wraps one of the package's
	// sentinel errors.
	Err error
}

// Status lines.
const (
	msgReady         = "Ready"
	msgListening     = "Listening…"
	msgTranscribing  = "Transcribing…"
	msgThinking      = "Thinking…"
	msgFirstNotice   = "Still working on it…"
	msgSecondNotice  = "Still working, this one needs a longer answer…"
	msgRecordTimeout = "Recording stopped after the time limit."
	msgCancelled     = "Cancelled"
)
