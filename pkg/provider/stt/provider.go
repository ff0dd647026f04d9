// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A push-to-talk turn opens one session, appends captured PCM while the
// button is held, and asks for a single authoritative transcript with
// [SessionHandle.Finalize] once recording stops. Providers that only offer
// batch recognition (whisper.cpp, the OpenAI transcription endpoint) share
// the buffering logic in [BatchSession] and implement [Transcriber].
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by session methods called after Close.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition language of a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Defaults to 16000.
	SampleRate int

	// Channels is the number of interleaved channels. Defaults to 1.
	Channels int

	// Language is the BCP-47 language tag (e.g., "en", "de"). Empty lets the
	// provider auto-detect.
	Language string
}

// Result is the final transcript of one recording.
type Result struct {
	// Text is the recognised speech, trimmed of surrounding whitespace.
	Text string

	// Confidence is in [0, 1]. Zero when the provider does not report one.
	Confidence float64

	// LowConfidence is set when the recording was near-silent or the
	// provider's confidence fell below its threshold. Callers should treat
	// the turn as not understood regardless of Text.
	LowConfidence bool

	// Duration is the length of the audio that was transcribed.
	Duration time.Duration
}

// SessionHandle is an open recognition session for one recording.
//
// Callers must call Close when done; Close is idempotent.
type SessionHandle interface {
	// AppendAudio buffers a chunk of little-endian int16 PCM in the format
	// agreed in StreamConfig.
	AppendAudio(chunk []byte) error

	// Finalize transcribes everything appended so far. hints are vocabulary
	// prompts (game terms, proper nouns) that bias recognition.
	Finalize(ctx context.Context, hints []string) (Result, error)

	// Close discards buffered audio and releases resources.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartSession opens a session with the given audio format. No network
	// traffic is required before Finalize.
	StartSession(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
