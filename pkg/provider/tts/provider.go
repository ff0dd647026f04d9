// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform streaming interface. SynthesizeStream accepts a channel
// of text fragments and returns raw PCM as it becomes available, so playback
// can begin before the whole reply has been synthesised.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments and returns a channel emitting
	// little-endian int16 PCM chunks in the provider's configured output
	// format.
	//
	// The audio channel is closed when all text has been synthesised, when
	// the provider fails mid-stream, or when ctx is cancelled. Cancelling ctx
	// stops synthesis promptly. Callers must drain the channel.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// Text returns a closed channel carrying the single fragment s, the usual
// input for synthesising a complete reply.
func Text(s string) <-chan string {
	ch := make(chan string, 1)
	ch <- s
	close(ch)
	return ch
}
