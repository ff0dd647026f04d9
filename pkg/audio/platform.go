// Package audio defines the audio device abstraction and the PCM helpers the
// voice pipeline shares.
//
// A [Device] is the single physical microphone/speaker pair of the tablet.
// It hands out a [CaptureStream] or a [PlaybackStream]; callers must never
// hold both at once (the arbiter in internal/arbiter enforces this). Backends
// live in sub-packages: audio/sdl drives real hardware, audio/mock records
// calls for tests.
package audio

import "context"

// Device opens the shared audio hardware in one role at a time.
//
// Implementations must be safe for concurrent use, but callers are expected
// to serialise opens through an arbiter.
type Device interface {
	// OpenCapture starts recording in format f. Frames are delivered on the
	// stream's channel until Close is called.
	OpenCapture(ctx context.Context, f Format) (CaptureStream, error)

	// OpenPlayback prepares the output path for PCM in format f.
	OpenPlayback(ctx context.Context, f Format) (PlaybackStream, error)
}

// CaptureStream is an open recording.
type CaptureStream interface {
	// Frames delivers captured audio. The channel is closed by Close or
	// when the device fails.
	Frames() <-chan Frame

	// Close stops recording and releases the hardware. It is safe to call
	// more than once.
	Close() error
}

// PlaybackStream is an open output path.
type PlaybackStream interface {
	// Write queues a frame for playback. It may block while the device
	// buffer is full; ctx bounds the wait.
	Write(ctx context.Context, f Frame) error

	// Drain blocks until every queued frame has played or ctx ends.
	Drain(ctx context.Context) error

	// Flush discards queued audio immediately.
	Flush() error

	// Close releases the hardware. It is safe to call more than once.
	Close() error
}
