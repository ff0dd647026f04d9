package audio

import (
	"fmt"
	"time"
)

// Frame is one chunk of little-endian int16 PCM flowing between the device,
// the speech providers and the format converter.
type Frame struct {
	Data []byte

	// SampleRate in Hz (16000 for speech recognition, 22050 or 44100 for
	// synthesised speech, the device rate for playback).
	SampleRate int

	// Channels is 1 for mono or 2 for interleaved stereo.
	Channels int

	// Timestamp is the offset of the first sample from stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of a stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Of returns the format of f.
func Of(f Frame) Format { return Format{SampleRate: f.SampleRate, Channels: f.Channels} }

// BytesPerSecond is the int16 PCM byte rate of the format.
func (f Format) BytesPerSecond() int { return f.SampleRate * f.Channels * 2 }

// Duration returns how long n bytes of PCM in this format play for.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }

// Role is the mode the shared device is opened in. Capture and playback are
// mutually exclusive on the tablet's audio hardware.
type Role int

const (
	RoleCapture Role = iota + 1
	RolePlayback
)

// String returns the lower-case name of the role.
func (r Role) String() string {
	switch r {
	case RoleCapture:
		return "capture"
	case RolePlayback:
		return "playback"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}
