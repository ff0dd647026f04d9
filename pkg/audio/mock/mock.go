// Package mock provides an in-memory [audio.Device] for tests.
//
// The device records every open and close, tracks how many streams are open
// at the same time, and lets tests inject failures, captured audio and slow
// teardown. All methods are safe for concurrent use.
//
//	dev := &mock.Device{}
//	cs, _ := dev.OpenCapture(ctx, audio.Format{SampleRate: 16000, Channels: 1})
//	dev.Feed(audio.Frame{Data: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tablevoice/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

// Device is a mock [audio.Device]. Set the exported error fields before use;
// inspect the counters afterwards.
type Device struct {
	mu sync.Mutex

	// OpenCaptureErr and OpenPlaybackErr fail the next opens when non-nil.
	OpenCaptureErr  error
	OpenPlaybackErr error

	// CloseErr is returned by every stream Close.
	CloseErr error

	// CloseBlock, when non-nil, makes stream Close wait until it is closed.
	CloseBlock chan struct{}

	// WriteErr is returned by playback Write.
	WriteErr error

	// FrameBuffer sizes the capture channel. Default 64.
	FrameBuffer int

	CaptureOpens  int
	PlaybackOpens int
	Closes        int

	// MaxConcurrent is the highest number of simultaneously open streams
	// ever observed. A correct arbiter keeps it at 1.
	MaxConcurrent int

	// Written holds every frame written to any playback stream.
	Written []audio.Frame

	// Events is the ordered open/close log, e.g. "open capture",
	// "close playback".
	Events []string

	open    int
	capture *captureStream
}

func (d *Device) opened(role audio.Role) {
	d.open++
	d.MaxConcurrent = max(d.MaxConcurrent, d.open)
	d.Events = append(d.Events, "open "+role.String())
}

// OpenCapture implements [audio.Device].
func (d *Device) OpenCapture(_ context.Context, f audio.Format) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenCaptureErr != nil {
		return nil, d.OpenCaptureErr
	}
	d.CaptureOpens++
	d.opened(audio.RoleCapture)
	size := d.FrameBuffer
	if size <= 0 {
		size = 64
	}
	cs := &captureStream{dev: d, format: f, frames: make(chan audio.Frame, size)}
	d.capture = cs
	return cs, nil
}

// OpenPlayback implements [audio.Device].
func (d *Device) OpenPlayback(_ context.Context, f audio.Format) (audio.PlaybackStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenPlaybackErr != nil {
		return nil, d.OpenPlaybackErr
	}
	d.PlaybackOpens++
	d.opened(audio.RolePlayback)
	return &playbackStream{dev: d, format: f}, nil
}

// Feed delivers a frame on the currently open capture stream. It reports
// false when no capture stream is open.
func (d *Device) Feed(f audio.Frame) bool {
	d.mu.Lock()
	cs := d.capture
	d.mu.Unlock()
	if cs == nil {
		return false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return false
	}
	cs.frames <- f
	return true
}

// Open returns the number of currently open streams.
func (d *Device) Open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Snapshot returns a copy of the event log.
func (d *Device) Snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.Events...)
}

// close runs the shared close bookkeeping. It blocks on CloseBlock outside
// the device lock.
func (d *Device) close(role audio.Role) error {
	d.mu.Lock()
	block := d.CloseBlock
	d.mu.Unlock()
	if block != nil {
		<-block
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.open--
	d.Closes++
	d.Events = append(d.Events, "close "+role.String())
	return d.CloseErr
}

type captureStream struct {
	dev    *Device
	format audio.Format

	mu     sync.Mutex
	frames chan audio.Frame
	closed bool
}

func (c *captureStream) Frames() <-chan audio.Frame { return c.frames }

func (c *captureStream) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.frames)
	c.mu.Unlock()

	c.dev.mu.Lock()
	if c.dev.capture == c {
		c.dev.capture = nil
	}
	c.dev.mu.Unlock()
	return c.dev.close(audio.RoleCapture)
}

type playbackStream struct {
	dev    *Device
	format audio.Format

	mu     sync.Mutex
	closed bool
}

func (p *playbackStream) Write(ctx context.Context, f audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	if p.dev.WriteErr != nil {
		return p.dev.WriteErr
	}
	p.dev.Written = append(p.dev.Written, f)
	return nil
}

func (p *playbackStream) Drain(ctx context.Context) error { return ctx.Err() }

func (p *playbackStream) Flush() error { return nil }

func (p *playbackStream) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.dev.close(audio.RolePlayback)
}
