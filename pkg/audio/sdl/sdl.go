// Package sdl drives the tablet's microphone and speaker through SDL2's
// queued (callback-free) audio API.
//
// Capture devices are polled: SDL buffers recorded samples internally and a
// goroutine dequeues whatever has accumulated every poll interval. Playback
// writes are queued with back-pressure so at most MaxQueued of audio sits in
// SDL's buffer, which keeps Flush (barge-in) responsive.
package sdl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gosdl "github.com/veandco/go-sdl2/sdl"

	"github.com/MrWong99/tablevoice/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

// sdlMu serialises SDL audio calls made from different goroutines.
var sdlMu sync.Mutex

var (
	initOnce sync.Once
	initErr  error
)

// Option customises a [Device].
type Option func(*Device)

// WithPollInterval sets how often captured audio is dequeued. Default 20ms.
func WithPollInterval(d time.Duration) Option {
	return func(dev *Device) { dev.poll = d }
}

// WithMaxQueued bounds the playback audio buffered inside SDL. Default 500ms.
func WithMaxQueued(d time.Duration) Option {
	return func(dev *Device) { dev.maxQueued = d }
}

// Device opens SDL audio devices by name. The empty name selects the system
// default.
type Device struct {
	captureName  string
	playbackName string
	poll         time.Duration
	maxQueued    time.Duration
}

// New initialises the SDL audio subsystem (once per process) and returns a
// device using the named capture and playback endpoints.
func New(captureName, playbackName string, opts ...Option) (*Device, error) {
	initOnce.Do(func() {
		sdlMu.Lock()
		defer sdlMu.Unlock()
		initErr = gosdl.InitSubSystem(gosdl.INIT_AUDIO)
	})
	if initErr != nil {
		return nil, fmt.Errorf("sdl: init audio: %w", initErr)
	}
	d := &Device{
		captureName:  captureName,
		playbackName: playbackName,
		poll:         20 * time.Millisecond,
		maxQueued:    500 * time.Millisecond,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// CaptureDevices lists the names of available microphones.
func CaptureDevices() []string {
	sdlMu.Lock()
	defer sdlMu.Unlock()
	n := gosdl.GetNumAudioDevices(true)
	names := make([]string, 0, n)
	for i := range n {
		if name := gosdl.GetAudioDeviceName(i, true); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func open(name string, capture bool, f audio.Format) (gosdl.AudioDeviceID, error) {
	spec := gosdl.AudioSpec{
		Freq:     int32(f.SampleRate),
		Format:   gosdl.AUDIO_S16SYS,
		Channels: uint8(f.Channels),
		Samples:  1024,
	}
	sdlMu.Lock()
	defer sdlMu.Unlock()
	id, err := gosdl.OpenAudioDevice(name, capture, &spec, nil, 0)
	if err != nil {
		return 0, err
	}
	gosdl.PauseAudioDevice(id, false)
	return id, nil
}

func closeDevice(id gosdl.AudioDeviceID) {
	sdlMu.Lock()
	defer sdlMu.Unlock()
	gosdl.PauseAudioDevice(id, true)
	gosdl.CloseAudioDevice(id)
}

func queued(id gosdl.AudioDeviceID) int {
	sdlMu.Lock()
	defer sdlMu.Unlock()
	return int(gosdl.GetQueuedAudioSize(id))
}

// OpenCapture implements [audio.Device].
func (d *Device) OpenCapture(_ context.Context, f audio.Format) (audio.CaptureStream, error) {
	id, err := open(d.captureName, true, f)
	if err != nil {
		return nil, fmt.Errorf("sdl: open capture %q: %w", d.captureName, err)
	}
	cs := &captureStream{
		id:     id,
		format: f,
		frames: make(chan audio.Frame, 32),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go cs.pump(d.poll)
	slog.Debug("sdl: capture opened", "device", d.captureName, "format", f)
	return cs, nil
}

// OpenPlayback implements [audio.Device].
func (d *Device) OpenPlayback(_ context.Context, f audio.Format) (audio.PlaybackStream, error) {
	id, err := open(d.playbackName, false, f)
	if err != nil {
		return nil, fmt.Errorf("sdl: open playback %q: %w", d.playbackName, err)
	}
	slog.Debug("sdl: playback opened", "device", d.playbackName, "format", f)
	return &playbackStream{id: id, format: f, maxQueued: f.BytesPerSecond() * int(d.maxQueued/time.Millisecond) / 1000}, nil
}

type captureStream struct {
	id     gosdl.AudioDeviceID
	format audio.Format
	frames chan audio.Frame

	once   sync.Once
	done   chan struct{}
	exited chan struct{}
}

func (c *captureStream) Frames() <-chan audio.Frame { return c.frames }

func (c *captureStream) pump(every time.Duration) {
	defer close(c.exited)
	defer close(c.frames)

	start := time.Now()
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-tick.C:
		}

		n := queued(c.id)
		n -= n % (2 * c.format.Channels)
		if n == 0 {
			continue
		}
		buf := make([]byte, n)
		sdlMu.Lock()
		err := gosdl.DequeueAudio(c.id, buf)
		sdlMu.Unlock()
		if err != nil {
			slog.Warn("sdl: dequeue capture audio", "err", err)
			return
		}

		select {
		case c.frames <- audio.Frame{
			Data:       buf,
			SampleRate: c.format.SampleRate,
			Channels:   c.format.Channels,
			Timestamp:  time.Since(start),
		}:
		case <-c.done:
			return
		}
	}
}

func (c *captureStream) Close() error {
	c.once.Do(func() {
		close(c.done)
		<-c.exited
		closeDevice(c.id)
	})
	return nil
}

type playbackStream struct {
	id        gosdl.AudioDeviceID
	format    audio.Format
	maxQueued int

	mu     sync.Mutex
	closed bool
}

var errClosed = errors.New("sdl: playback stream closed")

// waitBelow polls until SDL holds at most limit queued bytes.
func (p *playbackStream) waitBelow(ctx context.Context, limit int) error {
	for {
		if queued(p.id) <= limit {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (p *playbackStream) Write(ctx context.Context, f audio.Frame) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errClosed
	}
	if audio.Of(f) != p.format {
		return fmt.Errorf("sdl: frame format %v, stream opened as %v", audio.Of(f), p.format)
	}
	if err := p.waitBelow(ctx, p.maxQueued); err != nil {
		return err
	}
	sdlMu.Lock()
	defer sdlMu.Unlock()
	return gosdl.QueueAudio(p.id, f.Data)
}

func (p *playbackStream) Drain(ctx context.Context) error {
	return p.waitBelow(ctx, 0)
}

func (p *playbackStream) Flush() error {
	sdlMu.Lock()
	defer sdlMu.Unlock()
	gosdl.ClearQueuedAudio(p.id)
	return nil
}

func (p *playbackStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	closeDevice(p.id)
	return nil
}
