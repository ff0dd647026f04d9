// Package arbiter grants exclusive, role-specific access to the tablet's
// single audio device.
//
// The device can either record or play, never both. [Arbiter.Acquire] hands
// out a [Token] for one role and is the only way to reach the hardware; the
// next token can only be granted after the current one is released. Release
// is best-effort: stream teardown errors are logged and swallowed, and a
// teardown that hangs is abandoned after a timeout, so the arbiter always
// returns to the free state.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/tablevoice/internal/observe"
	"github.com/MrWong99/tablevoice/pkg/audio"
)

var (
	// ErrCaptureUnavailable means the microphone could not be opened (busy,
	// denied, unplugged).
	ErrCaptureUnavailable = errors.New("arbiter: capture unavailable")

	// ErrPlaybackUnavailable means the speaker could not be opened.
	ErrPlaybackUnavailable = errors.New("arbiter: playback unavailable")

	// ErrTokenReleased is returned by token operations after release.
	ErrTokenReleased = errors.New("arbiter: token released")

	// ErrWrongRole is returned when a capture token is used for playback or
	// the other way round.
	ErrWrongRole = errors.New("arbiter: operation not valid for token role")
)

// DefaultTeardownTimeout bounds how long a release waits for the device.
const DefaultTeardownTimeout = 2 * time.Second

// Config sets the stream formats and the teardown bound.
type Config struct {
	CaptureFormat   audio.Format
	PlaybackFormat  audio.Format
	TeardownTimeout time.Duration
}

// Arbiter serialises access to one [audio.Device].
type Arbiter struct {
	dev     audio.Device
	cfg     Config
	metrics *observe.Metrics

	// slot holds one value while a token is outstanding or being opened.
	slot chan struct{}
	seq  atomic.Uint64

	mu      sync.Mutex
	current *Token
}

// New creates a free arbiter for dev. A nil m uses [observe.DefaultMetrics].
func New(dev audio.Device, cfg Config, m *observe.Metrics) *Arbiter {
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Arbiter{dev: dev, cfg: cfg, metrics: m, slot: make(chan struct{}, 1)}
}

// Acquire waits until the device is free or ctx ends, then opens it in role.
// If the device cannot be opened the arbiter stays free and the error wraps
// [ErrCaptureUnavailable] or [ErrPlaybackUnavailable].
func (a *Arbiter) Acquire(ctx context.Context, role audio.Role) (*Token, error) {
	select {
	case a.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("arbiter: acquire %s: %w", role, ctx.Err())
	}

	tok := &Token{arb: a, role: role, id: a.seq.Add(1)}
	var err error
	switch role {
	case audio.RoleCapture:
		tok.capture, err = a.dev.OpenCapture(ctx, a.cfg.CaptureFormat)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
		}
	case audio.RolePlayback:
		tok.playback, err = a.dev.OpenPlayback(ctx, a.cfg.PlaybackFormat)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrPlaybackUnavailable, err)
		}
	default:
		err = fmt.Errorf("arbiter: unknown role %v", role)
	}
	if err != nil {
		<-a.slot
		return nil, err
	}

	a.mu.Lock()
	a.current = tok
	a.mu.Unlock()

	a.metrics.RecordAcquisition(ctx, role.String())
	a.metrics.AudioHeld.Add(ctx, 1)
	slog.Debug("audio acquired", "role", role, "token", tok.id)
	return tok, nil
}

// Release tears down tok's stream and frees the device. Releasing a token
// that is nil, already released, or not the current one does nothing.
func (a *Arbiter) Release(tok *Token) {
	a.release(tok, "release")
}

// ForceRelease releases whatever token is outstanding. It is a no-op when
// the device is free and never blocks longer than the teardown timeout.
func (a *Arbiter) ForceRelease() {
	a.mu.Lock()
	tok := a.current
	a.mu.Unlock()
	a.release(tok, "force")
}

// Held reports the role of the outstanding token, if any.
func (a *Arbiter) Held() (audio.Role, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return 0, false
	}
	return a.current.role, true
}

func (a *Arbiter) release(tok *Token, reason string) {
	if tok == nil {
		return
	}
	a.mu.Lock()
	if a.current != tok {
		a.mu.Unlock()
		return
	}
	a.current = nil
	a.mu.Unlock()

	tok.invalidate()
	a.teardown(tok)
	<-a.slot

	a.metrics.AudioHeld.Add(context.Background(), -1)
	slog.Debug("audio released", "role", tok.role, "token", tok.id, "reason", reason)
}

// teardown closes the token's stream, giving up after TeardownTimeout.
func (a *Arbiter) teardown(tok *Token) {
	done := make(chan error, 1)
	go func() {
		if tok.playback != nil {
			done <- errors.Join(tok.playback.Flush(), tok.playback.Close())
			return
		}
		done <- tok.capture.Close()
	}()

	ctx := context.Background()
	select {
	case err := <-done:
		if err != nil {
			a.metrics.AudioTeardownFailures.Add(ctx, 1)
			slog.Warn("audio teardown failed", "role", tok.role, "token", tok.id, "err", err)
		}
	case <-time.After(a.cfg.TeardownTimeout):
		a.metrics.AudioTeardownFailures.Add(ctx, 1)
		slog.Warn("audio teardown timed out, abandoning stream",
			"role", tok.role, "token", tok.id, "timeout", a.cfg.TeardownTimeout)
	}
}

// Token is proof of exclusive device ownership in one role.
type Token struct {
	arb      *Arbiter
	role     audio.Role
	id       uint64
	capture  audio.CaptureStream
	playback audio.PlaybackStream

	mu       sync.Mutex
	released bool
}

// Role returns the role the token was granted for.
func (t *Token) Role() audio.Role { return t.role }

// Released reports whether the token has been invalidated.
func (t *Token) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

func (t *Token) invalidate() {
	t.mu.Lock()
	t.released = true
	t.mu.Unlock()
}

func (t *Token) check(role audio.Role) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return ErrTokenReleased
	}
	if t.role != role {
		return fmt.Errorf("%w: token is %s, need %s", ErrWrongRole, t.role, role)
	}
	return nil
}

// Frames returns the captured audio channel. It is closed on release.
func (t *Token) Frames() (<-chan audio.Frame, error) {
	if err := t.check(audio.RoleCapture); err != nil {
		return nil, err
	}
	return t.capture.Frames(), nil
}

// Write queues a frame on the speaker.
func (t *Token) Write(ctx context.Context, f audio.Frame) error {
	if err := t.check(audio.RolePlayback); err != nil {
		return err
	}
	return t.playback.Write(ctx, f)
}

// Drain waits until queued playback has finished.
func (t *Token) Drain(ctx context.Context) error {
	if err := t.check(audio.RolePlayback); err != nil {
		return err
	}
	return t.playback.Drain(ctx)
}

// Flush discards queued playback.
func (t *Token) Flush() error {
	if err := t.check(audio.RolePlayback); err != nil {
		return err
	}
	return t.playback.Flush()
}
