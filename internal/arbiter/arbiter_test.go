package arbiter

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/tablevoice/pkg/audio"
	"github.com/MrWong99/tablevoice/pkg/audio/mock"
)

var (
	speech  = audio.Format{SampleRate: 16000, Channels: 1}
	speaker = audio.Format{SampleRate: 48000, Channels: 2}
)

func newArbiter(dev audio.Device, timeout time.Duration) *Arbiter {
	return New(dev, Config{CaptureFormat: speech, PlaybackFormat: speaker, TeardownTimeout: timeout}, nil)
}

func TestAcquireRelease(t *testing.T) {
	dev := &mock.Device{}
	a := newArbiter(dev, 0)
	ctx := context.Background()

	tok, err := a.Acquire(ctx, audio.RoleCapture)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if role, ok := a.Held(); !ok || role != audio.RoleCapture {
		t.Fatalf("Held() = %v, %v; want capture, true", role, ok)
	}
	frames, err := tok.Frames()
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}

	a.Release(tok)
	if _, ok := a.Held(); ok {
		t.Error("device still held after Release")
	}
	if _, open := <-frames; open {
		t.Error("frames channel not closed by Release")
	}
	if dev.Open() != 0 {
		t.Errorf("open streams = %d, want 0", dev.Open())
	}

	tok2, err := a.Acquire(ctx, audio.RolePlayback)
	if err != nil {
		t.Fatalf("Acquire playback: %v", err)
	}
	if err := tok2.Write(ctx, audio.Frame{Data: []byte{0, 0}, SampleRate: 48000, Channels: 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	a.Release(tok2)

	want := []string{"open capture", "close capture", "open playback", "close playback"}
	got := dev.Snapshot()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	a := newArbiter(&mock.Device{}, 0)
	tok, err := a.Acquire(context.Background(), audio.RolePlayback)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	t.Run("context ends first", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if _, err := a.Acquire(ctx, audio.RoleCapture); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Acquire() error = %v, want deadline exceeded", err)
		}
	})

	t.Run("granted after release", func(t *testing.T) {
		got := make(chan *Token, 1)
		go func() {
			tok, err := a.Acquire(context.Background(), audio.RoleCapture)
			if err != nil {
				t.Errorf("Acquire: %v", err)
			}
			got <- tok
		}()

		select {
		case <-got:
			t.Fatal("second Acquire returned while the first token was held")
		case <-time.After(30 * time.Millisecond):
		}

		a.Release(tok)
		select {
		case tok2 := <-got:
			if tok2.Role() != audio.RoleCapture {
				t.Errorf("role = %v, want capture", tok2.Role())
			}
			a.Release(tok2)
		case <-time.After(2 * time.Second):
			t.Fatal("Acquire did not proceed after Release")
		}
	})
}

func TestAtMostOneToken(t *testing.T) {
	dev := &mock.Device{}
	a := newArbiter(dev, 0)

	var outstanding, peak atomic.Int32
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 25 {
				role := audio.RoleCapture
				if (i+j)%2 == 0 {
					role = audio.RolePlayback
				}
				tok, err := a.Acquire(context.Background(), role)
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				n := outstanding.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(time.Duration(rand.IntN(50)) * time.Microsecond)
				outstanding.Add(-1)
				if j%3 == 0 {
					a.ForceRelease()
				} else {
					a.Release(tok)
				}
			}
		}()
	}
	wg.Wait()

	if p := peak.Load(); p != 1 {
		t.Errorf("peak outstanding tokens = %d, want 1", p)
	}
	if dev.MaxConcurrent != 1 {
		t.Errorf("peak open device streams = %d, want 1", dev.MaxConcurrent)
	}
	if dev.Open() != 0 {
		t.Errorf("streams left open: %d", dev.Open())
	}
}

func TestOpenFailureFreesDevice(t *testing.T) {
	dev := &mock.Device{OpenCaptureErr: errors.New("permission denied")}
	a := newArbiter(dev, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := a.Acquire(ctx, audio.RoleCapture); !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("Acquire() error = %v, want ErrCaptureUnavailable", err)
	}
	if _, ok := a.Held(); ok {
		t.Fatal("device held after failed open")
	}

	dev.OpenPlaybackErr = errors.New("no speaker")
	if _, err := a.Acquire(ctx, audio.RolePlayback); !errors.Is(err, ErrPlaybackUnavailable) {
		t.Fatalf("Acquire() error = %v, want ErrPlaybackUnavailable", err)
	}

	dev.OpenPlaybackErr = nil
	tok, err := a.Acquire(ctx, audio.RolePlayback)
	if err != nil {
		t.Fatalf("Acquire after failures: %v", err)
	}
	a.Release(tok)
}

func TestReleaseIsIdempotent(t *testing.T) {
	dev := &mock.Device{}
	a := newArbiter(dev, 0)

	a.ForceRelease()
	a.Release(nil)
	if len(dev.Snapshot()) != 0 {
		t.Fatalf("release on free arbiter touched the device: %v", dev.Snapshot())
	}

	tok, err := a.Acquire(context.Background(), audio.RoleCapture)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	a.ForceRelease()
	a.ForceRelease()
	a.Release(tok)
	if dev.Closes != 1 {
		t.Errorf("closes = %d, want 1", dev.Closes)
	}

	// A stale token must not release a newer one.
	tok2, err := a.Acquire(context.Background(), audio.RolePlayback)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	a.Release(tok)
	if role, ok := a.Held(); !ok || role != audio.RolePlayback {
		t.Fatal("stale Release freed the current token")
	}
	a.Release(tok2)
}

func TestTeardownFailures(t *testing.T) {
	t.Run("close error swallowed", func(t *testing.T) {
		dev := &mock.Device{CloseErr: errors.New("device vanished")}
		a := newArbiter(dev, 0)
		tok, err := a.Acquire(context.Background(), audio.RolePlayback)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		a.Release(tok)
		if _, ok := a.Held(); ok {
			t.Fatal("device held after failed teardown")
		}
	})

	t.Run("hung close abandoned", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)
		dev := &mock.Device{CloseBlock: block}
		a := newArbiter(dev, 30*time.Millisecond)

		tok, err := a.Acquire(context.Background(), audio.RoleCapture)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		done := make(chan struct{})
		go func() {
			a.ForceRelease()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("ForceRelease blocked on a hung device")
		}
		if !tok.Released() {
			t.Error("token not invalidated")
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := a.Acquire(ctx, audio.RolePlayback); err != nil {
			t.Fatalf("Acquire after abandoned teardown: %v", err)
		}
	})
}

func TestTokenGuards(t *testing.T) {
	a := newArbiter(&mock.Device{}, 0)
	ctx := context.Background()

	tok, err := a.Acquire(ctx, audio.RoleCapture)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := tok.Write(ctx, audio.Frame{}); !errors.Is(err, ErrWrongRole) {
		t.Errorf("Write on capture token = %v, want ErrWrongRole", err)
	}
	if err := tok.Drain(ctx); !errors.Is(err, ErrWrongRole) {
		t.Errorf("Drain on capture token = %v, want ErrWrongRole", err)
	}

	a.Release(tok)
	if _, err := tok.Frames(); !errors.Is(err, ErrTokenReleased) {
		t.Errorf("Frames after release = %v, want ErrTokenReleased", err)
	}
	if err := tok.Flush(); !errors.Is(err, ErrTokenReleased) {
		t.Errorf("Flush after release = %v, want ErrTokenReleased", err)
	}
}
