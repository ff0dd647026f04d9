// Package voice runs the push-to-talk voice turn: record a question, turn it
// into text, ask the game server, and speak the answer.
//
// A [Session] is an actor. Every transition happens on the goroutine running
// [Session.Run]; the button ([Session.Press]), [Session.Interrupt], timer
// expiries and the completion of background work all arrive as events on one
// channel. The session owns a single pending deadline. Each deadline and each
// completion carries the id of the turn that started it and is dropped when
// that turn is gone or has moved to another phase.
//
// The microphone and speaker are reached only through arbiter tokens. The
// session holds at most one token, and only the loop acquires or releases it.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tablevoice/internal/arbiter"
	"github.com/MrWong99/tablevoice/internal/observe"
	"github.com/MrWong99/tablevoice/pkg/audio"
	"github.com/MrWong99/tablevoice/pkg/provider/stt"
	"github.com/MrWong99/tablevoice/pkg/provider/tts"
)

// Turn timing defaults.
const (
	DefaultRecordTimeout  = 60 * time.Second
	DefaultFirstNotice    = 2500 * time.Millisecond
	DefaultSecondNotice   = 7 * time.Second
	DefaultReplyTimeout   = 15 * time.Second
	DefaultAcquireTimeout = 5 * time.Second
)

// Audio is the part of [arbiter.Arbiter] the session uses.
type Audio interface {
	Acquire(ctx context.Context, role audio.Role) (*arbiter.Token, error)
	Release(tok *arbiter.Token)
	ForceRelease()
}

var _ Audio = (*arbiter.Arbiter)(nil)

// Replier produces the spoken answer to a transcript. The orchestrator
// implements it on top of the chat API.
type Replier interface {
	Reply(ctx context.Context, turn uuid.UUID, transcript string) (string, error)
}

// ReplierFunc adapts a function to [Replier].
type ReplierFunc func(ctx context.Context, turn uuid.UUID, transcript string) (string, error)

// Reply calls f.
func (f ReplierFunc) Reply(ctx context.Context, turn uuid.UUID, transcript string) (string, error) {
	return f(ctx, turn, transcript)
}

// Config wires a [Session] to its collaborators. Audio, STT, TTS and Replier
// are required; zero durations take the Default* values.
type Config struct {
	Audio   Audio
	STT     stt.Provider
	TTS     tts.Provider
	Replier Replier

	// CaptureFormat is the format capture tokens deliver.
	CaptureFormat audio.Format
	// SynthesisFormat is the PCM format the TTS provider emits.
	SynthesisFormat audio.Format
	// PlaybackFormat is the format playback tokens accept.
	PlaybackFormat audio.Format

	// Language is passed to the STT provider, e.g. "en".
	Language string

	// Voice returns the voice for the next reply. Read once per turn so a
	// settings reload applies to the following turn. Nil uses the provider
	// default.
	Voice func() tts.VoiceProfile

	// Hints returns the vocabulary passed to STT on finalize. May be nil.
	Hints func() []string

	// Placeholders replaces [DefaultPlaceholders] when non-nil.
	Placeholders []string

	RecordTimeout  time.Duration
	FirstNotice    time.Duration
	SecondNotice   time.Duration
	ReplyTimeout   time.Duration
	AcquireTimeout time.Duration

	// OnStatus receives every status update on the session goroutine. It
	// must not block and must not call back into the session synchronously.
	OnStatus func(Status)
}

func (c *Config) applyDefaults() {
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = DefaultRecordTimeout
	}
	if c.FirstNotice <= 0 {
		c.FirstNotice = DefaultFirstNotice
	}
	if c.SecondNotice <= 0 {
		c.SecondNotice = DefaultSecondNotice
	}
	if c.SecondNotice < c.FirstNotice {
		c.SecondNotice = c.FirstNotice
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.Placeholders == nil {
		c.Placeholders = DefaultPlaceholders
	}
	if c.Voice == nil {
		c.Voice = func() tts.VoiceProfile { return tts.VoiceProfile{} }
	}
	if c.Hints == nil {
		c.Hints = func() []string { return nil }
	}
	if c.OnStatus == nil {
		c.OnStatus = func(Status) {}
	}
}

// timer is the part of [time.Timer] the session needs.
type timer interface {
	Stop() bool
}

// Option customises a [Session].
type Option func(*Session)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// ── events ──────────────────────────────────────────────────────────────────

type eventKind int

const (
	evPress eventKind = iota
	evInterrupt
	evDeadline
	evTranscript
	evReply
	evSpoken
)

type deadline int

const (
	deadlineNone deadline = iota
	deadlineRecord
	deadlineFirstNotice
	deadlineSecondNotice
)

type event struct {
	kind     eventKind
	turn     uuid.UUID
	deadline deadline
	result   stt.Result
	text     string
	err      error
}

// turn is the loop-owned state of the current voice turn.
type turn struct {
	id     uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc

	// tok is the token the turn holds, nil between roles.
	tok  *arbiter.Token
	sess stt.SessionHandle

	// stopPump ends the capture pump; pumpDone closes when it has returned.
	stopPump chan struct{}
	pumpDone chan struct{}

	started    time.Time
	thinkingAt time.Time
}

// ── session ─────────────────────────────────────────────────────────────────

// Session is the voice turn state machine. Create one with [New] and start
// its loop with [Session.Run].
type Session struct {
	cfg          Config
	metrics      *observe.Metrics
	placeholders placeholders
	schedule     func(time.Duration, func()) timer
	now          func() time.Time

	events chan event
	done   chan struct{}

	mu    sync.Mutex
	phase Phase
	id    uuid.UUID

	// Loop-owned.
	cur         *turn
	pending     timer
	pendingKind deadline
}

// New creates an idle session.
func New(cfg Config, opts ...Option) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:          cfg,
		placeholders: newPlaceholders(cfg.Placeholders),
		schedule: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		now:    time.Now,
		events: make(chan event, 16),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Turn returns the id of the current turn, or [uuid.Nil] when idle.
func (s *Session) Turn() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Press is the push-to-talk button. Idle starts recording, Recording stops
// it, Speaking interrupts the reply and starts a new recording. Presses while
// transcribing or thinking are ignored.
func (s *Session) Press() { s.post(event{kind: evPress}) }

// Interrupt abandons the current turn, whatever its phase, and releases the
// audio device. It is a no-op when idle.
func (s *Session) Interrupt() { s.post(event{kind: evInterrupt}) }

// post queues ev for the loop. Events posted after Run returned are dropped.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Run processes events until ctx is cancelled. A turn in progress is
// abandoned and its token released before Run returns. Run must be called
// once.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			if s.cur != nil {
				s.abort(s.cur)
			}
			return nil
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Session) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evPress:
		s.press(ctx)
	case evInterrupt:
		if t := s.cur; t != nil {
			s.abort(t)
			s.metrics.RecordTurn(ctx, "cancelled")
			s.cfg.OnStatus(Status{TurnID: t.id, Phase: PhaseIdle, Kind: KindInfo, Message: msgCancelled})
		}
	case evDeadline:
		s.onDeadline(ev)
	case evTranscript:
		s.onTranscript(ev)
	case evReply:
		s.onReply(ev)
	case evSpoken:
		s.onSpoken(ev)
	}
}

func (s *Session) press(ctx context.Context) {
	switch s.Phase() {
	case PhaseIdle:
		s.startRecording(ctx)
	case PhaseRecording:
		s.stopRecording(s.cur, false)
	case PhaseSpeaking:
		t := s.cur
		slog.Info("voice: reply interrupted", "turn", t.id)
		t.cancel()
		s.clearDeadline()
		s.cfg.Audio.ForceRelease()
		t.tok = nil
		s.cur = nil
		s.metrics.RecordTurn(ctx, "interrupted")
		s.startRecording(ctx)
	default:
		slog.Debug("voice: press ignored", "phase", s.Phase(), "turn", s.Turn())
	}
}

// ── recording ───────────────────────────────────────────────────────────────

func (s *Session) startRecording(ctx context.Context) {
	tctx, cancel := context.WithCancel(ctx)
	t := &turn{id: uuid.New(), ctx: tctx, cancel: cancel, started: s.now()}

	actx, acancel := context.WithTimeout(tctx, s.cfg.AcquireTimeout)
	tok, err := s.cfg.Audio.Acquire(actx, audio.RoleCapture)
	acancel()
	if err != nil {
		if !errors.Is(err, ErrCaptureUnavailable) {
			err = fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
		}
		s.fail(t, err)
		return
	}
	t.tok = tok

	frames, err := tok.Frames()
	if err != nil {
		s.fail(t, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err))
		return
	}
	sess, err := s.cfg.STT.StartSession(tctx, stt.StreamConfig{
		SampleRate: s.cfg.CaptureFormat.SampleRate,
		Channels:   s.cfg.CaptureFormat.Channels,
		Language:   s.cfg.Language,
	})
	if err != nil {
		s.fail(t, fmt.Errorf("%w: start session: %w", ErrTranscriptionEmpty, err))
		return
	}
	t.sess = sess
	t.stopPump = make(chan struct{})
	t.pumpDone = make(chan struct{})
	go pump(t.id, frames, sess, t.stopPump, t.pumpDone)

	s.cur = t
	s.setPhase(PhaseRecording, t.id)
	s.arm(t.id, deadlineRecord, s.cfg.RecordTimeout)
	slog.Info("voice: recording", "turn", t.id)
	s.cfg.OnStatus(Status{TurnID: t.id, Phase: PhaseRecording, Kind: KindInfo, Message: msgListening})
}

// pump forwards captured PCM to the STT session until stop is closed or the
// capture stream ends.
func pump(id uuid.UUID, frames <-chan audio.Frame, sess stt.SessionHandle, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := sess.AppendAudio(f.Data); err != nil {
				slog.Warn("voice: dropping captured audio", "turn", id, "err", err)
				return
			}
		}
	}
}

// stopCapture stops the capture pump and waits for it.
func (t *turn) stopCapture() {
	if t.stopPump == nil {
		return
	}
	close(t.stopPump)
	<-t.pumpDone
	t.stopPump = nil
}

func (s *Session) stopRecording(t *turn, timedOut bool) {
	s.clearDeadline()
	t.stopCapture()
	s.cfg.Audio.Release(t.tok)
	t.tok = nil

	s.setPhase(PhaseTranscribing, t.id)
	if timedOut {
		s.metrics.RecordingTimeouts.Add(t.ctx, 1)
		slog.Warn("voice: recording deadline reached", "turn", t.id, "limit", s.cfg.RecordTimeout)
		s.cfg.OnStatus(Status{TurnID: t.id, Phase: PhaseTranscribing, Kind: KindAlert, Message: msgRecordTimeout})
	} else {
		s.cfg.OnStatus(Status{TurnID: t.id, Phase: PhaseTranscribing, Kind: KindInfo, Message: msgTranscribing})
	}

	hints := s.cfg.Hints()
	id, sess, ctx := t.id, t.sess, t.ctx
	go func() {
		start := time.Now()
		res, err := sess.Finalize(ctx, hints)
		s.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
		s.post(event{kind: evTranscript, turn: id, result: res, err: err})
	}()
}

// ── transcribing / thinking ─────────────────────────────────────────────────

func (s *Session) onTranscript(ev event) {
	t := s.current(ev.turn, PhaseTranscribing)
	if t == nil {
		return
	}
	if err := t.sess.Close(); err != nil {
		slog.Debug("voice: close stt session", "turn", t.id, "err", err)
	}
	t.sess = nil

	if ev.err != nil {
		s.fail(t, fmt.Errorf("%w: %w", ErrTranscriptionEmpty, ev.err))
		return
	}
	text := strings.TrimSpace(ev.result.Text)
	switch {
	case text == "":
		s.fail(t, fmt.Errorf("%w: no speech", ErrTranscriptionEmpty))
		return
	case ev.result.LowConfidence:
		s.fail(t, fmt.Errorf("%w: low confidence %q", ErrTranscriptionEmpty, text))
		return
	case s.placeholders.match(text):
		s.fail(t, fmt.Errorf("%w: placeholder %q", ErrTranscriptionEmpty, text))
		return
	}
	slog.Info("voice: transcript", "turn", t.id, "text", text, "confidence", ev.result.Confidence)

	t.thinkingAt = s.now()
	s.setPhase(PhaseThinking, t.id)
	s.arm(t.id, deadlineFirstNotice, s.cfg.FirstNotice)
	s.cfg.OnStatus(Status{TurnID: t.id, Phase: PhaseThinking, Kind: KindInfo, Message: msgThinking})

	id, ctx := t.id, t.ctx
	go func() {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.ReplyTimeout)
		defer cancel()
		reply, err := s.cfg.Replier.Reply(rctx, id, text)
		s.post(event{kind: evReply, turn: id, text: reply, err: err})
	}()
}

func (s *Session) onDeadline(ev event) {
	if ev.deadline != s.pendingKind {
		return
	}
	switch ev.deadline {
	case deadlineRecord:
		if t := s.current(ev.turn, PhaseRecording); t != nil {
			s.pending, s.pendingKind = nil, deadlineNone
			s.stopRecording(t, true)
		}
	case deadlineFirstNotice:
		if t := s.current(ev.turn, PhaseThinking); t != nil {
			s.pending, s.pendingKind = nil, deadlineNone
			s.cfg.OnStatus(Status{TurnID: t.id, Phase: PhaseThinking, Kind: KindNotice, Message: msgFirstNotice})
			// The second notice is relative to entering Thinking.
			rest := max(s.cfg.SecondNotice-s.now().Sub(t.thinkingAt), 0)
			s.arm(t.id, deadlineSecondNotice, rest)
		}
	case deadlineSecondNotice:
		if t := s.current(ev.turn, PhaseThinking); t != nil {
			s.pending, s.pendingKind = nil, deadlineNone
			s.cfg.OnStatus(Status{TurnID: t.id, Phase: PhaseThinking, Kind: KindNotice, Message: msgSecondNotice})
		}
	}
}

func (s *Session) onReply(ev event) {
	t := s.current(ev.turn, PhaseThinking)
	if t == nil {
		return
	}
	s.clearDeadline()
	if ev.err != nil {
		s.fail(t, fmt.Errorf("%w: %w", ErrRemote, ev.err))
		return
	}
	reply := strings.TrimSpace(ev.text)
	if reply == "" {
		s.fail(t, fmt.Errorf("%w: empty reply", ErrRemote))
		return
	}

	actx, acancel := context.WithTimeout(t.ctx, s.cfg.AcquireTimeout)
	tok, err := s.cfg.Audio.Acquire(actx, audio.RolePlayback)
	acancel()
	if err != nil {
		s.fail(t, fmt.Errorf("%w: %w", ErrPlayback, err))
		return
	}
	t.tok = tok
	s.setPhase(PhaseSpeaking, t.id)
	s.cfg.OnStatus(Status{TurnID: t.id, Phase: PhaseSpeaking, Kind: KindInfo, Message: reply})

	id, ctx, voice := t.id, t.ctx, s.cfg.Voice()
	go func() {
		start := time.Now()
		err := s.speak(ctx, tok, reply, voice)
		s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		s.post(event{kind: evSpoken, turn: id, err: err})
	}()
}

// ── speaking ────────────────────────────────────────────────────────────────

// speak synthesises reply and plays it through tok. The synthesis channel is
// always drained so the provider can shut down.
func (s *Session) speak(ctx context.Context, tok *arbiter.Token, reply string, voice tts.VoiceProfile) error {
	chunks, err := s.cfg.TTS.SynthesizeStream(ctx, tts.Text(reply), voice)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}

	src := s.cfg.SynthesisFormat
	conv := audio.FormatConverter{Target: s.cfg.PlaybackFormat}
	align := max(2*src.Channels, 2)
	var (
		carry    []byte
		ts       time.Duration
		played   int
		writeErr error
	)
	for chunk := range chunks {
		// Providers may split a sample across chunks.
		data := append(carry, chunk...)
		n := len(data) - len(data)%align
		carry = append([]byte(nil), data[n:]...)
		if n == 0 {
			continue
		}
		f := conv.Convert(audio.Frame{Data: data[:n], SampleRate: src.SampleRate, Channels: src.Channels, Timestamp: ts})
		ts += src.Duration(n)
		if len(f.Data) == 0 {
			continue
		}
		if err := tok.Write(ctx, f); err != nil {
			writeErr = err
			audio.Drain(chunks)
			break
		}
		played += n
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if writeErr != nil {
		return fmt.Errorf("write: %w", writeErr)
	}
	if played == 0 {
		return errors.New("no audio synthesised")
	}
	if err := tok.Drain(ctx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}

func (s *Session) onSpoken(ev event) {
	t := s.current(ev.turn, PhaseSpeaking)
	if t == nil {
		return
	}
	if ev.err != nil {
		s.fail(t, fmt.Errorf("%w: %w", ErrPlayback, ev.err))
		return
	}
	s.cfg.Audio.Release(t.tok)
	t.tok = nil
	s.metrics.RecordTurn(t.ctx, "ok")
	t.cancel()
	s.cur = nil
	s.setPhase(PhaseIdle, uuid.Nil)
	slog.Info("voice: turn complete", "turn", t.id, "elapsed", s.now().Sub(t.started))
	s.cfg.OnStatus(Status{TurnID: t.id, Phase: PhaseIdle, Kind: KindInfo, Message: msgReady})
}

// ── helpers ─────────────────────────────────────────────────────────────────

// current returns the active turn if it is id and in phase p.
func (s *Session) current(id uuid.UUID, p Phase) *turn {
	if s.cur == nil || s.cur.id != id || s.Phase() != p {
		slog.Debug("voice: stale event dropped", "turn", id, "want_phase", p)
		return nil
	}
	return s.cur
}

func (s *Session) setPhase(p Phase, id uuid.UUID) {
	s.mu.Lock()
	s.phase, s.id = p, id
	s.mu.Unlock()
}

// arm replaces the pending deadline.
func (s *Session) arm(id uuid.UUID, kind deadline, d time.Duration) {
	s.clearDeadline()
	s.pendingKind = kind
	s.pending = s.schedule(d, func() {
		s.post(event{kind: evDeadline, turn: id, deadline: kind})
	})
}

func (s *Session) clearDeadline() {
	if s.pending != nil {
		s.pending.Stop()
	}
	s.pending, s.pendingKind = nil, deadlineNone
}

// abort tears a turn down without reporting: background work is cancelled,
// the token released and the STT session closed.
func (s *Session) abort(t *turn) {
	t.cancel()
	s.clearDeadline()
	t.stopCapture()
	if t.tok != nil {
		s.cfg.Audio.Release(t.tok)
		t.tok = nil
	}
	if t.sess != nil {
		if err := t.sess.Close(); err != nil {
			slog.Debug("voice: close stt session", "turn", t.id, "err", err)
		}
		t.sess = nil
	}
	if s.cur == t {
		s.cur = nil
	}
	s.setPhase(PhaseIdle, uuid.Nil)
}

// fail ends t with err and reports it.
func (s *Session) fail(t *turn, err error) {
	s.abort(t)
	s.metrics.RecordTurn(context.WithoutCancel(t.ctx), outcome(err))
	slog.Warn("voice: turn failed", "turn", t.id, "err", err)
	s.cfg.OnStatus(Status{TurnID: t.id, Phase: PhaseIdle, Kind: KindError, Message: message(err), Err: err})
}
