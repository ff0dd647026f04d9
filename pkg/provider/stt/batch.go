package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/tablevoice/pkg/audio"
)

// Request is one complete recording handed to a [Transcriber].
type Request struct {
	// PCM is little-endian int16 audio in Format.
	PCM    []byte
	Format audio.Format

	Language string
	Hints    []string
}

// Transcriber turns a complete recording into text. Batch providers
// implement it and reuse [BatchSession] for the session plumbing.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// Normalize fills in zero fields of cfg with the 16 kHz mono defaults.
func (cfg StreamConfig) Normalize() StreamConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return cfg
}

// BatchSession buffers appended PCM and transcribes it in one request when
// finalised. Near-silent recordings short-circuit to a LowConfidence result
// without contacting the backend.
type BatchSession struct {
	cfg StreamConfig
	t   Transcriber

	mu        sync.Mutex
	buf       []byte
	closed    bool
	finalized bool
}

var _ SessionHandle = (*BatchSession)(nil)

// NewBatchSession returns a session that transcribes through t.
func NewBatchSession(cfg StreamConfig, t Transcriber) *BatchSession {
	return &BatchSession{cfg: cfg.Normalize(), t: t}
}

// AppendAudio copies chunk into the session buffer.
func (s *BatchSession) AppendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.finalized {
		return fmt.Errorf("stt: append after finalize")
	}
	s.buf = append(s.buf, chunk...)
	return nil
}

// Finalize transcribes the buffered recording. It may be called once.
func (s *BatchSession) Finalize(ctx context.Context, hints []string) (Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrSessionClosed
	}
	if s.finalized {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("stt: session already finalized")
	}
	s.finalized = true
	pcm := s.buf
	s.buf = nil
	s.mu.Unlock()

	f := audio.Format{SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels}
	dur := f.Duration(len(pcm))
	if audio.IsSilent(pcm) {
		return Result{LowConfidence: true, Duration: dur}, nil
	}

	res, err := s.t.Transcribe(ctx, Request{
		PCM:      pcm,
		Format:   f,
		Language: s.cfg.Language,
		Hints:    hints,
	})
	if err != nil {
		return Result{}, err
	}
	res.Text = strings.TrimSpace(res.Text)
	res.Duration = dur
	return res, nil
}

// Close drops any buffered audio.
func (s *BatchSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buf = nil
	return nil
}

// PromptFromHints joins vocabulary hints into a recognition prompt, the
// format both whisper.cpp and the OpenAI endpoint accept.
func PromptFromHints(hints []string) string {
	var parts []string
	for _, h := range hints {
		if h = strings.TrimSpace(h); h != "" {
			parts = append(parts, h)
		}
	}
	return strings.Join(parts, ", ")
}
