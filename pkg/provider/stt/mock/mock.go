// Package mock provides test doubles for the stt package interfaces.
//
// Provider hands out a fresh Session per StartSession call and records each
// one, so tests can inspect the audio a turn delivered and the hints it
// finalised with. Set Result or FinalizeErr to script the transcript, and
// FinalizeBlock to hold Finalize until the test releases it.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Result{Text: "who goes first?"}}
//	sess, _ := p.StartSession(ctx, cfg)
//	res, _ := sess.Finalize(ctx, nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tablevoice/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider and stt.Transcriber.
type Provider struct {
	mu sync.Mutex

	// Result is returned by every Finalize and Transcribe call.
	Result stt.Result

	// FinalizeErr, if non-nil, is returned instead of Result.
	FinalizeErr error

	// FinalizeBlock, if non-nil, makes Finalize wait until it is closed or
	// the context is done.
	FinalizeBlock chan struct{}

	// StartSessionErr, if non-nil, is returned by StartSession.
	StartSessionErr error

	// StartCalls records the config of every StartSession call.
	StartCalls []stt.StreamConfig

	// Sessions holds every session handed out, in order.
	Sessions []*Session

	// Requests records every Transcribe call.
	Requests []stt.Request
}

var (
	_ stt.Provider    = (*Provider)(nil)
	_ stt.Transcriber = (*Provider)(nil)
)

// StartSession records the call and returns a new Session.
func (p *Provider) StartSession(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls = append(p.StartCalls, cfg)
	if p.StartSessionErr != nil {
		return nil, p.StartSessionErr
	}
	s := &Session{p: p}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Transcribe records req and returns Result, FinalizeErr.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	p.mu.Unlock()
	return p.outcome(ctx)
}

// Last returns the most recent session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// SessionCount returns how many sessions were started.
func (p *Provider) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Sessions)
}

func (p *Provider) outcome(ctx context.Context) (stt.Result, error) {
	p.mu.Lock()
	block, res, err := p.FinalizeBlock, p.Result, p.FinalizeErr
	p.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Result{}, err
	}
	return res, nil
}

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	p *Provider

	mu         sync.Mutex
	audio      []byte
	hints      []string
	finalizes  int
	closeCount int
}

var _ stt.SessionHandle = (*Session)(nil)

// AppendAudio records chunk. It returns stt.ErrSessionClosed after Close.
func (s *Session) AppendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCount > 0 {
		return stt.ErrSessionClosed
	}
	s.audio = append(s.audio, chunk...)
	return nil
}

// Finalize records hints and returns the provider's scripted outcome.
func (s *Session) Finalize(ctx context.Context, hints []string) (stt.Result, error) {
	s.mu.Lock()
	s.finalizes++
	s.hints = append([]string(nil), hints...)
	s.mu.Unlock()
	return s.p.outcome(ctx)
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

// AudioLen returns the number of PCM bytes appended.
func (s *Session) AudioLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// Hints returns the hints of the last Finalize call.
func (s *Session) Hints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hints
}

// FinalizeCount returns the number of Finalize calls.
func (s *Session) FinalizeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizes
}

// Closed reports whether Close was called at least once.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount > 0
}
